// Package record encodes camera frames into container files on demand. One
// recording worker per camera at most; recording is best-effort and never
// back-pressures acquisition.
package record

import (
	"fmt"
	"strings"
)

// Codec identifies one of the fixed set of supported encoders. The names are
// fourcc codes; the encoding backend maps them to concrete container/codec
// pairs.
type Codec string

const (
	CodecXVID Codec = "XVID"
	CodecMJPG Codec = "MJPG"
	CodecH264 Codec = "H264"
	CodecMP4V Codec = "MP4V"
)

// Codecs lists the supported set in a stable order.
func Codecs() []Codec {
	return []Codec{CodecXVID, CodecMJPG, CodecH264, CodecMP4V}
}

// ErrUnsupportedCodec is returned when a recording is requested with a codec
// outside the supported set.
var ErrUnsupportedCodec = fmt.Errorf("unsupported codec")

// ParseCodec validates a codec name (case-insensitive).
func ParseCodec(s string) (Codec, error) {
	c := Codec(strings.ToUpper(strings.TrimSpace(s)))
	for _, known := range Codecs() {
		if c == known {
			return c, nil
		}
	}
	return "", fmt.Errorf("%q: %w", s, ErrUnsupportedCodec)
}

// FourCC returns the four-character code handed to the encoder backend.
func (c Codec) FourCC() string { return string(c) }

// Ext returns the container file extension for the codec.
func (c Codec) Ext() string {
	switch c {
	case CodecH264, CodecMP4V:
		return ".mp4"
	default:
		return ".avi"
	}
}
