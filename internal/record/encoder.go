package record

import (
	"fmt"
	"image"

	"gocv.io/x/gocv"
)

// Encoder is the sink a recording worker writes frames into. Implementations
// own the container file from Open to Close.
type Encoder interface {
	Open(path string, fps float64, width, height int) error
	Write(img image.Image) error
	Close() error
}

// EncoderFactory builds an encoder for a codec. Lets tests substitute a fake
// without touching the worker.
type EncoderFactory func(codec Codec) Encoder

// NewVideoWriterEncoder is the production factory, backed by OpenCV's
// VideoWriter.
func NewVideoWriterEncoder(codec Codec) Encoder {
	return &videoWriterEncoder{codec: codec}
}

type videoWriterEncoder struct {
	codec  Codec
	writer *gocv.VideoWriter
	width  int
	height int
}

func (e *videoWriterEncoder) Open(path string, fps float64, width, height int) error {
	w, err := gocv.VideoWriterFile(path, e.codec.FourCC(), fps, width, height, true)
	if err != nil {
		return fmt.Errorf("open video writer %s: %w", path, err)
	}
	if !w.IsOpened() {
		w.Close()
		return fmt.Errorf("video writer %s (%s): %w", path, e.codec, ErrUnsupportedCodec)
	}
	e.writer = w
	e.width = width
	e.height = height
	return nil
}

func (e *videoWriterEncoder) Write(img image.Image) error {
	mat, err := gocv.ImageToMatRGB(img)
	if err != nil {
		return fmt.Errorf("convert frame: %w", err)
	}
	defer mat.Close()

	// The writer rejects frames that do not match the opened size, which
	// happens when the quality controller downscales mid-session.
	if mat.Cols() != e.width || mat.Rows() != e.height {
		resized := gocv.NewMat()
		gocv.Resize(mat, &resized, image.Pt(e.width, e.height), 0, 0, gocv.InterpolationLinear)
		mat.Close()
		mat = resized
	}

	if err := e.writer.Write(mat); err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	return nil
}

func (e *videoWriterEncoder) Close() error {
	if e.writer == nil {
		return nil
	}
	return e.writer.Close()
}
