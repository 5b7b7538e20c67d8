package pipeline

import (
	"errors"
	"fmt"

	"camera-control-go/internal/device"
	"camera-control-go/internal/record"
)

// Supervisor-level errors.
var (
	ErrUnknownCamera = fmt.Errorf("unknown camera id")
	ErrInvalidState  = fmt.Errorf("operation not valid in current camera state")
	ErrInvalidZoom   = fmt.Errorf("zoom factor out of range")
)

// Code maps an error to the stable reason code surfaced to the UI layer.
// Every failure crossing the command surface carries one of these plus the
// camera id; free-text messages are for logs only.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, device.ErrDeviceUnavailable):
		return "device_unavailable"
	case errors.Is(err, device.ErrTimeout):
		return "timeout"
	case errors.Is(err, device.ErrUnknownParameter):
		return "unknown_parameter"
	case errors.Is(err, device.ErrOutOfRange):
		return "out_of_range"
	case errors.Is(err, device.ErrRejected):
		return "rejected"
	case errors.Is(err, record.ErrAlreadyRecording):
		return "already_recording"
	case errors.Is(err, record.ErrUnsupportedCodec):
		return "unsupported_codec"
	case errors.Is(err, ErrUnknownCamera):
		return "unknown_camera"
	case errors.Is(err, ErrInvalidState):
		return "invalid_state"
	case errors.Is(err, ErrInvalidZoom):
		return "invalid_zoom"
	default:
		return "internal"
	}
}
