// Package device defines the capability surface the capture pipeline needs
// from an imaging device: open it, pull frames with a bounded timeout, and
// get/set named parameters. The pipeline never talks to a vendor SDK
// directly, so any backend (gocv webcam, synthetic generator) plugs in here.
package device

import (
	"fmt"
	"image"
	"time"
)

// Errors returned by backends. Callers match with errors.Is.
var (
	ErrDeviceUnavailable = fmt.Errorf("device unavailable")
	ErrTimeout           = fmt.Errorf("frame read timed out")
	ErrUnknownParameter  = fmt.Errorf("unknown parameter")
	ErrOutOfRange        = fmt.Errorf("parameter value out of range")
	ErrRejected          = fmt.Errorf("parameter rejected by device")
	ErrClosed            = fmt.Errorf("device closed")
)

// ParameterKind classifies how a parameter value is interpreted.
type ParameterKind int

const (
	KindContinuous ParameterKind = iota // numeric within [Min, Max]
	KindBoolean                         // 0 or 1
	KindEnumerated                      // one of Values
)

// Parameter describes one named device control and its current value.
// Values are float64 across all kinds; booleans are 0/1.
type Parameter struct {
	Name   string        `json:"name"`
	Kind   ParameterKind `json:"kind"`
	Value  float64       `json:"value"`
	Min    float64       `json:"min,omitempty"`
	Max    float64       `json:"max,omitempty"`
	Values []float64     `json:"values,omitempty"` // enumerated kinds only
	Auto   bool          `json:"auto"`             // auto-mode flag, where applicable
}

// accepts reports whether v is a legal value for the parameter.
func (p Parameter) accepts(v float64) bool {
	switch p.Kind {
	case KindBoolean:
		return v == 0 || v == 1
	case KindEnumerated:
		for _, allowed := range p.Values {
			if v == allowed {
				return true
			}
		}
		return false
	default:
		return v >= p.Min && v <= p.Max
	}
}

// Device is an open imaging source. Implementations must support one
// goroutine calling ReadFrame serially; parameter calls may come from a
// different goroutine (the supervisor serializes them per camera).
type Device interface {
	// ID identifies the underlying hardware (device index, serial, ...).
	ID() string

	// ReadFrame blocks until the next frame is available or the timeout
	// elapses, in which case it returns ErrTimeout. The returned image is
	// owned by the caller.
	ReadFrame(timeout time.Duration) (image.Image, error)

	// GetParameter returns the named parameter, or ErrUnknownParameter.
	GetParameter(name string) (Parameter, error)

	// SetParameter stores a new value. On ErrOutOfRange or ErrRejected the
	// stored value is unchanged.
	SetParameter(name string, value float64) error

	// SetAuto toggles the auto-mode flag of a parameter that has one.
	SetAuto(name string, auto bool) error

	Close() error
}

// Backend opens devices from an opaque reference string.
type Backend interface {
	Open(ref string) (Device, error)
}
