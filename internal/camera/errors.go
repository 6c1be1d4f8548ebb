package camera

import (
	"errors"
	"fmt"
)

var (
	// ErrStaleView is returned by a FrameView used after its capture cycle
	// ended or after the device was closed.
	ErrStaleView = errors.New("camera: frame view used after its capture cycle")
	// ErrClosed is returned by operations on a closed source.
	ErrClosed = errors.New("camera: device closed")
	// ErrUnsupported is returned where V4L2 capture is not built in.
	ErrUnsupported = errors.New("camera: v4l2 capture is not supported on this platform")

	errShortDst = errors.New("destination buffer too small")
)

// DeviceError is a setup failure: open, format or buffer negotiation.
// It is fatal at startup and never retried.
type DeviceError struct {
	Op   string
	Path string
	Err  error
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("camera: %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *DeviceError) Unwrap() error { return e.Err }

// StreamError is a failure of one capture cycle. The caller decides whether
// to capture again.
type StreamError struct {
	Op  string
	Err error
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("camera: %s: %v", e.Op, e.Err)
}

func (e *StreamError) Unwrap() error { return e.Err }

// PreconditionError reports an operation invoked in the wrong state.
type PreconditionError struct {
	Op     string
	State  State
	Reason string
}

func (e *PreconditionError) Error() string {
	return fmt.Sprintf("camera: %s in state %s: %s", e.Op, e.State, e.Reason)
}
