package device

import (
	"context"
	"errors"
	"image"
)

// Driver errors. Drivers wrap these so the session can classify failures.
var (
	ErrPermissionDenied = errors.New("camera permission denied")
	ErrDeviceBusy       = errors.New("camera is in use by another process")
	ErrNoDevice         = errors.New("no camera device found")
	ErrNoFrame          = errors.New("camera delivered no frame")
)

// Constraints requested from the capture device.
type Constraints struct {
	Width     int
	Height    int
	FrameRate int
}

// Stream is an open OS-level capture handle.
type Stream interface {
	ID() string
	// Dimensions reports the negotiated resolution, zero until the device
	// has delivered its first frame.
	Dimensions() (width, height int)
	ReadFrame() (image.Image, error)
	// Stop releases the OS resource. Calling it more than once is harmless.
	Stop() error
}

// Driver opens capture streams.
type Driver interface {
	Open(ctx context.Context, c Constraints) (Stream, error)
}

// FrameReader reads the latest frame from whatever stream is active.
type FrameReader interface {
	ReadFrame() (image.Image, error)
}

// Surface renders frames while attached. Attach and Detach are invoked with
// the session lock held and must not block or call back into the session.
type Surface interface {
	Attach(r FrameReader)
	Detach()
}
