// Package gocvcam implements the camera driver on top of OpenCV.
package gocvcam

import (
	"context"
	"errors"
	"fmt"
	"image"
	"os"
	"sync"

	"github.com/anime-shed/growth-kiosk/internal/device"

	"github.com/google/uuid"
	"gocv.io/x/gocv"
)

// Driver opens the video device at Index.
type Driver struct {
	Index int
}

// NewDriver creates a driver for /dev/video<index> (or the platform equivalent).
func NewDriver(index int) *Driver {
	return &Driver{Index: index}
}

// Open opens the capture device and applies the constraints.
func (d *Driver) Open(ctx context.Context, c device.Constraints) (device.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := probe(d.Index); err != nil {
		return nil, err
	}

	capture, err := gocv.OpenVideoCapture(d.Index)
	if err != nil {
		return nil, fmt.Errorf("open camera %d: %v: %w", d.Index, err, device.ErrDeviceBusy)
	}
	if !capture.IsOpened() {
		capture.Close()
		return nil, fmt.Errorf("camera %d did not open: %w", d.Index, device.ErrDeviceBusy)
	}

	capture.Set(gocv.VideoCaptureFrameWidth, float64(c.Width))
	capture.Set(gocv.VideoCaptureFrameHeight, float64(c.Height))
	if c.FrameRate > 0 {
		capture.Set(gocv.VideoCaptureFPS, float64(c.FrameRate))
	}

	s := &stream{
		id:      uuid.NewString(),
		capture: capture,
	}
	// Prime the device so Dimensions reflects what it actually delivers
	_, _ = s.ReadFrame()
	return s, nil
}

// probe maps the Linux device node state onto driver errors before OpenCV
// swallows the reason.
func probe(index int) error {
	path := fmt.Sprintf("/dev/video%d", index)
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	switch {
	case err == nil:
		f.Close()
		return nil
	case errors.Is(err, os.ErrPermission):
		return fmt.Errorf("%s: %w", path, device.ErrPermissionDenied)
	case errors.Is(err, os.ErrNotExist):
		// Without video4linux there are no device nodes to check; let OpenCV decide
		if _, statErr := os.Stat("/sys/class/video4linux"); statErr == nil {
			return fmt.Errorf("%s: %w", path, device.ErrNoDevice)
		}
		return nil
	default:
		return nil
	}
}

type stream struct {
	id string

	mu      sync.Mutex
	capture *gocv.VideoCapture
	width   int
	height  int
	stopped bool
	once    sync.Once
}

func (s *stream) ID() string {
	return s.id
}

func (s *stream) Dimensions() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.width, s.height
}

// ReadFrame grabs one frame and converts it to an image.
func (s *stream) ReadFrame() (image.Image, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return nil, device.ErrNoFrame
	}

	mat := gocv.NewMat()
	defer mat.Close()

	if ok := s.capture.Read(&mat); !ok || mat.Empty() {
		return nil, device.ErrNoFrame
	}

	img, err := mat.ToImage()
	if err != nil {
		return nil, fmt.Errorf("convert frame: %w", err)
	}
	s.width, s.height = mat.Cols(), mat.Rows()
	return img, nil
}

// Stop closes the capture device once.
func (s *stream) Stop() error {
	var err error
	s.once.Do(func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.stopped = true
		s.width, s.height = 0, 0
		err = s.capture.Close()
	})
	return err
}

// Device describes a camera found by Scan.
type Device struct {
	Index  int
	Width  int
	Height int
}

// Scan tries camera indices [0, max) and reports the ones that open.
func Scan(max int) []Device {
	var devices []Device
	for i := 0; i < max; i++ {
		capture, err := gocv.OpenVideoCapture(i)
		if err != nil {
			continue
		}
		if capture.IsOpened() {
			devices = append(devices, Device{
				Index:  i,
				Width:  int(capture.Get(gocv.VideoCaptureFrameWidth)),
				Height: int(capture.Get(gocv.VideoCaptureFrameHeight)),
			})
		}
		capture.Close()
	}
	return devices
}
