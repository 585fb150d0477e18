package preview

import (
	"bufio"
	"bytes"
	"context"
	"image"
	"image/color"
	"image/jpeg"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	apperrors "github.com/anime-shed/growth-kiosk/internal/errors"
)

type countingReader struct {
	reads  atomic.Int32
	active atomic.Bool
}

func (r *countingReader) ReadFrame() (image.Image, error) {
	r.reads.Add(1)
	if !r.active.Load() {
		return nil, apperrors.NewNoActiveStreamError("camera is not active")
	}
	img := image.NewRGBA(image.Rect(0, 0, 16, 16))
	for i := range img.Pix {
		img.Pix[i] = uint8(i)
	}
	img.Set(0, 0, color.White)
	return img, nil
}

// heldReader blocks in ReadFrame until release is closed.
type heldReader struct {
	entered chan struct{}
	release chan struct{}
	once    atomic.Bool
}

func (r *heldReader) ReadFrame() (image.Image, error) {
	if r.once.CompareAndSwap(false, true) {
		close(r.entered)
		<-r.release
	}
	return image.NewRGBA(image.Rect(0, 0, 16, 16)), nil
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("Condition not met in time")
}

func TestBroadcaster_AttachPublishesFrames(t *testing.T) {
	b := NewBroadcaster(100, 80, nil)
	reader := &countingReader{}
	reader.active.Store(true)

	frames, unsubscribe := b.Subscribe()
	defer unsubscribe()

	b.Attach(reader)
	defer b.Detach()

	select {
	case frame := <-frames:
		if _, err := jpeg.Decode(bytes.NewReader(frame)); err != nil {
			t.Errorf("Expected JPEG frame, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Expected a frame")
	}
	if !b.Attached() {
		t.Error("Expected broadcaster to be attached")
	}
}

func TestBroadcaster_DetachStopsPolling(t *testing.T) {
	b := NewBroadcaster(100, 80, nil)
	reader := &countingReader{}
	reader.active.Store(true)

	b.Attach(reader)
	waitFor(t, func() bool { return b.Latest() != nil })

	b.Detach()
	if b.Latest() != nil {
		t.Error("Expected latest frame to be dropped on detach")
	}
	// Allow an in-progress tick to finish
	time.Sleep(30 * time.Millisecond)
	before := reader.reads.Load()
	time.Sleep(50 * time.Millisecond)
	if after := reader.reads.Load(); after != before {
		t.Errorf("Expected no reads after detach, got %d more", after-before)
	}
}

func TestBroadcaster_FrameReadBeforeDetachIsDropped(t *testing.T) {
	b := NewBroadcaster(100, 80, nil)
	reader := &heldReader{entered: make(chan struct{}), release: make(chan struct{})}

	frames, unsubscribe := b.Subscribe()
	defer unsubscribe()

	b.Attach(reader)
	select {
	case <-reader.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("Expected a frame read")
	}

	b.Detach()
	close(reader.release)
	time.Sleep(50 * time.Millisecond)

	if b.Latest() != nil {
		t.Error("Expected no frame after detach")
	}
	select {
	case <-frames:
		t.Error("Expected subscribers to get nothing after detach")
	default:
	}
}

func TestBroadcaster_InactiveCameraPublishesNothing(t *testing.T) {
	b := NewBroadcaster(100, 80, nil)
	reader := &countingReader{}

	b.Attach(reader)
	defer b.Detach()

	waitFor(t, func() bool { return reader.reads.Load() > 3 })
	if b.Latest() != nil {
		t.Error("Expected no frame while the camera is inactive")
	}
}

func TestBroadcaster_ServeHTTPStreamsMJPEG(t *testing.T) {
	b := NewBroadcaster(100, 80, nil)
	reader := &countingReader{}
	reader.active.Store(true)
	b.Attach(reader)
	defer b.Detach()

	server := httptest.NewServer(b)
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, server.URL, nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "multipart/x-mixed-replace") {
		t.Errorf("Expected MJPEG content type, got %s", ct)
	}

	line, err := bufio.NewReader(resp.Body).ReadString('\n')
	if err != nil {
		t.Fatalf("Failed to read stream: %v", err)
	}
	if strings.TrimSpace(line) != "--frame" {
		t.Errorf("Expected boundary line, got %q", line)
	}
}
