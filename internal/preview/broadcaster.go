// Package preview streams the live camera picture to the kiosk UI as MJPEG.
package preview

import (
	"bytes"
	"context"
	"fmt"
	"image/jpeg"
	"net/http"
	"sync"
	"time"

	"github.com/anime-shed/growth-kiosk/internal/device"
	apperrors "github.com/anime-shed/growth-kiosk/internal/errors"

	"github.com/sirupsen/logrus"
)

const boundary = "frame"

// Broadcaster is a rendering surface for the device session. While attached
// it polls frames at a fixed rate and fans them out to HTTP clients.
type Broadcaster struct {
	interval time.Duration
	quality  int
	logger   *logrus.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	clients map[chan []byte]struct{}
	latest  []byte
}

// NewBroadcaster creates a detached broadcaster.
func NewBroadcaster(fps, quality int, logger *logrus.Logger) *Broadcaster {
	if fps <= 0 {
		fps = 10
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Broadcaster{
		interval: time.Second / time.Duration(fps),
		quality:  quality,
		logger:   logger,
		clients:  make(map[chan []byte]struct{}),
	}
}

// Attach starts polling r. It returns immediately.
func (b *Broadcaster) Attach(r device.FrameReader) {
	ctx, cancel := context.WithCancel(context.Background())

	b.mu.Lock()
	if b.cancel != nil {
		b.cancel()
	}
	b.cancel = cancel
	b.mu.Unlock()

	go b.run(ctx, r)
}

// Detach stops polling. It does not wait for the poll loop to exit.
func (b *Broadcaster) Detach() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cancel != nil {
		b.cancel()
		b.cancel = nil
	}
	b.latest = nil
}

// Attached reports whether a frame source is set.
func (b *Broadcaster) Attached() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cancel != nil
}

func (b *Broadcaster) run(ctx context.Context, r device.FrameReader) {
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	var buf bytes.Buffer
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		img, err := r.ReadFrame()
		if err != nil {
			if !apperrors.IsCode(err, apperrors.CodeNoActiveStream) {
				b.logger.WithError(err).Debug("Preview frame read failed")
			}
			continue
		}

		buf.Reset()
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: b.quality}); err != nil {
			b.logger.WithError(err).Warn("Failed to encode preview frame")
			continue
		}
		b.publish(ctx, append([]byte(nil), buf.Bytes()...))
	}
}

// publish drops frame when ctx was cancelled. Attach and Detach cancel under
// mu, so a frame read before a release never outlives it.
func (b *Broadcaster) publish(ctx context.Context, frame []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ctx.Err() != nil {
		return
	}
	b.latest = frame
	for ch := range b.clients {
		select {
		case ch <- frame:
		default:
			// Slow client; it gets the next one
		}
	}
}

// Subscribe registers a client. The returned func must be called when done.
func (b *Broadcaster) Subscribe() (<-chan []byte, func()) {
	ch := make(chan []byte, 1)

	b.mu.Lock()
	b.clients[ch] = struct{}{}
	if b.latest != nil {
		ch <- b.latest
	}
	b.mu.Unlock()

	return ch, func() {
		b.mu.Lock()
		delete(b.clients, ch)
		b.mu.Unlock()
	}
}

// Latest returns the most recent preview frame, nil when detached.
func (b *Broadcaster) Latest() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.latest
}

// ServeHTTP streams multipart/x-mixed-replace JPEG frames until the client
// goes away.
func (b *Broadcaster) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary="+boundary)
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.Header().Set("Connection", "close")
	flusher.Flush()

	frames, unsubscribe := b.Subscribe()
	defer unsubscribe()

	for {
		select {
		case <-r.Context().Done():
			return
		case frame := <-frames:
			if _, err := fmt.Fprintf(w, "--%s\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", boundary, len(frame)); err != nil {
				return
			}
			if _, err := w.Write(frame); err != nil {
				return
			}
			if _, err := w.Write([]byte("\r\n")); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
