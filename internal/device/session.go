package device

import (
	"context"
	"errors"
	"image"
	"sync"

	apperrors "github.com/anime-shed/growth-kiosk/internal/errors"
	"github.com/anime-shed/growth-kiosk/internal/observer"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// State of a device session.
type State int

const (
	StateUninitialized State = iota
	StateAcquiring
	StateActive
	StateReleased
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateAcquiring:
		return "acquiring"
	case StateActive:
		return "active"
	case StateReleased:
		return "released"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// attempt is one call into Driver.Open. Callers that arrive while it is
// pending wait on done instead of opening the device again.
type attempt struct {
	epoch  uint64
	done   chan struct{}
	stream Stream
	err    error
}

// Session is the sole owner of the camera handle.
//
// Every Release bumps epoch. An Open that returns after its epoch has moved
// on is stopped on the spot, and the next Acquire waits for that to happen
// before it opens the device again.
type Session struct {
	id          string
	driver      Driver
	constraints Constraints
	events      observer.Subject
	logger      *logrus.Logger

	mu       sync.Mutex
	state    State
	reason   error
	stream   Stream
	epoch    uint64
	pending  *attempt
	surfaces []Surface
}

// NewSession creates an uninitialized session. events may be nil.
func NewSession(driver Driver, constraints Constraints, events observer.Subject, logger *logrus.Logger) *Session {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Session{
		id:          uuid.NewString(),
		driver:      driver,
		constraints: constraints,
		events:      events,
		logger:      logger,
	}
}

// ID identifies the session in events and logs.
func (s *Session) ID() string {
	return s.id
}

// Acquire opens the device, or returns the handle of an active or pending
// acquisition. It never issues a second Open while one is outstanding.
func (s *Session) Acquire(ctx context.Context) (Stream, error) {
	s.mu.Lock()
	for {
		if s.state == StateActive {
			stream := s.stream
			s.mu.Unlock()
			return stream, nil
		}
		if s.pending == nil {
			break
		}

		p := s.pending
		s.mu.Unlock()
		select {
		case <-p.done:
		case <-ctx.Done():
			return nil, apperrors.NewUnavailableError("gave up waiting for camera", ctx.Err())
		}
		s.mu.Lock()
		if p.epoch == s.epoch {
			s.mu.Unlock()
			return p.stream, p.err
		}
		// That attempt was abandoned by a release; look again.
	}

	p := &attempt{epoch: s.epoch, done: make(chan struct{})}
	s.pending = p
	s.state = StateAcquiring
	s.reason = nil
	s.mu.Unlock()

	stream, err := s.driver.Open(ctx, s.constraints)

	var emitted []observer.Event
	s.mu.Lock()
	superseded := p.epoch != s.epoch
	switch {
	case err != nil:
		p.err = classify(err)
		if !superseded {
			s.state = StateFailed
			s.reason = p.err
		}
		emitted = append(emitted, s.event(observer.DeviceFailed, "", p.err))
	case superseded:
		s.stopLocked(stream)
		p.err = apperrors.NewUnavailableError("camera released before acquisition completed", nil)
		emitted = append(emitted,
			s.event(observer.DeviceStarted, stream.ID(), nil),
			s.event(observer.DeviceStopped, stream.ID(), nil))
	default:
		s.stream = stream
		s.state = StateActive
		p.stream = stream
		for _, surface := range s.surfaces {
			surface.Attach(s)
		}
		emitted = append(emitted, s.event(observer.DeviceStarted, stream.ID(), nil))
	}
	s.pending = nil
	close(p.done)
	s.mu.Unlock()

	s.emit(ctx, emitted)
	return p.stream, p.err
}

// Release stops the active handle and detaches every surface. It is safe to
// call repeatedly and from any state.
func (s *Session) Release() {
	s.mu.Lock()
	if s.state == StateUninitialized || s.state == StateReleased {
		s.mu.Unlock()
		return
	}

	s.epoch++
	var emitted []observer.Event
	if s.stream != nil {
		for _, surface := range s.surfaces {
			surface.Detach()
		}
		id := s.stream.ID()
		s.stopLocked(s.stream)
		s.stream = nil
		emitted = append(emitted, s.event(observer.DeviceStopped, id, nil))
	}
	s.state = StateReleased
	s.reason = nil
	s.mu.Unlock()

	s.emit(context.Background(), emitted)
}

// CurrentHandle returns the active handle, if any. Callers must not keep it.
func (s *Session) CurrentHandle() (Stream, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateActive {
		return nil, false
	}
	return s.stream, true
}

// State returns the session state and, when Failed, the reason.
func (s *Session) State() (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state, s.reason
}

// Use runs fn against the active handle with the session held, so a release
// cannot stop the handle mid-read.
func (s *Session) Use(fn func(Stream) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateActive {
		return apperrors.NewNoActiveStreamError("camera is not active")
	}
	return fn(s.stream)
}

// ReadFrame reads from the active handle. Surfaces read through this.
func (s *Session) ReadFrame() (image.Image, error) {
	var img image.Image
	err := s.Use(func(stream Stream) error {
		var err error
		img, err = stream.ReadFrame()
		return err
	})
	return img, err
}

// Attach registers a rendering surface. It is attached right away when the
// session is active and on every later successful acquire.
func (s *Session) Attach(surface Surface) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.surfaces = append(s.surfaces, surface)
	if s.state == StateActive {
		surface.Attach(s)
	}
}

func (s *Session) stopLocked(stream Stream) {
	if err := stream.Stop(); err != nil {
		s.logger.WithError(err).WithFields(logrus.Fields{
			"session_id": s.id,
			"stream_id":  stream.ID(),
		}).Warn("Failed to stop camera stream cleanly")
	}
}

func (s *Session) event(t observer.EventType, streamID string, err error) observer.Event {
	e := observer.Event{
		EventType: t,
		SessionID: s.id,
		Success:   err == nil,
	}
	if streamID != "" {
		e.Metadata = map[string]interface{}{"stream_id": streamID}
	}
	if err != nil {
		e.ErrorMessage = err.Error()
	}
	return e
}

func (s *Session) emit(ctx context.Context, events []observer.Event) {
	if s.events == nil {
		return
	}
	for _, e := range events {
		s.events.NotifyObservers(ctx, e)
	}
}

func classify(err error) error {
	if _, ok := apperrors.As(err); ok {
		return err
	}
	switch {
	case errors.Is(err, ErrPermissionDenied):
		return apperrors.NewAccessDeniedError("camera access denied", err)
	case errors.Is(err, ErrDeviceBusy):
		return apperrors.NewUnavailableError("camera is busy", err)
	case errors.Is(err, ErrNoDevice):
		return apperrors.NewUnavailableError("no camera found", err)
	default:
		return apperrors.NewUnavailableError("camera unavailable", err)
	}
}
