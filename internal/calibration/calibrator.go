// Package calibration runs the reference-marker exchange that shares the
// camera with the main capture flow.
package calibration

import (
	"context"
	"sync"
	"time"

	"github.com/anime-shed/growth-kiosk/internal/capture"
	apperrors "github.com/anime-shed/growth-kiosk/internal/errors"

	"github.com/sirupsen/logrus"
)

// Service posts a calibration frame and returns the reference value.
type Service interface {
	Calibrate(ctx context.Context, frame *capture.Frame) (float64, error)
}

// Outcome of one calibration attempt.
type Outcome struct {
	Succeeded         bool     `json:"succeeded"`
	ReferenceHeightCm *float64 `json:"reference_height_cm,omitempty"`
}

// Indicator is what the operator sees. Success and failure clear themselves
// once ExpiresAt has passed.
type Indicator struct {
	Pending           bool       `json:"pending"`
	Succeeded         bool       `json:"succeeded"`
	Failed            bool       `json:"failed"`
	ReferenceHeightCm *float64   `json:"reference_height_cm,omitempty"`
	Error             string     `json:"error,omitempty"`
	ExpiresAt         *time.Time `json:"expires_at,omitempty"`
}

type finished struct {
	outcome Outcome
	err     error
	at      time.Time
}

// Calibrator allows one attempt at a time.
type Calibrator struct {
	pipeline *capture.Pipeline
	service  Service
	timeout  time.Duration
	ttl      time.Duration
	logger   *logrus.Logger
	now      func() time.Time

	mu      sync.Mutex
	epoch   uint64
	pending bool
	last    *finished
}

// Attempt is a reserved calibration run. Only the attempt begun after the
// latest Discard updates the indicator.
type Attempt struct {
	c     *Calibrator
	epoch uint64
}

// NewCalibrator creates a calibrator. timeout bounds the remote call and ttl
// is how long the result indicator stays visible.
func NewCalibrator(pipeline *capture.Pipeline, service Service, timeout, ttl time.Duration, logger *logrus.Logger) *Calibrator {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Calibrator{
		pipeline: pipeline,
		service:  service,
		timeout:  timeout,
		ttl:      ttl,
		logger:   logger,
		now:      time.Now,
	}
}

// Calibrate captures a frame from src and posts it. A second call while one
// is pending is rejected, not queued.
func (c *Calibrator) Calibrate(ctx context.Context, src capture.HandleSource) (Outcome, error) {
	a, err := c.Begin()
	if err != nil {
		return Outcome{}, err
	}
	return a.Run(ctx, src)
}

// Begin marks an attempt pending without blocking.
func (c *Calibrator) Begin() (*Attempt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending {
		return nil, apperrors.NewAlreadyInProgressError("calibration is already in progress")
	}
	c.pending = true
	return &Attempt{c: c, epoch: c.epoch}, nil
}

// Run performs the attempt. If Discard was called meanwhile the result is
// thrown away and an illegal_transition error is returned.
func (a *Attempt) Run(ctx context.Context, src capture.HandleSource) (Outcome, error) {
	c := a.c
	outcome, err := c.run(ctx, src)

	c.mu.Lock()
	if c.epoch != a.epoch {
		c.mu.Unlock()
		c.logger.WithError(err).Info("Calibration result discarded")
		return Outcome{}, apperrors.NewIllegalTransitionError("calibration was abandoned by a workflow reset")
	}
	c.pending = false
	c.last = &finished{outcome: outcome, err: err, at: c.now()}
	c.mu.Unlock()

	entry := c.logger.WithField("succeeded", outcome.Succeeded)
	if err != nil {
		entry.WithError(err).Warn("Calibration failed")
	} else {
		entry.WithField("reference_height_cm", *outcome.ReferenceHeightCm).Info("Calibration completed")
	}
	return outcome, err
}

// Discard clears the indicator and orphans any attempt still running.
func (c *Calibrator) Discard() {
	c.mu.Lock()
	c.epoch++
	c.pending = false
	c.last = nil
	c.mu.Unlock()
}

func (c *Calibrator) run(ctx context.Context, src capture.HandleSource) (Outcome, error) {
	frame, err := c.pipeline.CaptureFrom(src)
	if err != nil {
		return Outcome{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	value, err := c.service.Calibrate(ctx, frame)
	if err != nil {
		if _, ok := apperrors.As(err); !ok && ctx.Err() == context.DeadlineExceeded {
			err = apperrors.NewTimeoutError("calibration service did not answer in time", err)
		}
		return Outcome{}, err
	}
	return Outcome{Succeeded: true, ReferenceHeightCm: &value}, nil
}

// Indicator returns the current operator-visible calibration status.
func (c *Calibrator) Indicator() Indicator {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.pending {
		return Indicator{Pending: true}
	}
	if c.last == nil {
		return Indicator{}
	}
	expires := c.last.at.Add(c.ttl)
	if !c.now().Before(expires) {
		return Indicator{}
	}

	ind := Indicator{
		Succeeded:         c.last.outcome.Succeeded,
		Failed:            !c.last.outcome.Succeeded,
		ReferenceHeightCm: c.last.outcome.ReferenceHeightCm,
		ExpiresAt:         &expires,
	}
	if c.last.err != nil {
		ind.Error = c.last.err.Error()
	}
	return ind
}

// InProgress reports whether an attempt is pending.
func (c *Calibrator) InProgress() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending
}
