package capture

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/draw"
	"image/jpeg"
	"sync/atomic"
	"time"

	"github.com/anime-shed/growth-kiosk/internal/device"
	apperrors "github.com/anime-shed/growth-kiosk/internal/errors"
	"github.com/anime-shed/growth-kiosk/pkg/models"
	"github.com/anime-shed/growth-kiosk/pkg/validation"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// HandleSource lends the active camera handle for the duration of fn.
type HandleSource interface {
	Use(fn func(device.Stream) error) error
}

// AnalysisService performs the remote exchange for one request.
type AnalysisService interface {
	Analyze(ctx context.Context, req *AnalysisRequest) (*models.AnalysisResult, error)
}

// AnalysisRequest is one analysis attempt. It is submitted at most once.
type AnalysisRequest struct {
	ID         string
	SubjectID  string
	AgeYears   int
	Gender     string
	Frame      *Frame
	Deadline   time.Time
	Generation uint64

	consumed atomic.Bool
}

// Pipeline turns the live handle into frames and drives analysis calls.
type Pipeline struct {
	service     AnalysisService
	validator   *validation.QualityValidator
	jpegQuality int
	timeout     time.Duration
	logger      *logrus.Logger
	now         func() time.Time
}

// NewPipeline creates a pipeline. timeout bounds every analysis call.
func NewPipeline(service AnalysisService, timeout time.Duration, jpegQuality int, logger *logrus.Logger) *Pipeline {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if jpegQuality < 1 || jpegQuality > 100 {
		jpegQuality = jpeg.DefaultQuality
	}
	return &Pipeline{
		service:     service,
		validator:   validation.NewQualityValidator(),
		jpegQuality: jpegQuality,
		timeout:     timeout,
		logger:      logger,
		now:         time.Now,
	}
}

// CaptureFrom captures through the session so the handle is never held
// outside it.
func (p *Pipeline) CaptureFrom(src HandleSource) (*Frame, error) {
	var frame *Frame
	err := src.Use(func(h device.Stream) error {
		var err error
		frame, err = p.CaptureFrame(h)
		return err
	})
	return frame, err
}

// CaptureFrame grabs and encodes one still from h.
func (p *Pipeline) CaptureFrame(h device.Stream) (*Frame, error) {
	if h == nil {
		return nil, apperrors.NewNoActiveStreamError("no camera handle")
	}
	if w, ht := h.Dimensions(); w == 0 || ht == 0 {
		return nil, apperrors.NewNoActiveStreamError("camera is not delivering frames yet")
	}

	img, err := h.ReadFrame()
	if err != nil {
		if errors.Is(err, device.ErrNoFrame) {
			return nil, apperrors.NewNoActiveStreamError("camera delivered no frame")
		}
		return nil, apperrors.NewEncodeFailedError("failed to read frame", err)
	}
	if img == nil || img.Bounds().Empty() {
		return nil, apperrors.NewNoActiveStreamError("camera delivered an empty frame")
	}

	rgba := toRGBA(img)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, rgba, &jpeg.Options{Quality: p.jpegQuality}); err != nil {
		return nil, apperrors.NewEncodeFailedError("failed to encode frame", err)
	}

	mean, stdDev := luminanceStats(rgba)
	metrics := validation.FrameQualityMetrics{
		Width:           rgba.Bounds().Dx(),
		Height:          rgba.Bounds().Dy(),
		LuminanceMean:   mean,
		LuminanceStdDev: stdDev,
	}
	issues := p.validator.ValidateFrame(metrics)

	frame := newFrame(rgba, buf.Bytes(), p.now(), metrics, issues)
	if len(issues) > 0 {
		p.logger.WithFields(logrus.Fields{
			"stream_id": h.ID(),
			"digest":    frame.Digest(),
			"issues":    issues,
		}).Warn("Captured frame has quality issues")
	}
	return frame, nil
}

// NewRequest builds an analysis request whose deadline starts now.
func (p *Pipeline) NewRequest(subject models.Subject, frame *Frame, generation uint64) *AnalysisRequest {
	return &AnalysisRequest{
		ID:         uuid.NewString(),
		SubjectID:  subject.ID,
		AgeYears:   subject.AgeYears,
		Gender:     subject.Gender,
		Frame:      frame,
		Deadline:   p.now().Add(p.timeout),
		Generation: generation,
	}
}

// SubmitAnalysis runs the remote analysis bounded by req.Deadline. Cancelling
// ctx abandons the call.
func (p *Pipeline) SubmitAnalysis(ctx context.Context, req *AnalysisRequest) (*models.AnalysisResult, error) {
	if req == nil || req.Frame == nil {
		return nil, apperrors.NewNoActiveStreamError("no captured frame to analyze")
	}
	if !req.consumed.CompareAndSwap(false, true) {
		return nil, apperrors.NewAlreadyInProgressError("analysis request was already submitted")
	}

	dctx, cancel := context.WithDeadline(ctx, req.Deadline)
	defer cancel()

	start := p.now()
	result, err := p.service.Analyze(dctx, req)
	fields := logrus.Fields{
		"request_id": req.ID,
		"subject_id": req.SubjectID,
		"generation": req.Generation,
		"elapsed":    p.now().Sub(start).String(),
	}
	if err != nil {
		if _, ok := apperrors.As(err); !ok && errors.Is(dctx.Err(), context.DeadlineExceeded) {
			err = apperrors.NewTimeoutError("analysis service did not answer in time", err)
		}
		p.logger.WithFields(fields).WithError(err).Warn("Analysis call failed")
		return nil, err
	}

	p.logger.WithFields(fields).WithField("status", result.NutritionStatus).Info("Analysis call completed")
	return result, nil
}

func toRGBA(img image.Image) *image.RGBA {
	b := img.Bounds()
	rgba := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(rgba, rgba.Bounds(), img, b.Min, draw.Src)
	return rgba
}
