// Package workflow sequences preview, capture, analysis and save, and is the
// only component that tells the camera session to acquire or release.
package workflow

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/anime-shed/growth-kiosk/internal/calibration"
	"github.com/anime-shed/growth-kiosk/internal/capture"
	"github.com/anime-shed/growth-kiosk/internal/device"
	apperrors "github.com/anime-shed/growth-kiosk/internal/errors"
	"github.com/anime-shed/growth-kiosk/internal/observer"
	"github.com/anime-shed/growth-kiosk/pkg/models"
	"github.com/anime-shed/growth-kiosk/pkg/validation"

	"github.com/sirupsen/logrus"
)

// Camera is the device session as the workflow uses it.
type Camera interface {
	Acquire(ctx context.Context) (device.Stream, error)
	Release()
	State() (device.State, error)
	Use(fn func(device.Stream) error) error
	ID() string
}

// SubjectLookup resolves the child being screened.
type SubjectLookup interface {
	GetSubject(ctx context.Context, id string) (*models.Subject, error)
}

// Persister stores a finished examination.
type Persister interface {
	Save(ctx context.Context, subject models.Subject, result *models.AnalysisResult) (*models.Examination, error)
}

// Deps are the collaborators of a Machine.
type Deps struct {
	Camera     Camera
	Pipeline   *capture.Pipeline
	Calibrator *calibration.Calibrator
	Subjects   SubjectLookup
	Persister  Persister
	Events     observer.Subject
	Logger     *logrus.Logger
}

// Machine is the workflow state machine.
//
// Every transition that makes outstanding work stale bumps generation; a
// background result is applied only while its generation is still current.
// Events are queued under mu and published in order once mu is released.
type Machine struct {
	camera     Camera
	pipeline   *capture.Pipeline
	calibrator *calibration.Calibrator
	subjects   SubjectLookup
	persister  Persister
	events     observer.Subject
	logger     *logrus.Logger

	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup
	emitMu  sync.Mutex

	mu           sync.Mutex
	state        State
	generation   uint64
	suspended    bool
	subject      *models.Subject
	frame        *capture.Frame
	result       *models.AnalysisResult
	requestID    string
	lastErr      error
	lastSaved    *models.Examination
	acquires     uint64
	inflight     context.CancelFunc
	calCancel    context.CancelFunc
	calibrations uint64
	updatedAt    time.Time
	outbox       []observer.Event
}

// NewMachine creates a machine in Preview. Call Start to open the camera.
func NewMachine(deps Deps) *Machine {
	logger := deps.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	ctx, stop := context.WithCancel(context.Background())
	return &Machine{
		camera:     deps.Camera,
		pipeline:   deps.Pipeline,
		calibrator: deps.Calibrator,
		subjects:   deps.Subjects,
		persister:  deps.Persister,
		events:     deps.Events,
		logger:     logger,
		baseCtx:    ctx,
		stop:       stop,
		state:      StatePreview,
		updatedAt:  time.Now(),
	}
}

// Start enters Preview and acquires the camera.
func (m *Machine) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.state == StateClosed {
		m.mu.Unlock()
		return m.illegal("start", StateClosed)
	}
	m.suspended = false
	m.unlockAndFlush()

	return m.acquireCamera()
}

// RetryCamera is the operator's explicit retry after a device error.
func (m *Machine) RetryCamera(ctx context.Context) error {
	m.mu.Lock()
	if m.state != StatePreview {
		defer m.mu.Unlock()
		return m.illegal("retry the camera", m.state)
	}
	if state, _ := m.camera.State(); state == device.StateActive {
		m.mu.Unlock()
		return nil
	}
	m.camera.Release()
	m.suspended = false
	m.lastErr = nil
	m.unlockAndFlush()

	return m.acquireCamera()
}

// Suspend releases the camera when the kiosk UI is hidden. In-flight work is
// abandoned and the workflow returns to Preview.
func (m *Machine) Suspend() error {
	m.mu.Lock()
	if m.state == StateClosed {
		defer m.mu.Unlock()
		return m.illegal("suspend", m.state)
	}
	m.abandonLocked()
	m.camera.Release()
	m.resetLocked(false)
	m.suspended = true
	m.transitionLocked(StatePreview)
	m.unlockAndFlush()
	return nil
}

// Resume re-acquires the camera after Suspend.
func (m *Machine) Resume(ctx context.Context) error {
	m.mu.Lock()
	if m.state != StatePreview || !m.suspended {
		defer m.mu.Unlock()
		return m.illegal("resume", m.state)
	}
	m.suspended = false
	m.unlockAndFlush()

	return m.acquireCamera()
}

// SelectSubject sets the child whose age and gender feed the analysis.
func (m *Machine) SelectSubject(ctx context.Context, id string) (*models.Subject, error) {
	id = strings.TrimSpace(id)
	if err := validation.ValidateSubjectID(id); err != nil {
		return nil, err
	}

	m.mu.Lock()
	if m.state != StatePreview {
		defer m.mu.Unlock()
		return nil, m.illegal("select a subject", m.state)
	}
	m.mu.Unlock()

	subject, err := m.subjects.GetSubject(ctx, id)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StatePreview {
		return nil, m.illegal("select a subject", m.state)
	}
	m.subject = subject
	m.lastErr = nil
	m.touchLocked()
	m.logger.WithFields(logrus.Fields{
		"subject_id": subject.ID,
		"age_years":  subject.AgeYears,
		"gender":     subject.Gender,
	}).Info("Subject selected")
	return subject, nil
}

// Capture takes a still from the active camera. The camera stays on.
func (m *Machine) Capture(ctx context.Context) (*capture.FrameInfo, error) {
	m.mu.Lock()
	if m.state != StatePreview {
		defer m.mu.Unlock()
		return nil, m.illegal("capture", m.state)
	}

	frame, err := m.pipeline.CaptureFrom(m.camera)
	if err != nil {
		m.lastErr = err
		m.touchLocked()
		m.unlockAndFlush()
		return nil, err
	}

	m.generation++
	m.frame = frame
	m.result = nil
	m.requestID = ""
	m.lastErr = nil
	info := frame.Info()
	m.queueLocked(observer.Event{
		EventType:  observer.FrameCaptured,
		Generation: m.generation,
		Success:    true,
		Metadata: map[string]interface{}{
			"digest":         info.Digest,
			"width":          info.Width,
			"height":         info.Height,
			"quality_issues": len(info.QualityIssues),
		},
	})
	m.transitionLocked(StateCaptured)
	m.unlockAndFlush()
	return &info, nil
}

// Retake discards the captured frame or result and returns to Preview. From
// Results the camera is cycled; from Captured or Analyzing it stays on.
func (m *Machine) Retake(ctx context.Context) error {
	m.mu.Lock()
	from := m.state
	switch from {
	case StateCaptured, StateAnalyzing:
		m.abandonLocked()
		m.resetLocked(true)
		m.transitionLocked(StatePreview)
		m.unlockAndFlush()
		return nil
	case StateResults:
		m.abandonLocked()
		m.camera.Release()
		m.resetLocked(true)
		m.transitionLocked(StatePreview)
		m.unlockAndFlush()
		return m.acquireCamera()
	default:
		defer m.mu.Unlock()
		return m.illegal("retake", from)
	}
}

// Analyze submits the captured frame in the background.
func (m *Machine) Analyze(ctx context.Context) (*Ticket, error) {
	m.mu.Lock()
	if m.state != StateCaptured {
		defer m.mu.Unlock()
		return nil, m.illegal("analyze", m.state)
	}
	if m.subject == nil {
		defer m.mu.Unlock()
		return nil, apperrors.NewValidationError("select a subject before analysis", nil)
	}

	m.generation++
	req := m.pipeline.NewRequest(*m.subject, m.frame, m.generation)
	actx, cancel := context.WithCancel(m.baseCtx)
	m.inflight = cancel
	m.requestID = req.ID
	m.lastErr = nil

	m.queueLocked(observer.Event{
		EventType:  observer.AnalysisStarted,
		RequestID:  req.ID,
		Generation: req.Generation,
		Success:    true,
		Metadata:   map[string]interface{}{"subject_id": req.SubjectID},
	})
	m.transitionLocked(StateAnalyzing)

	ticket := &Ticket{RequestID: req.ID, Generation: req.Generation, done: make(chan struct{})}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer close(ticket.done)
		defer cancel()

		result, err := m.pipeline.SubmitAnalysis(actx, req)
		m.finishAnalysis(req, result, err)
	}()

	m.unlockAndFlush()
	return ticket, nil
}

func (m *Machine) finishAnalysis(req *capture.AnalysisRequest, result *models.AnalysisResult, err error) {
	m.mu.Lock()
	if req.Generation != m.generation || m.state != StateAnalyzing {
		m.queueLocked(observer.Event{
			EventType:  observer.AnalysisDiscarded,
			RequestID:  req.ID,
			Generation: req.Generation,
			Success:    err == nil,
			Metadata: map[string]interface{}{
				"current_generation": m.generation,
				"current_state":      string(m.state),
			},
		})
		m.unlockAndFlush()
		return
	}

	m.inflight = nil
	if err != nil {
		// The frame is kept so the operator can retry without re-capturing
		m.lastErr = err
		m.queueLocked(observer.Event{
			EventType:    observer.AnalysisFailed,
			RequestID:    req.ID,
			Generation:   req.Generation,
			ErrorMessage: err.Error(),
		})
		m.transitionLocked(StateCaptured)
		m.unlockAndFlush()
		return
	}

	m.result = result
	m.queueLocked(observer.Event{
		EventType:  observer.AnalysisCompleted,
		RequestID:  req.ID,
		Generation: req.Generation,
		Success:    true,
		Metadata: map[string]interface{}{
			"height_cm":        result.HeightCm,
			"weight_kg":        result.WeightKg,
			"nutrition_status": string(result.NutritionStatus),
		},
	})
	m.transitionLocked(StateResults)
	m.unlockAndFlush()
}

// Save persists the result. On success the camera is cycled and every
// transient value, the subject included, is cleared. On failure the workflow
// returns to Results.
func (m *Machine) Save(ctx context.Context) (*models.Examination, error) {
	m.mu.Lock()
	if m.state != StateResults {
		defer m.mu.Unlock()
		return nil, m.illegal("save", m.state)
	}
	m.generation++
	gen := m.generation
	subject := *m.subject
	result := m.result
	sctx, cancel := context.WithCancel(ctx)
	stopAfter := context.AfterFunc(m.baseCtx, cancel)
	m.inflight = cancel
	m.transitionLocked(StateSaving)
	m.unlockAndFlush()

	exam, err := m.persister.Save(sctx, subject, result)
	stopAfter()
	cancel()

	m.mu.Lock()
	if gen != m.generation || m.state != StateSaving {
		defer m.mu.Unlock()
		if err != nil {
			return nil, err
		}
		return nil, apperrors.NewIllegalTransitionError("save was superseded by a newer operation")
	}
	m.inflight = nil

	if err != nil {
		m.lastErr = err
		m.transitionLocked(StateResults)
		m.unlockAndFlush()
		return nil, err
	}

	m.camera.Release()
	m.resetLocked(true)
	m.subject = nil
	m.lastSaved = exam
	m.queueLocked(observer.Event{
		EventType:  observer.ExaminationSaved,
		RequestID:  result.RequestID,
		Generation: gen,
		Success:    true,
		Metadata: map[string]interface{}{
			"subject_id":       exam.SubjectID,
			"examination_date": exam.ExaminationDate,
			"image_url":        exam.ImageURL,
		},
	})
	m.transitionLocked(StatePreview)
	m.unlockAndFlush()

	if err := m.acquireCamera(); err != nil {
		m.logger.WithError(err).Warn("Camera did not come back after save")
	}
	return exam, nil
}

// Cancel abandons whatever is in flight, releases the camera, clears the
// session and re-enters Preview.
func (m *Machine) Cancel(ctx context.Context) error {
	m.mu.Lock()
	if m.state == StateClosed {
		defer m.mu.Unlock()
		return m.illegal("cancel", m.state)
	}
	m.abandonLocked()
	m.camera.Release()
	m.resetLocked(true)
	m.subject = nil
	m.suspended = false
	m.transitionLocked(StatePreview)
	m.unlockAndFlush()

	return m.acquireCamera()
}

// Close tears the workflow down. It is terminal and safe to call twice.
func (m *Machine) Close() error {
	m.mu.Lock()
	if m.state == StateClosed {
		m.mu.Unlock()
		return nil
	}
	m.abandonLocked()
	m.camera.Release()
	m.resetLocked(true)
	m.transitionLocked(StateClosed)
	m.unlockAndFlush()

	m.stop()
	m.wg.Wait()
	return nil
}

// Calibrate runs the calibration exchange. It is allowed only in Preview and
// never changes the workflow state. Cancel, Suspend and Retake abandon it.
func (m *Machine) Calibrate(ctx context.Context) (calibration.Outcome, error) {
	m.mu.Lock()
	if m.state != StatePreview {
		defer m.mu.Unlock()
		return calibration.Outcome{}, m.illegal("calibrate", m.state)
	}
	attempt, err := m.calibrator.Begin()
	if err != nil {
		m.mu.Unlock()
		return calibration.Outcome{}, err
	}
	cctx, cancel := context.WithCancel(ctx)
	defer cancel()
	m.calCancel = cancel
	m.calibrations++
	seq := m.calibrations
	m.mu.Unlock()

	stopAfter := context.AfterFunc(m.baseCtx, cancel)
	defer stopAfter()

	outcome, err := attempt.Run(cctx, m.camera)

	m.mu.Lock()
	if seq != m.calibrations || m.calCancel == nil {
		m.mu.Unlock()
		return outcome, err
	}
	m.calCancel = nil
	event := observer.Event{
		EventType: observer.CalibrationCompleted,
		SessionID: m.camera.ID(),
		Success:   err == nil,
	}
	if err != nil {
		event.EventType = observer.CalibrationFailed
		event.ErrorMessage = err.Error()
	} else {
		event.Metadata = map[string]interface{}{"reference_height_cm": *outcome.ReferenceHeightCm}
	}
	m.queueLocked(event)
	m.unlockAndFlush()

	return outcome, err
}

// Snapshot returns the operator view.
func (m *Machine) Snapshot() View {
	m.mu.Lock()
	defer m.mu.Unlock()

	devState, devErr := m.camera.State()
	view := View{
		State:       m.state,
		Generation:  m.generation,
		Suspended:   m.suspended,
		Device:      DeviceView{State: devState.String()},
		RequestID:   m.requestID,
		Error:       errorView(m.lastErr),
		Calibration: m.calibrator.Indicator(),
		LastSaved:   m.lastSaved,
		UpdatedAt:   m.updatedAt,
	}
	if devErr != nil {
		view.Device.Error = devErr.Error()
	}
	if m.subject != nil {
		s := *m.subject
		view.Subject = &s
	}
	if m.frame != nil {
		info := m.frame.Info()
		view.Frame = &info
	}
	if m.result != nil {
		view.Result = &ResultView{
			AnalysisResult: m.result,
			AnnotatedImage: m.result.AnnotatedImage.DataURI(),
		}
	}
	return view
}

// State returns the current workflow state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// acquireCamera runs outside mu. If the workflow was suspended or closed while
// the device was opening, the fresh handle is released again. An outcome that
// a later Cancel, Retake or acquisition has overtaken is dropped; the newer
// caller reports the device status.
func (m *Machine) acquireCamera() error {
	m.mu.Lock()
	gen := m.generation
	m.acquires++
	seq := m.acquires
	m.mu.Unlock()

	_, err := m.camera.Acquire(m.baseCtx)

	m.mu.Lock()
	if m.state == StateClosed || m.suspended {
		m.camera.Release()
		m.unlockAndFlush()
		return nil
	}
	if err != nil && (gen != m.generation || seq != m.acquires) {
		m.logger.WithError(err).Debug("Dropping outcome of an overtaken camera acquisition")
		m.mu.Unlock()
		return nil
	}
	if err != nil {
		m.lastErr = err
		m.touchLocked()
	}
	m.unlockAndFlush()
	return err
}

// abandonLocked cancels in-flight network work and makes its result stale.
func (m *Machine) abandonLocked() {
	if m.inflight != nil {
		m.inflight()
		m.inflight = nil
	}
	if m.calCancel != nil {
		m.calCancel()
		m.calCancel = nil
		m.calibrator.Discard()
	}
	m.generation++
}

func (m *Machine) resetLocked(clearErr bool) {
	m.frame = nil
	m.result = nil
	m.requestID = ""
	if clearErr {
		m.lastErr = nil
	}
}

func (m *Machine) transitionLocked(to State) {
	from := m.state
	m.state = to
	m.touchLocked()
	if from == to {
		return
	}
	m.queueLocked(observer.Event{
		EventType:  observer.StateChanged,
		Generation: m.generation,
		From:       string(from),
		To:         string(to),
		Success:    true,
	})
}

func (m *Machine) touchLocked() {
	m.updatedAt = time.Now()
}

func (m *Machine) queueLocked(e observer.Event) {
	if e.SessionID == "" {
		e.SessionID = m.camera.ID()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	m.outbox = append(m.outbox, e)
}

// unlockAndFlush releases mu and publishes queued events. emitMu is taken
// before mu is released so events from different callers keep their order.
func (m *Machine) unlockAndFlush() {
	events := m.outbox
	m.outbox = nil
	if len(events) == 0 || m.events == nil {
		m.mu.Unlock()
		return
	}
	m.emitMu.Lock()
	m.mu.Unlock()
	defer m.emitMu.Unlock()
	for _, e := range events {
		m.events.NotifyObservers(context.Background(), e)
	}
}

func (m *Machine) illegal(op string, state State) error {
	return apperrors.NewIllegalTransitionError(fmt.Sprintf("cannot %s while %s", op, state))
}
