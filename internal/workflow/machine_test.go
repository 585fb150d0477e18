package workflow

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/anime-shed/growth-kiosk/internal/analysis"
	"github.com/anime-shed/growth-kiosk/internal/calibration"
	"github.com/anime-shed/growth-kiosk/internal/capture"
	"github.com/anime-shed/growth-kiosk/internal/device"
	apperrors "github.com/anime-shed/growth-kiosk/internal/errors"
	"github.com/anime-shed/growth-kiosk/internal/observer"
	"github.com/anime-shed/growth-kiosk/pkg/models"

	"github.com/sirupsen/logrus"
)

type camStream struct {
	id    string
	stops atomic.Int32
}

func (s *camStream) ID() string             { return s.id }
func (s *camStream) Dimensions() (int, int) { return 320, 240 }

func (s *camStream) Stop() error {
	s.stops.Add(1)
	return nil
}

func (s *camStream) ReadFrame() (image.Image, error) {
	img := image.NewRGBA(image.Rect(0, 0, 320, 240))
	for y := 0; y < 240; y++ {
		for x := 0; x < 320; x++ {
			img.Set(x, y, color.RGBA{uint8(x), uint8(y), uint8(x ^ y), 255})
		}
	}
	return img, nil
}

type camDriver struct {
	mu      sync.Mutex
	err     error
	gate    *openGate
	streams []*camStream
}

// openGate holds one Open until release is closed.
type openGate struct {
	entered chan struct{}
	release chan struct{}
}

func (d *camDriver) Open(ctx context.Context, c device.Constraints) (device.Stream, error) {
	d.mu.Lock()
	gate := d.gate
	d.gate = nil
	d.mu.Unlock()
	if gate != nil {
		close(gate.entered)
		<-gate.release
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	s := &camStream{id: fmt.Sprintf("cam-%d", len(d.streams)+1)}
	d.streams = append(d.streams, s)
	return s, nil
}

func (d *camDriver) setErr(err error) {
	d.mu.Lock()
	d.err = err
	d.mu.Unlock()
}

func (d *camDriver) blockNextOpen() *openGate {
	g := &openGate{entered: make(chan struct{}), release: make(chan struct{})}
	d.mu.Lock()
	d.gate = g
	d.mu.Unlock()
	return g
}

func (d *camDriver) opened() []*camStream {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*camStream(nil), d.streams...)
}

type reply struct {
	result *models.AnalysisResult
	err    error
}

type pendingCall struct {
	ctx   context.Context
	req   *capture.AnalysisRequest
	reply chan reply
}

// scriptedService hands every call to the test, which answers whenever it
// likes, ignoring cancellation, to model a response that arrives late.
type scriptedService struct {
	calls chan *pendingCall
}

func (s *scriptedService) Analyze(ctx context.Context, req *capture.AnalysisRequest) (*models.AnalysisResult, error) {
	c := &pendingCall{ctx: ctx, req: req, reply: make(chan reply, 1)}
	s.calls <- c
	r := <-c.reply
	return r.result, r.err
}

func resultFor(req *capture.AnalysisRequest, height float64) *models.AnalysisResult {
	return &models.AnalysisResult{
		RequestID:       req.ID,
		SubjectID:       req.SubjectID,
		HeightCm:        height,
		WeightKg:        15,
		HAZScore:        -0.4,
		NutritionStatus: models.Normal,
		AnnotatedImage:  models.AnnotatedImage{Data: []byte{1, 2, 3}, Ext: "jpg"},
		CompletedAt:     time.Now(),
	}
}

type noCalibration struct{}

func (noCalibration) Calibrate(ctx context.Context, frame *capture.Frame) (float64, error) {
	return 1, nil
}

// lateCalibration answers only after its context is cancelled, as a service
// that ignores cancellation would.
type lateCalibration struct {
	started chan context.Context
}

func (l *lateCalibration) Calibrate(ctx context.Context, frame *capture.Frame) (float64, error) {
	l.started <- ctx
	<-ctx.Done()
	return 98.5, nil
}

type subjectMap map[string]models.Subject

func (s subjectMap) GetSubject(ctx context.Context, id string) (*models.Subject, error) {
	subject, ok := s[id]
	if !ok {
		return nil, apperrors.NewSubjectNotFoundError("subject not found", nil)
	}
	return &subject, nil
}

type fakePersister struct {
	mu    sync.Mutex
	err   error
	saved []models.Examination
}

func (p *fakePersister) Save(ctx context.Context, subject models.Subject, result *models.AnalysisResult) (*models.Examination, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return nil, p.err
	}
	exam := models.Examination{
		SubjectID:       subject.ID,
		ExaminationDate: "2026-03-01",
		HeightCm:        result.HeightCm,
		WeightKg:        result.WeightKg,
		HAZScore:        result.HAZScore,
		NutritionStatus: result.NutritionStatus,
		ImageURL:        "file:///tmp/" + subject.ID + ".jpg",
	}
	p.saved = append(p.saved, exam)
	return &exam, nil
}

const subjectID = "3201010101010001"

type harness struct {
	m         *Machine
	driver    *camDriver
	svc       *scriptedService
	persister *fakePersister
	metrics   *observer.MetricsObserver
}

type harnessOptions struct {
	analysisService    capture.AnalysisService
	calibrationService calibration.Service
	analysisTimeout    time.Duration
}

func newHarness(t *testing.T, opts harnessOptions) *harness {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	h := &harness{
		driver:    &camDriver{},
		svc:       &scriptedService{calls: make(chan *pendingCall, 4)},
		persister: &fakePersister{},
		metrics:   observer.NewMetricsObserver(),
	}
	events := observer.NewEventPublisher()
	events.Subscribe(h.metrics)

	var svc capture.AnalysisService = h.svc
	if opts.analysisService != nil {
		svc = opts.analysisService
	}
	var cal calibration.Service = noCalibration{}
	if opts.calibrationService != nil {
		cal = opts.calibrationService
	}
	timeout := opts.analysisTimeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}

	session := device.NewSession(h.driver, device.Constraints{Width: 320, Height: 240, FrameRate: 30}, events, logger)
	pipeline := capture.NewPipeline(svc, timeout, 85, logger)
	h.m = NewMachine(Deps{
		Camera:     session,
		Pipeline:   pipeline,
		Calibrator: calibration.NewCalibrator(pipeline, cal, time.Second, 2*time.Second, logger),
		Subjects:   subjectMap{subjectID: {ID: subjectID, Name: "Siti", AgeYears: 4, Gender: "P", Active: true}},
		Persister:  h.persister,
		Events:     events,
		Logger:     logger,
	})
	t.Cleanup(func() { h.m.Close() })

	if err := h.m.Start(context.Background()); err != nil {
		t.Fatalf("Expected start to succeed, got %v", err)
	}
	return h
}

func (h *harness) toCaptured(t *testing.T) {
	t.Helper()
	if _, err := h.m.SelectSubject(context.Background(), subjectID); err != nil {
		t.Fatalf("Expected subject selection to succeed, got %v", err)
	}
	if _, err := h.m.Capture(context.Background()); err != nil {
		t.Fatalf("Expected capture to succeed, got %v", err)
	}
}

func (h *harness) nextCall(t *testing.T) *pendingCall {
	t.Helper()
	select {
	case c := <-h.svc.calls:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("Expected an analysis call")
		return nil
	}
}

func waitTicket(t *testing.T, ticket *Ticket) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := ticket.Wait(ctx); err != nil {
		t.Fatalf("Analysis did not finish: %v", err)
	}
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("Condition not reached in time")
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func (h *harness) assertNoLeaks(t *testing.T) {
	t.Helper()
	started := h.metrics.Count(observer.DeviceStarted)
	stopped := h.metrics.Count(observer.DeviceStopped)
	if started != stopped {
		t.Errorf("Expected device started/stopped to balance, got %d/%d", started, stopped)
	}
	for _, s := range h.driver.opened() {
		if n := s.stops.Load(); n != 1 {
			t.Errorf("Expected %s stopped exactly once, got %d", s.id, n)
		}
	}
}

func TestMachine_FullCycle(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	h.toCaptured(t)

	if got := h.m.State(); got != StateCaptured {
		t.Fatalf("Expected captured, got %s", got)
	}
	if n := len(h.driver.opened()); n != 1 {
		t.Errorf("Expected camera to stay on through capture, got %d opens", n)
	}

	ticket, err := h.m.Analyze(context.Background())
	if err != nil {
		t.Fatalf("Expected analyze to start, got %v", err)
	}
	call := h.nextCall(t)
	if call.req.AgeYears != 4 || call.req.Gender != "P" {
		t.Errorf("Expected subject metadata on the request, got %+v", call.req)
	}
	call.reply <- reply{result: resultFor(call.req, 101.2)}
	waitTicket(t, ticket)

	view := h.m.Snapshot()
	if view.State != StateResults || view.Result == nil || view.Result.HeightCm != 101.2 {
		t.Fatalf("Expected results view, got %+v", view)
	}
	if view.Result.AnnotatedImage == "" {
		t.Error("Expected annotated image data URI in view")
	}

	exam, err := h.m.Save(context.Background())
	if err != nil {
		t.Fatalf("Expected save to succeed, got %v", err)
	}
	if exam.SubjectID != subjectID {
		t.Errorf("Unexpected saved exam %+v", exam)
	}

	view = h.m.Snapshot()
	if view.State != StatePreview || view.Subject != nil || view.Frame != nil || view.Result != nil {
		t.Errorf("Expected clean preview after save, got %+v", view)
	}
	if view.Device.State != device.StateActive.String() {
		t.Errorf("Expected camera re-acquired, got %s", view.Device.State)
	}
	streams := h.driver.opened()
	if len(streams) != 2 || streams[0].stops.Load() != 1 {
		t.Errorf("Expected camera cycled once, got %d opens", len(streams))
	}

	h.m.Close()
	h.assertNoLeaks(t)
}

func TestMachine_IllegalTransitions(t *testing.T) {
	tests := []struct {
		name  string
		setup func(t *testing.T, h *harness)
		op    func(m *Machine) error
	}{
		{"analyze in preview", nil, func(m *Machine) error { _, err := m.Analyze(context.Background()); return err }},
		{"save in preview", nil, func(m *Machine) error { _, err := m.Save(context.Background()); return err }},
		{"retake in preview", nil, func(m *Machine) error { return m.Retake(context.Background()) }},
		{"resume when not suspended", nil, func(m *Machine) error { return m.Resume(context.Background()) }},
		{"capture twice", func(t *testing.T, h *harness) { h.toCaptured(t) }, func(m *Machine) error { _, err := m.Capture(context.Background()); return err }},
		{"calibrate when captured", func(t *testing.T, h *harness) { h.toCaptured(t) }, func(m *Machine) error { _, err := m.Calibrate(context.Background()); return err }},
		{"select subject when captured", func(t *testing.T, h *harness) { h.toCaptured(t) }, func(m *Machine) error {
			_, err := m.SelectSubject(context.Background(), subjectID)
			return err
		}},
		{"start after close", func(t *testing.T, h *harness) { h.m.Close() }, func(m *Machine) error { return m.Start(context.Background()) }},
		{"cancel after close", func(t *testing.T, h *harness) { h.m.Close() }, func(m *Machine) error { return m.Cancel(context.Background()) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, harnessOptions{})
			if tt.setup != nil {
				tt.setup(t, h)
			}
			err := tt.op(h.m)
			if !apperrors.IsCode(err, apperrors.CodeIllegalTransition) {
				t.Fatalf("Expected illegal_transition, got %v", err)
			}
			if apperrors.GetStatusCode(err) != http.StatusConflict {
				t.Errorf("Expected 409, got %d", apperrors.GetStatusCode(err))
			}
		})
	}
}

func TestMachine_AnalyzeRequiresSubject(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	if _, err := h.m.Capture(context.Background()); err != nil {
		t.Fatalf("Expected capture to succeed, got %v", err)
	}
	if _, err := h.m.Analyze(context.Background()); !apperrors.IsType(err, apperrors.ErrorTypeValidation) {
		t.Errorf("Expected validation error, got %v", err)
	}
	if _, err := h.m.SelectSubject(context.Background(), "12ab"); !apperrors.IsType(err, apperrors.ErrorTypeValidation) {
		t.Errorf("Expected validation error for malformed id, got %v", err)
	}
}

func TestMachine_AnalysisTimeoutReturnsToCaptured(t *testing.T) {
	aborted := make(chan struct{}, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
			aborted <- struct{}{}
		case <-time.After(5 * time.Second):
		}
	}))
	defer server.Close()

	client := analysis.NewClient(server.URL+"/captureweb", server.URL+"/calibrate/aruco", nil)
	h := newHarness(t, harnessOptions{analysisService: client, analysisTimeout: 100 * time.Millisecond})
	h.toCaptured(t)
	digest := h.m.Snapshot().Frame.Digest

	ticket, err := h.m.Analyze(context.Background())
	if err != nil {
		t.Fatalf("Expected analyze to start, got %v", err)
	}
	waitTicket(t, ticket)

	view := h.m.Snapshot()
	if view.State != StateCaptured {
		t.Fatalf("Expected captured after timeout, got %s", view.State)
	}
	if view.Error == nil || view.Error.Code != string(apperrors.CodeTimeout) {
		t.Errorf("Expected visible timeout error, got %+v", view.Error)
	}
	if view.Frame == nil || view.Frame.Digest != digest {
		t.Error("Expected the captured frame to be preserved")
	}

	select {
	case <-aborted:
	case <-time.After(2 * time.Second):
		t.Error("Expected the network call to be aborted")
	}
}

func TestMachine_AnalysisFailureKeepsFrameForRetry(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	h.toCaptured(t)

	ticket, _ := h.m.Analyze(context.Background())
	call := h.nextCall(t)
	call.reply <- reply{err: apperrors.NewServiceRejectedError(500, "analysis service answered 500")}
	waitTicket(t, ticket)

	view := h.m.Snapshot()
	if view.State != StateCaptured || view.Error == nil || view.Error.Code != string(apperrors.CodeServiceRejected) {
		t.Fatalf("Expected captured with service_rejected, got %+v", view)
	}

	ticket, err := h.m.Analyze(context.Background())
	if err != nil {
		t.Fatalf("Expected retry without re-capture, got %v", err)
	}
	call = h.nextCall(t)
	call.reply <- reply{result: resultFor(call.req, 99)}
	waitTicket(t, ticket)
	if got := h.m.State(); got != StateResults {
		t.Errorf("Expected results after retry, got %s", got)
	}
}

func TestMachine_CancelDuringAnalysisDiscardsLateResult(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	h.toCaptured(t)

	ticket, _ := h.m.Analyze(context.Background())
	call := h.nextCall(t)

	if err := h.m.Cancel(context.Background()); err != nil {
		t.Fatalf("Expected cancel to succeed, got %v", err)
	}
	select {
	case <-call.ctx.Done():
	case <-time.After(time.Second):
		t.Error("Expected the in-flight call to be cancelled")
	}

	streams := h.driver.opened()
	if len(streams) != 2 || streams[0].stops.Load() != 1 {
		t.Fatalf("Expected release then re-acquire, got %d opens", len(streams))
	}

	// The service answers anyway
	call.reply <- reply{result: resultFor(call.req, 150)}
	waitTicket(t, ticket)

	view := h.m.Snapshot()
	if view.State != StatePreview || view.Result != nil || view.Subject != nil {
		t.Errorf("Expected stale result to be ignored, got %+v", view)
	}
	if h.metrics.Count(observer.AnalysisDiscarded) != 1 {
		t.Errorf("Expected 1 discarded analysis, got %d", h.metrics.Count(observer.AnalysisDiscarded))
	}
}

func TestMachine_NewerRequestSupersedesOlder(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	h.toCaptured(t)

	first, _ := h.m.Analyze(context.Background())
	firstCall := h.nextCall(t)

	if err := h.m.Retake(context.Background()); err != nil {
		t.Fatalf("Expected retake while analyzing, got %v", err)
	}
	if _, err := h.m.Capture(context.Background()); err != nil {
		t.Fatalf("Expected capture, got %v", err)
	}
	second, _ := h.m.Analyze(context.Background())
	secondCall := h.nextCall(t)

	secondCall.reply <- reply{result: resultFor(secondCall.req, 120)}
	waitTicket(t, second)
	firstCall.reply <- reply{result: resultFor(firstCall.req, 80)}
	waitTicket(t, first)

	view := h.m.Snapshot()
	if view.State != StateResults {
		t.Fatalf("Expected results, got %s", view.State)
	}
	if view.Result.RequestID != second.RequestID || view.Result.HeightCm != 120 {
		t.Errorf("Expected result of the newest request, got %+v", view.Result.AnalysisResult)
	}
	if h.metrics.Count(observer.AnalysisDiscarded) != 1 {
		t.Errorf("Expected 1 discarded analysis, got %d", h.metrics.Count(observer.AnalysisDiscarded))
	}
	if n := len(h.driver.opened()); n != 1 {
		t.Errorf("Expected retake from analyzing to keep the camera on, got %d opens", n)
	}
}

func TestMachine_RetakeFromResultsCyclesCamera(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	h.toCaptured(t)
	ticket, _ := h.m.Analyze(context.Background())
	call := h.nextCall(t)
	call.reply <- reply{result: resultFor(call.req, 100)}
	waitTicket(t, ticket)

	if err := h.m.Retake(context.Background()); err != nil {
		t.Fatalf("Expected retake to succeed, got %v", err)
	}
	streams := h.driver.opened()
	if len(streams) != 2 || streams[0].stops.Load() != 1 {
		t.Errorf("Expected release then re-acquire, got %d opens", len(streams))
	}
	view := h.m.Snapshot()
	if view.Subject == nil {
		t.Error("Expected subject to survive a retake")
	}
	if view.Result != nil || view.Frame != nil {
		t.Error("Expected retake to clear frame and result")
	}
}

func TestMachine_CalibrationFailureIsNonFatal(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "marker not found", http.StatusInternalServerError)
	}))
	defer server.Close()

	client := analysis.NewClient(server.URL+"/captureweb", server.URL+"/calibrate/aruco", nil)
	h := newHarness(t, harnessOptions{calibrationService: client})

	outcome, err := h.m.Calibrate(context.Background())
	if err == nil || outcome.Succeeded {
		t.Fatalf("Expected failed calibration, got %+v %v", outcome, err)
	}

	view := h.m.Snapshot()
	if view.State != StatePreview {
		t.Errorf("Expected to stay in preview, got %s", view.State)
	}
	if !view.Calibration.Failed {
		t.Errorf("Expected failed indicator, got %+v", view.Calibration)
	}
	if _, err := h.m.Capture(context.Background()); err != nil {
		t.Errorf("Expected capture to remain possible, got %v", err)
	}
	if h.metrics.Count(observer.CalibrationFailed) != 1 {
		t.Errorf("Expected 1 calibration_failed event, got %d", h.metrics.Count(observer.CalibrationFailed))
	}
}

func TestMachine_SaveFailureReturnsToResults(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	h.toCaptured(t)
	ticket, _ := h.m.Analyze(context.Background())
	call := h.nextCall(t)
	call.reply <- reply{result: resultFor(call.req, 100)}
	waitTicket(t, ticket)

	h.persister.err = apperrors.NewPersistenceError("database unavailable", nil)
	if _, err := h.m.Save(context.Background()); !apperrors.IsCode(err, apperrors.CodePersistenceFailed) {
		t.Fatalf("Expected persistence error, got %v", err)
	}
	view := h.m.Snapshot()
	if view.State != StateResults || view.Result == nil || view.Error == nil {
		t.Errorf("Expected results with visible error, got %+v", view)
	}

	h.persister.err = nil
	if _, err := h.m.Save(context.Background()); err != nil {
		t.Errorf("Expected save retry to succeed, got %v", err)
	}
}

func TestMachine_DeviceErrorAndRetry(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	h.m.Suspend()
	h.driver.setErr(fmt.Errorf("open /dev/video0: %w", device.ErrPermissionDenied))

	err := h.m.Resume(context.Background())
	if !apperrors.IsCode(err, apperrors.CodeAccessDenied) {
		t.Fatalf("Expected access_denied, got %v", err)
	}
	view := h.m.Snapshot()
	if view.State != StatePreview || view.Device.State != device.StateFailed.String() {
		t.Errorf("Expected preview with failed device, got %+v", view)
	}
	if view.Error == nil || view.Error.Code != string(apperrors.CodeAccessDenied) {
		t.Errorf("Expected visible device error, got %+v", view.Error)
	}
	if _, err := h.m.Capture(context.Background()); !apperrors.IsCode(err, apperrors.CodeNoActiveStream) {
		t.Errorf("Expected capture to need an active stream, got %v", err)
	}

	h.driver.setErr(nil)
	if err := h.m.RetryCamera(context.Background()); err != nil {
		t.Fatalf("Expected retry to succeed, got %v", err)
	}
	if view := h.m.Snapshot(); view.Device.State != device.StateActive.String() || view.Error != nil {
		t.Errorf("Expected active camera with cleared error, got %+v", view)
	}
}

func TestMachine_OvertakenAcquireLeavesNoDeviceError(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	if err := h.m.Suspend(); err != nil {
		t.Fatalf("Expected suspend to succeed, got %v", err)
	}
	gate := h.driver.blockNextOpen()

	started := make(chan error, 1)
	go func() { started <- h.m.Start(context.Background()) }()
	select {
	case <-gate.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("Expected start to open the device")
	}

	before := h.m.Snapshot().Generation
	cancelled := make(chan error, 1)
	go func() { cancelled <- h.m.Cancel(context.Background()) }()
	waitUntil(t, func() bool { return h.m.Snapshot().Generation > before })
	close(gate.release)

	for name, ch := range map[string]chan error{"start": started, "cancel": cancelled} {
		select {
		case err := <-ch:
			if err != nil {
				t.Errorf("Expected %s to succeed, got %v", name, err)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("Expected %s to return", name)
		}
	}

	view := h.m.Snapshot()
	if view.Error != nil {
		t.Errorf("Expected no operator error, got %+v", view.Error)
	}
	if view.Device.State != device.StateActive.String() {
		t.Errorf("Expected active camera, got %s", view.Device.State)
	}

	h.m.Close()
	h.assertNoLeaks(t)
}

func TestMachine_ResetAbandonsCalibration(t *testing.T) {
	tests := []struct {
		name  string
		reset func(m *Machine) error
	}{
		{"cancel", func(m *Machine) error { return m.Cancel(context.Background()) }},
		{"suspend", func(m *Machine) error { return m.Suspend() }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &lateCalibration{started: make(chan context.Context, 1)}
			h := newHarness(t, harnessOptions{calibrationService: svc})

			type result struct {
				outcome calibration.Outcome
				err     error
			}
			done := make(chan result, 1)
			go func() {
				outcome, err := h.m.Calibrate(context.Background())
				done <- result{outcome, err}
			}()

			var callCtx context.Context
			select {
			case callCtx = <-svc.started:
			case <-time.After(2 * time.Second):
				t.Fatal("Expected a calibration call")
			}

			if err := tt.reset(h.m); err != nil {
				t.Fatalf("Expected %s to succeed, got %v", tt.name, err)
			}
			select {
			case <-callCtx.Done():
			case <-time.After(time.Second):
				t.Fatal("Expected the calibration call to be cancelled")
			}

			var r result
			select {
			case r = <-done:
			case <-time.After(2 * time.Second):
				t.Fatal("Expected calibrate to return")
			}
			if !apperrors.IsCode(r.err, apperrors.CodeIllegalTransition) {
				t.Errorf("Expected illegal_transition, got %v", r.err)
			}
			if r.outcome.Succeeded {
				t.Error("Expected no outcome from an abandoned calibration")
			}

			ind := h.m.Snapshot().Calibration
			if ind.Succeeded || ind.Failed || ind.Pending {
				t.Errorf("Expected a clear indicator, got %+v", ind)
			}
			if n := h.metrics.Count(observer.CalibrationCompleted) + h.metrics.Count(observer.CalibrationFailed); n != 0 {
				t.Errorf("Expected no calibration events, got %d", n)
			}
		})
	}
}

func TestMachine_SuspendResume(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	h.toCaptured(t)

	if err := h.m.Suspend(); err != nil {
		t.Fatalf("Expected suspend to succeed, got %v", err)
	}
	view := h.m.Snapshot()
	if view.State != StatePreview || !view.Suspended || view.Device.State != device.StateReleased.String() {
		t.Errorf("Expected suspended preview with released camera, got %+v", view)
	}

	if err := h.m.Resume(context.Background()); err != nil {
		t.Fatalf("Expected resume to succeed, got %v", err)
	}
	if view := h.m.Snapshot(); view.Suspended || view.Device.State != device.StateActive.String() {
		t.Errorf("Expected active camera after resume, got %+v", view)
	}
}

func TestMachine_CloseDuringAnalysis(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	h.toCaptured(t)
	ticket, _ := h.m.Analyze(context.Background())
	call := h.nextCall(t)

	closed := make(chan struct{})
	go func() {
		h.m.Close()
		close(closed)
	}()
	<-call.ctx.Done()
	call.reply <- reply{err: call.ctx.Err()}

	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("Expected close to finish once the analysis goroutine exits")
	}
	waitTicket(t, ticket)

	if got := h.m.State(); got != StateClosed {
		t.Errorf("Expected closed, got %s", got)
	}
	if err := h.m.Close(); err != nil {
		t.Errorf("Expected second close to be a no-op, got %v", err)
	}
	h.assertNoLeaks(t)
}

func TestMachine_StressNeverLeaksHandles(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				switch (i + j) % 4 {
				case 0:
					_ = h.m.Cancel(ctx)
				case 1:
					_ = h.m.Suspend()
				case 2:
					_ = h.m.Resume(ctx)
				case 3:
					_, _ = h.m.Capture(ctx)
					_ = h.m.Retake(ctx)
				}
			}
		}(i)
	}
	wg.Wait()

	h.m.Close()
	h.assertNoLeaks(t)
}
