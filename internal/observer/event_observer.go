package observer

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Event is a workflow or device lifecycle event
type Event struct {
	EventType    EventType              `json:"event_type"`
	Timestamp    time.Time              `json:"timestamp"`
	SessionID    string                 `json:"session_id,omitempty"`
	RequestID    string                 `json:"request_id,omitempty"`
	Generation   uint64                 `json:"generation,omitempty"`
	From         string                 `json:"state_from,omitempty"`
	To           string                 `json:"state_to,omitempty"`
	Success      bool                   `json:"success"`
	ErrorMessage string                 `json:"error_message,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
}

// EventType represents the type of event
type EventType string

const (
	DeviceStarted        EventType = "device_started"
	DeviceStopped        EventType = "device_stopped"
	DeviceFailed         EventType = "device_failed"
	StateChanged         EventType = "state_changed"
	FrameCaptured        EventType = "frame_captured"
	AnalysisStarted      EventType = "analysis_started"
	AnalysisCompleted    EventType = "analysis_completed"
	AnalysisFailed       EventType = "analysis_failed"
	AnalysisDiscarded    EventType = "analysis_discarded"
	CalibrationCompleted EventType = "calibration_completed"
	CalibrationFailed    EventType = "calibration_failed"
	ExaminationSaved     EventType = "examination_saved"
)

// Observer defines the interface for event observers
type Observer interface {
	OnEvent(ctx context.Context, event Event)
	GetObserverName() string
}

// Subject defines the interface for event publishers
type Subject interface {
	Subscribe(observer Observer)
	Unsubscribe(observer Observer)
	NotifyObservers(ctx context.Context, event Event)
}

// LoggingObserver logs events
type LoggingObserver struct {
	logger *logrus.Logger
}

// NewLoggingObserver creates a new logging observer
func NewLoggingObserver(logger *logrus.Logger) Observer {
	return &LoggingObserver{
		logger: logger,
	}
}

// OnEvent handles events by logging them
func (o *LoggingObserver) OnEvent(ctx context.Context, event Event) {
	fields := logrus.Fields{
		"event_type": event.EventType,
		"success":    event.Success,
	}
	if event.SessionID != "" {
		fields["session_id"] = event.SessionID
	}
	if event.RequestID != "" {
		fields["request_id"] = event.RequestID
	}
	if event.Generation != 0 {
		fields["generation"] = event.Generation
	}
	if event.From != "" || event.To != "" {
		fields["state_from"] = event.From
		fields["state_to"] = event.To
	}
	if event.ErrorMessage != "" {
		fields["error"] = event.ErrorMessage
	}

	for k, v := range event.Metadata {
		fields[k] = v
	}

	switch event.EventType {
	case DeviceFailed, AnalysisFailed, CalibrationFailed:
		o.logger.WithFields(fields).Warn("Workflow operation failed")
	case AnalysisDiscarded:
		o.logger.WithFields(fields).Info("Discarded superseded analysis result")
	case StateChanged:
		o.logger.WithFields(fields).Info("Workflow state changed")
	case DeviceStarted, DeviceStopped:
		o.logger.WithFields(fields).Info("Camera device lifecycle")
	default:
		o.logger.WithFields(fields).Debug("Workflow event occurred")
	}
}

// GetObserverName returns the observer name
func (o *LoggingObserver) GetObserverName() string {
	return "logging_observer"
}

// MetricsObserver counts events by type
type MetricsObserver struct {
	mu        sync.RWMutex
	counts    map[EventType]int64
	lastEvent time.Time
}

// NewMetricsObserver creates a new metrics observer
func NewMetricsObserver() *MetricsObserver {
	return &MetricsObserver{
		counts: make(map[EventType]int64),
	}
}

// OnEvent handles events by collecting metrics
func (o *MetricsObserver) OnEvent(ctx context.Context, event Event) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.counts[event.EventType]++
	o.lastEvent = event.Timestamp
}

// GetObserverName returns the observer name
func (o *MetricsObserver) GetObserverName() string {
	return "metrics_observer"
}

// Count returns how many events of a type were seen
func (o *MetricsObserver) Count(eventType EventType) int64 {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.counts[eventType]
}

// GetMetrics returns current metrics
func (o *MetricsObserver) GetMetrics() map[string]interface{} {
	o.mu.RLock()
	defer o.mu.RUnlock()

	metrics := make(map[string]interface{}, len(o.counts)+2)
	for eventType, n := range o.counts {
		metrics[string(eventType)] = n
	}
	// Devices currently open according to the event stream
	metrics["devices_open"] = o.counts[DeviceStarted] - o.counts[DeviceStopped]
	if !o.lastEvent.IsZero() {
		metrics["last_event"] = o.lastEvent
	}
	return metrics
}

// EventPublisher implements the Subject interface
type EventPublisher struct {
	mu        sync.RWMutex
	observers []Observer
}

// NewEventPublisher creates a new event publisher
func NewEventPublisher() *EventPublisher {
	return &EventPublisher{
		observers: make([]Observer, 0),
	}
}

// Subscribe adds an observer
func (p *EventPublisher) Subscribe(observer Observer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.observers = append(p.observers, observer)
}

// Unsubscribe removes an observer
func (p *EventPublisher) Unsubscribe(observer Observer) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i, obs := range p.observers {
		if obs.GetObserverName() == observer.GetObserverName() {
			p.observers = append(p.observers[:i], p.observers[i+1:]...)
			break
		}
	}
}

// NotifyObservers delivers the event to every observer in subscription
// order. Observers must not block and must not call back into the
// component that emitted the event.
func (p *EventPublisher) NotifyObservers(ctx context.Context, event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	p.mu.RLock()
	observers := make([]Observer, len(p.observers))
	copy(observers, p.observers)
	p.mu.RUnlock()

	for _, observer := range observers {
		notify(ctx, observer, event)
	}
}

func notify(ctx context.Context, obs Observer, event Event) {
	defer func() {
		if r := recover(); r != nil {
			// Log panic but don't crash the application
			logrus.WithField("observer", obs.GetObserverName()).
				WithField("panic", r).
				Error("Observer panicked while handling event")
		}
	}()
	obs.OnEvent(ctx, event)
}
