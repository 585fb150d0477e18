package container

import (
	"context"
	"fmt"
	"net/http"

	"github.com/anime-shed/growth-kiosk/internal/analysis"
	"github.com/anime-shed/growth-kiosk/internal/calibration"
	"github.com/anime-shed/growth-kiosk/internal/capture"
	"github.com/anime-shed/growth-kiosk/internal/config"
	"github.com/anime-shed/growth-kiosk/internal/device"
	"github.com/anime-shed/growth-kiosk/internal/device/gocvcam"
	"github.com/anime-shed/growth-kiosk/internal/factory"
	"github.com/anime-shed/growth-kiosk/internal/logger"
	"github.com/anime-shed/growth-kiosk/internal/observer"
	"github.com/anime-shed/growth-kiosk/internal/preview"
	"github.com/anime-shed/growth-kiosk/internal/repository"
	"github.com/anime-shed/growth-kiosk/internal/service"
	"github.com/anime-shed/growth-kiosk/internal/storage"
	"github.com/anime-shed/growth-kiosk/internal/transport"
	"github.com/anime-shed/growth-kiosk/internal/workflow"
)

// Container holds all application dependencies
type Container struct {
	config      *config.Config
	publisher   *observer.EventPublisher
	metrics     *observer.MetricsObserver
	mqtt        *observer.MQTTObserver
	session     *device.Session
	preview     *preview.Broadcaster
	repository  repository.Repository
	imageStore  storage.ImageStore
	examService service.ExaminationService
	machine     *workflow.Machine
	handler     http.Handler
}

// NewContainer builds the dependency graph with the camera at cfg.Camera.Index.
func NewContainer(ctx context.Context, cfg *config.Config) (*Container, error) {
	return NewContainerWithDriver(ctx, cfg, gocvcam.NewDriver(cfg.Camera.Index))
}

// NewContainerWithDriver builds the dependency graph around driver.
func NewContainerWithDriver(ctx context.Context, cfg *config.Config, driver device.Driver) (*Container, error) {
	logger.SetLevel(cfg.LogLevel)
	log := logger.Logger

	// Events
	publisher := observer.NewEventPublisher()
	metrics := observer.NewMetricsObserver()
	publisher.Subscribe(observer.NewLoggingObserver(log))
	publisher.Subscribe(metrics)

	var mqtt *observer.MQTTObserver
	if cfg.MQTT.Broker != "" {
		o, err := observer.NewMQTTObserver(ctx, cfg.MQTT.Broker, cfg.MQTT.ClientID, cfg.MQTT.Topic, log)
		if err != nil {
			// The broker is optional; the kiosk keeps working without it
			log.WithError(err).Warn("MQTT event publishing disabled")
		} else {
			mqtt = o
			publisher.Subscribe(mqtt)
		}
	}

	hub := transport.NewHub(log)
	publisher.Subscribe(hub)

	// Camera
	session := device.NewSession(driver, device.Constraints{
		Width:     cfg.Camera.Width,
		Height:    cfg.Camera.Height,
		FrameRate: cfg.Camera.FrameRate,
	}, publisher, log)
	broadcaster := preview.NewBroadcaster(cfg.Camera.PreviewFPS, cfg.Camera.JPEGQuality, log)
	session.Attach(broadcaster)

	// Remote analysis
	client := analysis.NewClient(cfg.CaptureURL(), cfg.CalibrationURL(), log)
	pipeline := capture.NewPipeline(client, cfg.Analysis.Timeout, cfg.Camera.JPEGQuality, log)
	calibrator := calibration.NewCalibrator(pipeline, client, cfg.Analysis.CalibrationTimeout, cfg.Analysis.CalibrationIndicator, log)

	// Persistence
	components := factory.NewComponentFactory(cfg.Subjects...)
	repo, err := components.RepositoryFactory.CreateRepository(ctx, cfg.DatabaseURL)
	if err != nil {
		closeMQTT(mqtt)
		return nil, err
	}
	imageStore, err := components.StorageFactory.CreateStorage(cfg.Storage)
	if err != nil {
		repo.Close()
		closeMQTT(mqtt)
		return nil, fmt.Errorf("failed to create image store: %w", err)
	}
	examService := service.NewExaminationService(repo, imageStore, log)

	machine := workflow.NewMachine(workflow.Deps{
		Camera:     session,
		Pipeline:   pipeline,
		Calibrator: calibrator,
		Subjects:   repo,
		Persister:  examService,
		Events:     publisher,
		Logger:     log,
	})

	handler := transport.NewHandler(machine, hub, broadcaster, cfg)

	return &Container{
		config:      cfg,
		publisher:   publisher,
		metrics:     metrics,
		mqtt:        mqtt,
		session:     session,
		preview:     broadcaster,
		repository:  repo,
		imageStore:  imageStore,
		examService: examService,
		machine:     machine,
		handler:     handler,
	}, nil
}

func closeMQTT(o *observer.MQTTObserver) {
	if o != nil {
		o.Close()
	}
}

// Handler returns the HTTP handler
func (c *Container) Handler() http.Handler {
	return c.handler
}

// Config returns the configuration
func (c *Container) Config() *config.Config {
	return c.config
}

// Machine returns the workflow state machine
func (c *Container) Machine() *workflow.Machine {
	return c.machine
}

// Metrics returns the event counters
func (c *Container) Metrics() *observer.MetricsObserver {
	return c.metrics
}

// Close tears the workflow down, which releases the camera, then closes
// the repository and the broker connection.
func (c *Container) Close() error {
	err := c.machine.Close()
	c.session.Release()
	c.repository.Close()
	closeMQTT(c.mqtt)
	return err
}
