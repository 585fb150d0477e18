package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/anime-shed/growth-kiosk/pkg/models"
	"github.com/anime-shed/growth-kiosk/pkg/validation"

	"gopkg.in/yaml.v3"
)

// Config holds every runtime setting of the kiosk.
type Config struct {
	Host               string        `yaml:"host"`
	Port               string        `yaml:"port"`
	RequestTimeout     time.Duration `yaml:"request_timeout"`
	MaxRequestBodySize int64         `yaml:"max_request_body_size"`
	LogLevel           string        `yaml:"log_level"`

	Analysis AnalysisConfig `yaml:"analysis"`
	Camera   CameraConfig   `yaml:"camera"`
	Storage  StorageConfig  `yaml:"storage"`
	MQTT     MQTTConfig     `yaml:"mqtt"`

	DatabaseURL string `yaml:"database_url"`

	// Subjects seed the in-memory repository when no database is configured.
	Subjects []models.Subject `yaml:"subjects"`
}

// AnalysisConfig describes the remote vision-analysis service.
type AnalysisConfig struct {
	BaseURL              string        `yaml:"base_url"`
	CapturePath          string        `yaml:"capture_path"`
	CalibrationPath      string        `yaml:"calibration_path"`
	Timeout              time.Duration `yaml:"timeout"`
	CalibrationTimeout   time.Duration `yaml:"calibration_timeout"`
	CalibrationIndicator time.Duration `yaml:"calibration_indicator_ttl"`
}

// CameraConfig describes the capture device constraints.
type CameraConfig struct {
	Index       int `yaml:"index"`
	Width       int `yaml:"width"`
	Height      int `yaml:"height"`
	FrameRate   int `yaml:"frame_rate"`
	JPEGQuality int `yaml:"jpeg_quality"`
	PreviewFPS  int `yaml:"preview_fps"`
}

// StorageConfig selects where annotated result images go.
type StorageConfig struct {
	Backend        string `yaml:"backend"` // "local" or "azure"
	Dir            string `yaml:"dir"`
	AzureAccount   string `yaml:"azure_account"`
	AzureKey       string `yaml:"azure_key"`
	AzureContainer string `yaml:"azure_container"`
}

// MQTTConfig enables event publishing when Broker is set.
type MQTTConfig struct {
	Broker   string `yaml:"broker"`
	Topic    string `yaml:"topic"`
	ClientID string `yaml:"client_id"`
}

func (c *Config) ServerAddress() string {
	// Trim any whitespace from host and port
	host := strings.TrimSpace(c.Host)
	port := strings.TrimSpace(c.Port)
	return net.JoinHostPort(host, port)
}

// CaptureURL is the full analysis endpoint URL.
func (c *Config) CaptureURL() string {
	return strings.TrimRight(c.Analysis.BaseURL, "/") + c.Analysis.CapturePath
}

// CalibrationURL is the full calibration endpoint URL.
func (c *Config) CalibrationURL() string {
	return strings.TrimRight(c.Analysis.BaseURL, "/") + c.Analysis.CalibrationPath
}

// Default returns the settings used when nothing is configured.
func Default() *Config {
	return &Config{
		Host:               "127.0.0.1",
		Port:               "8080",
		RequestTimeout:     30 * time.Second,
		MaxRequestBodySize: 1 * 1024 * 1024,
		LogLevel:           "info",
		Analysis: AnalysisConfig{
			BaseURL:              "http://127.0.0.1:8000",
			CapturePath:          "/captureweb",
			CalibrationPath:      "/calibrate/aruco",
			Timeout:              5 * time.Second,
			CalibrationTimeout:   10 * time.Second,
			CalibrationIndicator: 2 * time.Second,
		},
		Camera: CameraConfig{
			Index:       0,
			Width:       640,
			Height:      480,
			FrameRate:   30,
			JPEGQuality: 90,
			PreviewFPS:  10,
		},
		Storage: StorageConfig{
			Backend:        "local",
			Dir:            "examinations",
			AzureContainer: "pemindaian",
		},
		MQTT: MQTTConfig{
			Topic:    "kiosk/workflow",
			ClientID: "growth-kiosk",
		},
	}
}

// LoadFromEnv builds the configuration from defaults, the optional YAML file
// named by KIOSK_CONFIG, then environment variables.
func LoadFromEnv() (*Config, error) {
	cfg := Default()

	if path := strings.TrimSpace(os.Getenv("KIOSK_CONFIG")); path != "" {
		if err := loadFile(path, cfg); err != nil {
			return nil, err
		}
	}

	cfg.Host = getEnvOrDefault("HOST", cfg.Host)
	cfg.Port = getEnvOrDefault("PORT", cfg.Port)
	cfg.RequestTimeout = parseDurationOrDefault("REQUEST_TIMEOUT", cfg.RequestTimeout)
	cfg.MaxRequestBodySize = parseIntOrDefault("MAX_REQUEST_BODY_SIZE", cfg.MaxRequestBodySize)
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", cfg.LogLevel)

	cfg.Analysis.BaseURL = getEnvOrDefault("ANALYSIS_BASE_URL", cfg.Analysis.BaseURL)
	cfg.Analysis.CapturePath = getEnvOrDefault("CAPTURE_PATH", cfg.Analysis.CapturePath)
	cfg.Analysis.CalibrationPath = getEnvOrDefault("CALIBRATION_PATH", cfg.Analysis.CalibrationPath)
	cfg.Analysis.Timeout = parseDurationOrDefault("ANALYSIS_TIMEOUT", cfg.Analysis.Timeout)
	cfg.Analysis.CalibrationTimeout = parseDurationOrDefault("CALIBRATION_TIMEOUT", cfg.Analysis.CalibrationTimeout)
	cfg.Analysis.CalibrationIndicator = parseDurationOrDefault("CALIBRATION_INDICATOR_TTL", cfg.Analysis.CalibrationIndicator)

	cfg.Camera.Index = int(parseIntOrDefault("CAMERA_INDEX", int64(cfg.Camera.Index)))
	cfg.Camera.Width = int(parseIntOrDefault("FRAME_WIDTH", int64(cfg.Camera.Width)))
	cfg.Camera.Height = int(parseIntOrDefault("FRAME_HEIGHT", int64(cfg.Camera.Height)))
	cfg.Camera.FrameRate = int(parseIntOrDefault("FRAME_RATE", int64(cfg.Camera.FrameRate)))
	cfg.Camera.JPEGQuality = int(parseIntOrDefault("JPEG_QUALITY", int64(cfg.Camera.JPEGQuality)))
	cfg.Camera.PreviewFPS = int(parseIntOrDefault("PREVIEW_FPS", int64(cfg.Camera.PreviewFPS)))

	cfg.DatabaseURL = getEnvOrDefault("DATABASE_URL", cfg.DatabaseURL)

	cfg.Storage.Backend = getEnvOrDefault("IMAGE_STORE", cfg.Storage.Backend)
	cfg.Storage.Dir = getEnvOrDefault("IMAGE_STORE_DIR", cfg.Storage.Dir)
	cfg.Storage.AzureAccount = getEnvOrDefault("AZURE_STORAGE_ACCOUNT", cfg.Storage.AzureAccount)
	cfg.Storage.AzureKey = getEnvOrDefault("AZURE_STORAGE_KEY", cfg.Storage.AzureKey)
	cfg.Storage.AzureContainer = getEnvOrDefault("AZURE_STORAGE_CONTAINER", cfg.Storage.AzureContainer)

	cfg.MQTT.Broker = getEnvOrDefault("MQTT_BROKER", cfg.MQTT.Broker)
	cfg.MQTT.Topic = getEnvOrDefault("MQTT_TOPIC", cfg.MQTT.Topic)
	cfg.MQTT.ClientID = getEnvOrDefault("MQTT_CLIENT_ID", cfg.MQTT.ClientID)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks ranges and formats.
func (c *Config) Validate() error {
	// Validate port is numeric and in range
	p, err := strconv.Atoi(strings.TrimSpace(c.Port))
	if err != nil || p < 1 || p > 65535 {
		return fmt.Errorf("invalid PORT: %q", c.Port)
	}
	if c.MaxRequestBodySize <= 0 {
		return fmt.Errorf("MAX_REQUEST_BODY_SIZE must be > 0 (got %d)", c.MaxRequestBodySize)
	}
	if c.RequestTimeout <= 0 || c.Analysis.Timeout <= 0 || c.Analysis.CalibrationTimeout <= 0 || c.Analysis.CalibrationIndicator <= 0 {
		return fmt.Errorf("timeouts must be > 0 (got request=%s, analysis=%s, calibration=%s, indicator=%s)",
			c.RequestTimeout, c.Analysis.Timeout, c.Analysis.CalibrationTimeout, c.Analysis.CalibrationIndicator)
	}
	if err := validation.NewURLValidator().ValidateServiceURL(c.Analysis.BaseURL); err != nil {
		return fmt.Errorf("invalid ANALYSIS_BASE_URL: %w", err)
	}
	if !strings.HasPrefix(c.Analysis.CapturePath, "/") || !strings.HasPrefix(c.Analysis.CalibrationPath, "/") {
		return fmt.Errorf("endpoint paths must start with '/' (got capture=%q, calibration=%q)",
			c.Analysis.CapturePath, c.Analysis.CalibrationPath)
	}
	if c.Camera.Index < 0 {
		return fmt.Errorf("CAMERA_INDEX must be >= 0 (got %d)", c.Camera.Index)
	}
	if c.Camera.Width <= 0 || c.Camera.Height <= 0 || c.Camera.FrameRate <= 0 || c.Camera.PreviewFPS <= 0 {
		return fmt.Errorf("camera constraints must be > 0 (got %dx%d@%d, preview %d fps)",
			c.Camera.Width, c.Camera.Height, c.Camera.FrameRate, c.Camera.PreviewFPS)
	}
	if c.Camera.JPEGQuality < 1 || c.Camera.JPEGQuality > 100 {
		return fmt.Errorf("JPEG_QUALITY must be in 1..100 (got %d)", c.Camera.JPEGQuality)
	}
	switch c.Storage.Backend {
	case "local":
		if strings.TrimSpace(c.Storage.Dir) == "" {
			return fmt.Errorf("IMAGE_STORE_DIR is required for the local image store")
		}
	case "azure":
		if c.Storage.AzureAccount == "" || c.Storage.AzureKey == "" || c.Storage.AzureContainer == "" {
			return fmt.Errorf("AZURE_STORAGE_ACCOUNT, AZURE_STORAGE_KEY and AZURE_STORAGE_CONTAINER are required for the azure image store")
		}
	default:
		return fmt.Errorf("unsupported IMAGE_STORE: %q", c.Storage.Backend)
	}
	for _, s := range c.Subjects {
		if err := validation.ValidateSubjectID(s.ID); err != nil {
			return fmt.Errorf("invalid seeded subject %q: %w", s.ID, err)
		}
	}
	return nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("error reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("error parsing config file %s: %w", path, err)
	}
	return nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func parseDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(strings.TrimSpace(value)); err == nil && duration > 0 {
			return duration
		}
	}
	return defaultValue
}

func parseIntOrDefault(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}
