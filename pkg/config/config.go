package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// GPIOConfig describes the trigger input line wired to the printer board.
type GPIOConfig struct {
	Chip        string `yaml:"chip"`         // e.g. "gpiochip0"
	TriggerPin  int    `yaml:"trigger_pin"`  // BCM line offset
	TriggerPull string `yaml:"trigger_pull"` // "up" or "down"
	DebounceMs  int    `yaml:"debounce_ms"`
	TriggerEdge string `yaml:"trigger_edge"` // "rising", "falling" or "both"
}

// CameraConfig holds still-capture settings passed to the capture tool.
type CameraConfig struct {
	Resolution   string `yaml:"resolution"` // "max" or "WIDTHxHEIGHT"
	Quality      int    `yaml:"quality"`
	Rotation     int    `yaml:"rotation"`
	HFlip        bool   `yaml:"hflip"`
	VFlip        bool   `yaml:"vflip"`
	ISO          string `yaml:"iso"`           // "auto" or a numeric value
	ShutterSpeed string `yaml:"shutter_speed"` // "auto" or microseconds
	AWBMode      string `yaml:"awb_mode"`
}

// LayerModeConfig controls edge-triggered (per-layer) captures.
type LayerModeConfig struct {
	Enabled        bool `yaml:"enabled"`
	CaptureDelayMs int  `yaml:"capture_delay_ms"`
}

// TimeModeConfig controls interval-triggered captures.
type TimeModeConfig struct {
	Enabled         bool `yaml:"enabled"`
	IntervalS       int  `yaml:"interval_s"`
	OnlyDuringPrint bool `yaml:"only_during_print"`
}

// CaptureConfig groups the two trigger modes.
type CaptureConfig struct {
	LayerMode LayerModeConfig `yaml:"layer_mode"`
	TimeMode  TimeModeConfig  `yaml:"time_mode"`
}

// StorageConfig controls where captures land on disk.
type StorageConfig struct {
	BaseDir         string `yaml:"base_dir"`
	OrganizeByDate  bool   `yaml:"organize_by_date"`
	FilenamePattern string `yaml:"filename_pattern"`
}

// PrusaConnectConfig configures snapshot uploads to Prusa Connect.
type PrusaConnectConfig struct {
	Enabled            bool   `yaml:"enabled"`
	URL                string `yaml:"url"`
	Token              string `yaml:"token"`
	PrinterFingerprint string `yaml:"printer_fingerprint"`
	UploadIntervalS    int    `yaml:"upload_interval_s"`
}

// AdvancedConfig holds knobs that rarely need changing.
type AdvancedConfig struct {
	CaptureTimeoutS int    `yaml:"capture_timeout_s"`
	WarmupCaptures  int    `yaml:"warmup_captures"`
	CompileScript   string `yaml:"compile_script"`
}

// APIConfig enables the control API when Listen is set.
type APIConfig struct {
	Listen   string `yaml:"listen"` // empty = disabled
	User     string `yaml:"user"`
	Password string `yaml:"password"`
}

// TelemetryConfig enables OTLP export when Enabled is true.
type TelemetryConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Endpoint    string `yaml:"endpoint"`
	ServiceName string `yaml:"service_name"`
}

// LoggingConfig controls the slog level.
type LoggingConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
}

// Config aggregates all camerad configuration.
type Config struct {
	GPIO         GPIOConfig         `yaml:"gpio"`
	Camera       CameraConfig       `yaml:"camera"`
	Capture      CaptureConfig      `yaml:"capture"`
	Storage      StorageConfig      `yaml:"storage"`
	PrusaConnect PrusaConnectConfig `yaml:"prusa_connect"`
	Advanced     AdvancedConfig     `yaml:"advanced"`
	API          APIConfig          `yaml:"api"`
	Telemetry    TelemetryConfig    `yaml:"telemetry"`
	Logging      LoggingConfig      `yaml:"logging"`
}

// Default returns the configuration used when a field is absent from the
// YAML file. Unmarshalling overlays the file on top of these values, so
// boolean fields that default to true survive an empty document.
func Default() Config {
	return Config{
		GPIO: GPIOConfig{
			Chip:        "gpiochip0",
			TriggerPin:  17,
			TriggerPull: "down",
			DebounceMs:  100,
			TriggerEdge: "rising",
		},
		Camera: CameraConfig{
			Resolution:   "max",
			Quality:      85,
			ISO:          "auto",
			ShutterSpeed: "auto",
			AWBMode:      "auto",
		},
		Capture: CaptureConfig{
			LayerMode: LayerModeConfig{Enabled: true, CaptureDelayMs: 500},
			TimeMode:  TimeModeConfig{Enabled: true, IntervalS: 30, OnlyDuringPrint: true},
		},
		Storage: StorageConfig{
			BaseDir:         "/var/lib/printcam/captures",
			OrganizeByDate:  true,
			FilenamePattern: "img_{counter:05d}.jpg",
		},
		PrusaConnect: PrusaConnectConfig{
			Enabled:         true,
			URL:             "https://connect.prusa3d.com/c/snapshot",
			UploadIntervalS: 10,
		},
		Advanced: AdvancedConfig{
			CaptureTimeoutS: 10,
			WarmupCaptures:  2,
		},
		Telemetry: TelemetryConfig{
			Endpoint:    "otel-collector:4317",
			ServiceName: "printcam",
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

// Load reads a YAML file and returns the validated configuration.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal yaml: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch strings.ToLower(c.GPIO.TriggerPull) {
	case "up", "down":
	default:
		return fmt.Errorf("gpio.trigger_pull must be \"up\" or \"down\", got %q", c.GPIO.TriggerPull)
	}
	switch strings.ToLower(c.GPIO.TriggerEdge) {
	case "rising", "falling", "both":
	default:
		return fmt.Errorf("gpio.trigger_edge must be \"rising\", \"falling\" or \"both\", got %q", c.GPIO.TriggerEdge)
	}
	if c.GPIO.DebounceMs < 0 {
		return fmt.Errorf("gpio.debounce_ms must be >= 0, got %d", c.GPIO.DebounceMs)
	}
	if c.Camera.Quality < 1 || c.Camera.Quality > 100 {
		return fmt.Errorf("camera.quality must be between 1 and 100, got %d", c.Camera.Quality)
	}
	if r := c.Camera.Resolution; r != "max" && !strings.Contains(r, "x") {
		return fmt.Errorf("camera.resolution must be \"max\" or WIDTHxHEIGHT, got %q", r)
	}
	if c.Capture.TimeMode.IntervalS <= 0 {
		return fmt.Errorf("capture.time_mode.interval_s must be > 0, got %d", c.Capture.TimeMode.IntervalS)
	}
	if c.Storage.BaseDir == "" {
		return fmt.Errorf("storage.base_dir is required")
	}
	if c.Storage.FilenamePattern == "" {
		return fmt.Errorf("storage.filename_pattern is required")
	}
	if c.PrusaConnect.Enabled && c.PrusaConnect.UploadIntervalS < 0 {
		return fmt.Errorf("prusa_connect.upload_interval_s must be >= 0, got %d", c.PrusaConnect.UploadIntervalS)
	}
	if c.Advanced.CaptureTimeoutS <= 0 {
		return fmt.Errorf("advanced.capture_timeout_s must be > 0, got %d", c.Advanced.CaptureTimeoutS)
	}
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be debug, info, warn or error, got %q", c.Logging.Level)
	}
	return nil
}

// Debounce returns the trigger debounce window.
func (c *Config) Debounce() time.Duration {
	return time.Duration(c.GPIO.DebounceMs) * time.Millisecond
}

// CaptureDelay returns the delay between an edge trigger and its capture.
func (c *Config) CaptureDelay() time.Duration {
	return time.Duration(c.Capture.LayerMode.CaptureDelayMs) * time.Millisecond
}

// CaptureInterval returns the wake interval of the periodic capture worker.
func (c *Config) CaptureInterval() time.Duration {
	return time.Duration(c.Capture.TimeMode.IntervalS) * time.Second
}

// UploadInterval returns the minimum spacing between successful uploads.
func (c *Config) UploadInterval() time.Duration {
	return time.Duration(c.PrusaConnect.UploadIntervalS) * time.Second
}

// CaptureTimeout returns the hard deadline for one capture tool invocation.
func (c *Config) CaptureTimeout() time.Duration {
	return time.Duration(c.Advanced.CaptureTimeoutS) * time.Second
}
