package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, "storage:\n  base_dir: /tmp/captures\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.GPIO.TriggerPin != 17 {
		t.Errorf("expected default trigger pin 17, got %d", cfg.GPIO.TriggerPin)
	}
	if !cfg.Capture.LayerMode.Enabled {
		t.Error("layer mode should default to enabled")
	}
	if !cfg.Capture.TimeMode.OnlyDuringPrint {
		t.Error("time mode should default to only_during_print")
	}
	if cfg.Storage.BaseDir != "/tmp/captures" {
		t.Errorf("base_dir not applied, got %q", cfg.Storage.BaseDir)
	}
	if cfg.Storage.FilenamePattern != "img_{counter:05d}.jpg" {
		t.Errorf("unexpected default filename pattern %q", cfg.Storage.FilenamePattern)
	}
	if cfg.UploadInterval() != 10*time.Second {
		t.Errorf("expected 10s upload interval, got %v", cfg.UploadInterval())
	}
	if cfg.CaptureTimeout() != 10*time.Second {
		t.Errorf("expected 10s capture timeout, got %v", cfg.CaptureTimeout())
	}
}

func TestLoadOverrides(t *testing.T) {
	path := writeConfig(t, `
gpio:
  trigger_pin: 27
  trigger_pull: up
  trigger_edge: both
  debounce_ms: 50
camera:
  resolution: 1920x1080
  quality: 70
  iso: "400"
capture:
  layer_mode:
    enabled: false
  time_mode:
    interval_s: 5
    only_during_print: false
prusa_connect:
  token: abc123
  upload_interval_s: 30
logging:
  level: debug
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.GPIO.TriggerPin != 27 || cfg.GPIO.TriggerEdge != "both" {
		t.Errorf("gpio overrides not applied: %+v", cfg.GPIO)
	}
	if cfg.Debounce() != 50*time.Millisecond {
		t.Errorf("expected 50ms debounce, got %v", cfg.Debounce())
	}
	if cfg.Capture.LayerMode.Enabled {
		t.Error("layer mode should be disabled")
	}
	if cfg.Capture.TimeMode.OnlyDuringPrint {
		t.Error("only_during_print should be disabled")
	}
	if cfg.CaptureInterval() != 5*time.Second {
		t.Errorf("expected 5s interval, got %v", cfg.CaptureInterval())
	}
	if cfg.PrusaConnect.Token != "abc123" {
		t.Errorf("token not applied, got %q", cfg.PrusaConnect.Token)
	}
	// Defaults must survive a partial document.
	if cfg.Capture.TimeMode.Enabled != true {
		t.Error("time mode should still default to enabled")
	}
	if cfg.PrusaConnect.URL == "" {
		t.Error("upload URL should keep its default")
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"bad edge":       "gpio:\n  trigger_edge: sideways\n",
		"bad pull":       "gpio:\n  trigger_pull: left\n",
		"bad quality":    "camera:\n  quality: 500\n",
		"bad resolution": "camera:\n  resolution: huge\n",
		"bad interval":   "capture:\n  time_mode:\n    interval_s: -1\n",
		"bad level":      "logging:\n  level: loud\n",
	}

	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, content)); err == nil {
				t.Error("expected validation error, got nil")
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}
