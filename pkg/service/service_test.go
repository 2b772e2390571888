package service

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/wachiwi/printcam/pkg/config"
	"github.com/wachiwi/printcam/pkg/session"
	"github.com/wachiwi/printcam/pkg/trigger"
)

// fakeCapturer writes a marker file for every successful capture.
type fakeCapturer struct {
	mu    sync.Mutex
	calls int
	fail  bool
}

func (f *fakeCapturer) Capture(ctx context.Context, outputPath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.fail {
		return fmt.Errorf("exit status 1")
	}
	return os.WriteFile(outputPath, []byte("jpeg"), 0644)
}

func (f *fakeCapturer) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// fakeUploader records upload attempts.
type fakeUploader struct {
	mu    sync.Mutex
	paths []string
}

func (f *fakeUploader) Upload(ctx context.Context, path string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paths = append(f.paths, path)
	return true, nil
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Storage.BaseDir = t.TempDir()
	cfg.Storage.OrganizeByDate = false
	cfg.Capture.LayerMode.CaptureDelayMs = 0
	cfg.Capture.TimeMode.Enabled = false
	cfg.PrusaConnect.Enabled = false
	return &cfg
}

func newTestService(cfg *config.Config, cam Capturer, up Uploader) *Service {
	sessions := session.NewCoordinator(cfg.Storage.BaseDir, cfg.Storage.OrganizeByDate, nil)
	return New(cfg, sessions, cam, up, nil)
}

func TestThreeTriggersOneSession(t *testing.T) {
	cfg := testConfig(t)
	cam := &fakeCapturer{}
	svc := newTestService(cfg, cam, nil)

	base := time.Date(2026, 8, 24, 15, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		svc.handleTrigger(trigger.Event{Source: trigger.SourceLayer, Time: base.Add(time.Duration(i) * time.Second)})
	}

	status := svc.SessionStatus()
	if !status.Active {
		t.Fatal("session should be active")
	}
	if status.Captures != 3 {
		t.Fatalf("expected 3 captures, got %d", status.Captures)
	}

	for _, name := range []string{"img_00001.jpg", "img_00002.jpg", "img_00003.jpg"} {
		if _, err := os.Stat(filepath.Join(status.Dir, name)); err != nil {
			t.Errorf("expected capture file %s: %v", name, err)
		}
	}

	if err := svc.EndSession(); err != nil {
		t.Fatal(err)
	}
	meta, err := session.Load(status.Dir)
	if err != nil {
		t.Fatal(err)
	}
	if meta.TotalImages != 3 {
		t.Errorf("metadata total_images = %d, want 3", meta.TotalImages)
	}
	if meta.EndTime == nil {
		t.Error("metadata should carry an end time after session end")
	}
}

func TestGatedIntervalTriggerIsSuppressed(t *testing.T) {
	cfg := testConfig(t)
	cfg.Capture.TimeMode.OnlyDuringPrint = true
	cam := &fakeCapturer{}
	svc := newTestService(cfg, cam, nil)

	svc.handleTrigger(trigger.Event{Source: trigger.SourceTime, Time: time.Now()})

	if cam.callCount() != 0 {
		t.Error("gated interval trigger outside a session must not capture")
	}
	if svc.SessionStatus().Active {
		t.Error("gated interval trigger must not start a session")
	}
}

func TestGatedIntervalTriggerSuppressedAfterSessionEnds(t *testing.T) {
	cfg := testConfig(t)
	cfg.Capture.TimeMode.OnlyDuringPrint = true
	cam := &fakeCapturer{}
	svc := newTestService(cfg, cam, nil)

	// Active session so the interval trigger passes the initial gate.
	svc.handleTrigger(trigger.Event{Source: trigger.SourceLayer, Time: time.Now()})

	// Park the interval trigger behind the capture mutex, as if a capture
	// were still running.
	svc.captureMu.Lock()
	done := make(chan struct{})
	go func() {
		defer close(done)
		svc.handleTrigger(trigger.Event{Source: trigger.SourceTime, Time: time.Now()})
	}()
	time.Sleep(50 * time.Millisecond)

	// The print ends while the trigger is waiting.
	if err := svc.EndSession(); err != nil {
		t.Fatal(err)
	}
	svc.captureMu.Unlock()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("parked trigger never completed")
	}

	if svc.SessionStatus().Active {
		t.Error("gated interval trigger must not start a session after the print ended")
	}
	if got := cam.callCount(); got != 1 {
		t.Errorf("expected only the original capture, got %d", got)
	}
}

func TestUngatedIntervalTriggerStartsSession(t *testing.T) {
	cfg := testConfig(t)
	cfg.Capture.TimeMode.OnlyDuringPrint = false
	cam := &fakeCapturer{}
	svc := newTestService(cfg, cam, nil)

	svc.handleTrigger(trigger.Event{Source: trigger.SourceTime, Time: time.Now()})

	status := svc.SessionStatus()
	if !status.Active {
		t.Fatal("ungated interval trigger should start a session")
	}
	if status.Captures != 1 {
		t.Errorf("expected 1 capture, got %d", status.Captures)
	}
}

func TestLayerModeDisabledIgnoresEdgeTrigger(t *testing.T) {
	cfg := testConfig(t)
	cfg.Capture.LayerMode.Enabled = false
	cam := &fakeCapturer{}
	svc := newTestService(cfg, cam, nil)

	svc.handleTrigger(trigger.Event{Source: trigger.SourceLayer, Time: time.Now()})

	if cam.callCount() != 0 {
		t.Error("edge trigger with layer mode disabled must not capture")
	}
}

func TestCaptureFailureDoesNotAdvanceCounter(t *testing.T) {
	cfg := testConfig(t)
	cam := &fakeCapturer{}
	svc := newTestService(cfg, cam, nil)

	svc.handleTrigger(trigger.Event{Source: trigger.SourceLayer, Time: time.Now()})

	cam.mu.Lock()
	cam.fail = true
	cam.mu.Unlock()
	svc.handleTrigger(trigger.Event{Source: trigger.SourceLayer, Time: time.Now()})

	status := svc.SessionStatus()
	if status.Captures != 1 {
		t.Errorf("failed capture must not increment the counter, got %d", status.Captures)
	}
	if !status.Active {
		t.Error("a capture failure must not disrupt the session")
	}

	// The service keeps going after the failure.
	cam.mu.Lock()
	cam.fail = false
	cam.mu.Unlock()
	svc.handleTrigger(trigger.Event{Source: trigger.SourceLayer, Time: time.Now()})
	if got := svc.SessionStatus().Captures; got != 2 {
		t.Errorf("expected counter 2 after recovery, got %d", got)
	}
}

func TestSuccessfulCapturesAreUploaded(t *testing.T) {
	cfg := testConfig(t)
	cam := &fakeCapturer{}
	up := &fakeUploader{}
	svc := newTestService(cfg, cam, up)

	svc.handleTrigger(trigger.Event{Source: trigger.SourceLayer, Time: time.Now()})

	up.mu.Lock()
	defer up.mu.Unlock()
	if len(up.paths) != 1 {
		t.Fatalf("expected 1 upload attempt, got %d", len(up.paths))
	}
	if filepath.Base(up.paths[0]) != "img_00001.jpg" {
		t.Errorf("unexpected uploaded file %s", up.paths[0])
	}
}

func TestConcurrentTriggersSerialize(t *testing.T) {
	cfg := testConfig(t)
	cam := &fakeCapturer{}
	svc := newTestService(cfg, cam, nil)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			svc.handleTrigger(trigger.Event{Source: trigger.SourceLayer, Time: time.Now()})
		}()
	}
	wg.Wait()

	status := svc.SessionStatus()
	if status.Captures != 8 {
		t.Errorf("expected 8 committed captures, got %d", status.Captures)
	}

	// All eight files must exist with distinct sequence numbers.
	entries, err := os.ReadDir(status.Dir)
	if err != nil {
		t.Fatal(err)
	}
	images := 0
	for _, e := range entries {
		if filepath.Ext(e.Name()) == ".jpg" {
			images++
		}
	}
	if images != 8 {
		t.Errorf("expected 8 image files, got %d", images)
	}
}

func TestTriggerConsumerStops(t *testing.T) {
	cfg := testConfig(t)
	cam := &fakeCapturer{}
	events := make(chan trigger.Event)
	sessions := session.NewCoordinator(cfg.Storage.BaseDir, false, nil)
	svc := New(cfg, sessions, cam, nil, events)

	if err := svc.Start(); err != nil {
		t.Fatal(err)
	}

	events <- trigger.Event{Source: trigger.SourceLayer, Time: time.Now()}

	done := make(chan struct{})
	go func() {
		svc.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("Stop did not complete")
	}

	if cam.callCount() != 1 {
		t.Errorf("expected 1 capture before stop, got %d", cam.callCount())
	}
	if svc.SessionStatus().Active {
		t.Error("Stop should close the active session")
	}
}
