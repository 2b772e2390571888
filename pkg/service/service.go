package service

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/wachiwi/printcam/pkg/capture"
	"github.com/wachiwi/printcam/pkg/config"
	"github.com/wachiwi/printcam/pkg/logger"
	"github.com/wachiwi/printcam/pkg/session"
	"github.com/wachiwi/printcam/pkg/trigger"
)

const (
	resourceCheckSpec   = "@every 30s"
	resourceWarnPercent = 90.0
	shutdownJoinTimeout = 5 * time.Second
)

// Capturer runs one still capture to the given path.
type Capturer interface {
	Capture(ctx context.Context, outputPath string) error
}

// Uploader pushes one captured file to the remote endpoint, reporting
// whether the transfer actually happened (false = throttled).
type Uploader interface {
	Upload(ctx context.Context, path string) (bool, error)
}

// Service ties the trigger sources, the session coordinator, the capture
// invoker and the uploader together and owns their lifecycle.
type Service struct {
	cfg      *config.Config
	sessions *session.Coordinator
	invoker  Capturer
	uploader Uploader // nil when uploads are disabled
	triggers <-chan trigger.Event

	cron *cron.Cron

	// captureMu serializes actual capture tool invocations across the edge
	// path, the interval path and the control API: one camera, one capture
	// at a time. Session state has its own lock inside the coordinator.
	captureMu sync.Mutex

	stop chan struct{}
	wg   sync.WaitGroup

	captures        metric.Int64Counter
	captureFailures metric.Int64Counter
	uploads         metric.Int64Counter
	uploadsSkipped  metric.Int64Counter
}

// New creates the service. triggers may be nil when the hardware watcher
// failed to initialize (degraded mode, interval captures only).
func New(cfg *config.Config, sessions *session.Coordinator, invoker Capturer, uploader Uploader, triggers <-chan trigger.Event) *Service {
	cronLog := &logger.CronLogger{Logger: slog.Default()}
	meter := otel.Meter("printcam/service")

	s := &Service{
		cfg:      cfg,
		sessions: sessions,
		invoker:  invoker,
		uploader: uploader,
		triggers: triggers,
		cron: cron.New(
			cron.WithChain(cron.Recover(cronLog), cron.SkipIfStillRunning(cronLog)),
		),
		stop: make(chan struct{}),
	}

	s.captures, _ = meter.Int64Counter("printcam.captures")
	s.captureFailures, _ = meter.Int64Counter("printcam.capture_failures")
	s.uploads, _ = meter.Int64Counter("printcam.uploads")
	s.uploadsSkipped, _ = meter.Int64Counter("printcam.uploads_skipped")
	return s
}

// Start launches the background workers: the trigger consumer, the
// periodic capture job and the resource check.
func (s *Service) Start() error {
	if s.triggers != nil {
		s.wg.Add(1)
		go s.consumeTriggers()
	} else {
		slog.Warn("hardware trigger unavailable, layer captures disabled")
	}

	if s.cfg.Capture.TimeMode.Enabled {
		spec := "@every " + s.cfg.CaptureInterval().String()
		if _, err := s.cron.AddFunc(spec, s.intervalTick); err != nil {
			return err
		}
		slog.Info("periodic capture enabled", "interval", s.cfg.CaptureInterval(),
			"only_during_print", s.cfg.Capture.TimeMode.OnlyDuringPrint)
	}
	if _, err := s.cron.AddFunc(resourceCheckSpec, s.checkResources); err != nil {
		return err
	}

	s.cron.Start()
	slog.Info("camera service started, waiting for triggers")
	return nil
}

// Stop shuts the workers down in order: signal the consumer, close any
// active session, then join the cron jobs with a bounded wait. A worker
// that refuses to stop does not block shutdown forever.
func (s *Service) Stop() {
	slog.Info("stopping camera service")
	close(s.stop)
	s.wg.Wait()

	if err := s.EndSession(); err != nil {
		slog.Warn("failed to close session on shutdown", "error", err)
	}

	stopCtx := s.cron.Stop()
	select {
	case <-stopCtx.Done():
	case <-time.After(shutdownJoinTimeout):
		slog.Warn("periodic worker did not stop in time, proceeding with shutdown")
	}
	slog.Info("camera service stopped")
}

// consumeTriggers drains the hardware trigger channel until Stop.
func (s *Service) consumeTriggers() {
	defer s.wg.Done()
	for {
		select {
		case <-s.stop:
			return
		case evt, ok := <-s.triggers:
			if !ok {
				return
			}
			s.handleTrigger(evt)
		}
	}
}

// intervalTick is one wake of the periodic capture worker. Errors inside
// one iteration are contained here; the cron chain additionally recovers
// panics and skips overlapping runs, so the worker never terminates on a
// single bad iteration.
func (s *Service) intervalTick() {
	if !s.cfg.Capture.TimeMode.Enabled {
		return
	}
	s.handleTrigger(trigger.Event{Source: trigger.SourceTime, Time: time.Now()})
}

// TriggerManual issues a capture request on behalf of the control API.
func (s *Service) TriggerManual() {
	s.handleTrigger(trigger.Event{Source: trigger.SourceManual, Time: time.Now()})
}

// EndSession explicitly closes the active session, finalizing its
// metadata.
func (s *Service) EndSession() error {
	snap := s.sessions.Snapshot()
	if err := s.sessions.End(time.Now()); err != nil {
		return err
	}
	if snap.Active {
		slog.Info("print session ended", "captures", snap.Captures, "dir", snap.Dir)
	}
	return nil
}

// SessionStatus exposes the coordinator state to the control API.
func (s *Service) SessionStatus() session.Status {
	return s.sessions.Snapshot()
}

// handleTrigger is the single entry point for all capture requests. Every
// failure is converted to a logged outcome here; nothing propagates to the
// caller's loop.
func (s *Service) handleTrigger(evt trigger.Event) {
	ctx := context.Background()

	switch evt.Source {
	case trigger.SourceLayer:
		if !s.cfg.Capture.LayerMode.Enabled {
			slog.Debug("layer mode disabled, ignoring trigger")
			return
		}
		// Let the printer head move away before the shot.
		if delay := s.cfg.CaptureDelay(); delay > 0 {
			time.Sleep(delay)
		}
	case trigger.SourceTime:
		if s.cfg.Capture.TimeMode.OnlyDuringPrint && !s.sessions.Active() {
			slog.Debug("no active print session, suppressing interval capture")
			return
		}
	}

	s.captureMu.Lock()
	defer s.captureMu.Unlock()

	// Re-check the gate now that the mutex is held: the session may have
	// ended while this trigger waited behind a running capture, and a gated
	// interval tick must never start a session of its own.
	if evt.Source == trigger.SourceTime && s.cfg.Capture.TimeMode.OnlyDuringPrint && !s.sessions.Active() {
		slog.Debug("print session ended while waiting, suppressing interval capture")
		return
	}

	started, err := s.sessions.Begin(evt.Time)
	if err != nil {
		slog.Error("failed to start print session", "error", err)
		return
	}
	if started {
		slog.Info("print session started", "trigger", evt.Source, "dir", s.sessions.Dir())
	}

	seq := s.sessions.NextSequence()
	filename := capture.RenderPattern(s.cfg.Storage.FilenamePattern, seq, evt.Time)
	path := filepath.Join(s.sessions.Dir(), filename)

	if err := s.invoker.Capture(ctx, path); err != nil {
		s.captureFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("trigger", evt.Source)))
		if errors.Is(err, capture.ErrTimeout) {
			slog.Error("camera capture timeout", "trigger", evt.Source)
		} else {
			slog.Error("failed to capture image", "trigger", evt.Source, "error", err)
		}
		return
	}

	total := s.sessions.CommitCapture()
	s.captures.Add(ctx, 1, metric.WithAttributes(attribute.String("trigger", evt.Source)))
	slog.Info("image captured", "file", filename, "trigger", evt.Source, "total", total)

	if s.uploader == nil {
		return
	}
	uploaded, err := s.uploader.Upload(ctx, path)
	switch {
	case err != nil:
		// Soft failure: the capture stands, the next one retries on its own.
		slog.Warn("failed to upload snapshot", "error", err)
	case uploaded:
		s.uploads.Add(ctx, 1)
	default:
		s.uploadsSkipped.Add(ctx, 1)
	}
}

// checkResources logs warnings when memory or disk pressure crosses the
// threshold. Observability only; it never halts the service.
func (s *Service) checkResources() {
	if vm, err := mem.VirtualMemory(); err == nil && vm.UsedPercent > resourceWarnPercent {
		slog.Warn("high memory usage detected", "used_percent", vm.UsedPercent)
	}
	if du, err := disk.Usage("/"); err == nil && du.UsedPercent > resourceWarnPercent {
		slog.Warn("low disk space detected", "used_percent", du.UsedPercent)
	}
}
