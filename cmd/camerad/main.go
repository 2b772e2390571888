package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/wachiwi/printcam/pkg/capture"
	"github.com/wachiwi/printcam/pkg/config"
	"github.com/wachiwi/printcam/pkg/logger"
	"github.com/wachiwi/printcam/pkg/service"
	"github.com/wachiwi/printcam/pkg/session"
	"github.com/wachiwi/printcam/pkg/telemetry"
	"github.com/wachiwi/printcam/pkg/trigger"
	"github.com/wachiwi/printcam/pkg/uploader"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfgPath string

	root := &cobra.Command{
		Use:          "camerad",
		Short:        "Print timelapse capture daemon",
		Long:         "camerad captures stills from the printer camera on layer triggers or time intervals, groups them into print sessions and uploads snapshots to Prusa Connect.",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", "/etc/printcam/config.yaml", "path to config file")

	root.AddCommand(newServeCmd(&cfgPath))
	root.AddCommand(newCompileCmd(&cfgPath))
	return root
}

func newServeCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the capture service",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(*cfgPath)
		},
	}
}

func runServe(cfgPath string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		// The only fatal error class: a service without valid
		// configuration must not start.
		return fmt.Errorf("load config: %w", err)
	}
	logger.Setup(cfg.Logging.Level)
	slog.Info("configuration loaded", "path", cfgPath)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if cfg.Telemetry.Enabled {
		shutdown, err := telemetry.Setup(ctx, cfg.Telemetry.ServiceName, cfg.Telemetry.Endpoint)
		if err != nil {
			slog.Warn("telemetry setup failed, continuing without export", "error", err)
		} else {
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := shutdown(shutdownCtx); err != nil {
					slog.Warn("telemetry shutdown failed", "error", err)
				}
			}()
		}
	}

	tool, err := capture.DetectTool()
	if err != nil {
		return err
	}
	invoker := capture.NewInvoker(tool, capture.Settings{
		Resolution:   cfg.Camera.Resolution,
		Quality:      cfg.Camera.Quality,
		Rotation:     cfg.Camera.Rotation,
		HFlip:        cfg.Camera.HFlip,
		VFlip:        cfg.Camera.VFlip,
		ISO:          cfg.Camera.ISO,
		ShutterSpeed: cfg.Camera.ShutterSpeed,
		AWBMode:      cfg.Camera.AWBMode,
	}, cfg.CaptureTimeout())

	invoker.Warmup(ctx, cfg.Advanced.WarmupCaptures)

	var up service.Uploader
	if cfg.PrusaConnect.Enabled && cfg.PrusaConnect.Token != "" {
		up = uploader.NewClient(
			cfg.PrusaConnect.URL,
			cfg.PrusaConnect.Token,
			cfg.PrusaConnect.PrinterFingerprint,
			cfg.UploadInterval(),
		)
	} else {
		slog.Info("Prusa Connect upload disabled")
	}

	sessions := session.NewCoordinator(cfg.Storage.BaseDir, cfg.Storage.OrganizeByDate, cfg)

	// Hardware watcher failures degrade the service to interval captures
	// instead of aborting startup.
	var events <-chan trigger.Event
	watcher, err := trigger.NewWatcher(trigger.WatcherConfig{
		Chip:     cfg.GPIO.Chip,
		Pin:      cfg.GPIO.TriggerPin,
		Pull:     cfg.GPIO.TriggerPull,
		Edge:     cfg.GPIO.TriggerEdge,
		Debounce: cfg.Debounce(),
	})
	if err != nil {
		slog.Warn("failed to setup GPIO, layer-based capture will not be available", "error", err)
	} else {
		defer watcher.Close()
		events = watcher.Events()
	}

	svc := service.New(cfg, sessions, invoker, up, events)
	if err := svc.Start(); err != nil {
		return err
	}

	var api *apiServer
	if cfg.API.Listen != "" {
		api = newAPIServer(cfg, svc)
		go api.run()
	}

	<-ctx.Done()

	svc.Stop()
	if api != nil {
		api.shutdown()
	}
	return nil
}

func newCompileCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "compile",
		Short: "Finalize the latest session and launch the compile script",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCompile(*cfgPath)
		},
	}
}

func runCompile(cfgPath string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger.Setup(cfg.Logging.Level)

	dir, err := session.LatestDir(cfg.Storage.BaseDir)
	if err != nil {
		return err
	}
	meta, err := session.FinalizeDir(dir, time.Now())
	if err != nil {
		return fmt.Errorf("finalize session: %w", err)
	}
	slog.Info("session finalized", "dir", dir, "total_images", meta.TotalImages)

	if cfg.Advanced.CompileScript == "" {
		slog.Info("no compile script configured, nothing to launch")
		return nil
	}

	// Launch detached; encoding happens outside this process.
	script := exec.Command(cfg.Advanced.CompileScript, dir)
	if err := script.Start(); err != nil {
		return fmt.Errorf("launch compile script: %w", err)
	}
	slog.Info("compile script launched", "script", cfg.Advanced.CompileScript, "pid", script.Process.Pid)
	return script.Process.Release()
}
