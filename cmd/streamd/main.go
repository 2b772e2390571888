package main

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"github.com/wachiwi/printcam/pkg/logger"
	"github.com/wachiwi/printcam/pkg/mjpeg"
)

//go:embed templates/*
var templateFS embed.FS

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
		slog.Warn("ignoring invalid env value", "key", key, "value", v)
	}
	return fallback
}

// viewerHandler renders the embedded viewer page. html/template escapes the
// request-derived stream URL, so a hostile Host header cannot inject markup.
func viewerHandler(opts mjpeg.Options) gin.HandlerFunc {
	viewer := template.Must(template.ParseFS(templateFS, "templates/index.html"))
	return func(c *gin.Context) {
		data := gin.H{
			"Width":     opts.Width,
			"Height":    opts.Height,
			"FPS":       opts.FPS,
			"StreamURL": fmt.Sprintf("http://%s/stream", c.Request.Host),
		}
		c.Header("Content-Type", "text/html; charset=utf-8")
		if err := viewer.Execute(c.Writer, data); err != nil {
			slog.Error("failed to render viewer page", "error", err)
		}
	}
}

func main() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		slog.Warn("failed to load .env file", "error", err)
	}
	logger.Setup(os.Getenv("STREAM_LOG_LEVEL"))

	opts := mjpeg.Options{
		Width:   envInt("STREAM_WIDTH", 1280),
		Height:  envInt("STREAM_HEIGHT", 720),
		FPS:     envInt("STREAM_FPS", 15),
		Quality: envInt("STREAM_QUALITY", 80),
	}
	port := envInt("STREAM_PORT", 8080)

	tool, err := mjpeg.DetectTool()
	if err != nil {
		logger.Fatal("no camera tool found", "error", err)
	}
	source := mjpeg.NewSource(tool, opts)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	sourceDone := make(chan struct{})
	go func() {
		defer close(sourceDone)
		if err := source.Run(ctx); err != nil {
			slog.Error("camera source terminated", "error", err)
			cancel()
		}
	}()

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.SetTrustedProxies([]string{"127.0.0.1"})

	router.GET("/", viewerHandler(opts))
	router.GET("/stream", mjpeg.StreamHandler(source))

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: router,
	}
	go func() {
		slog.Info("camera stream server listening", "port", port,
			"resolution", fmt.Sprintf("%dx%d", opts.Width, opts.Height), "fps", opts.FPS)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("stream server failed", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("stream server shutdown failed", "error", err)
	}
	<-sourceDone
	slog.Info("stream server stopped")
}
