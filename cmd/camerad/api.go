package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/wachiwi/printcam/pkg/config"
	"github.com/wachiwi/printcam/pkg/service"
)

// apiServer is the optional HTTP control surface: session status, manual
// capture and explicit session end.
type apiServer struct {
	srv *http.Server
}

func newAPIServer(cfg *config.Config, svc *service.Service) *apiServer {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.SetTrustedProxies([]string{"127.0.0.1"})

	api := router.Group("/api")
	if cfg.API.User != "" && cfg.API.Password != "" {
		api.Use(gin.BasicAuth(gin.Accounts{cfg.API.User: cfg.API.Password}))
	}

	api.GET("/status", func(c *gin.Context) {
		c.JSON(http.StatusOK, svc.SessionStatus())
	})

	api.POST("/capture", func(c *gin.Context) {
		svc.TriggerManual()
		c.JSON(http.StatusOK, svc.SessionStatus())
	})

	api.POST("/session/end", func(c *gin.Context) {
		if err := svc.EndSession(); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"ended": true})
	})

	return &apiServer{
		srv: &http.Server{
			Addr:    cfg.API.Listen,
			Handler: router,
		},
	}
}

func (a *apiServer) run() {
	slog.Info("control API listening", "addr", a.srv.Addr)
	if err := a.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("control API server failed", "error", err)
	}
}

func (a *apiServer) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.srv.Shutdown(ctx); err != nil {
		slog.Warn("control API shutdown failed", "error", err)
	}
}
