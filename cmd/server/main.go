// backend-go/cmd/server/main.go
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/andresuchdata/webhook-vault/backend-go/internal/api"
	"github.com/andresuchdata/webhook-vault/backend-go/internal/api/handlers"
	"github.com/andresuchdata/webhook-vault/backend-go/internal/app"
	"github.com/andresuchdata/webhook-vault/backend-go/internal/config"
	"github.com/andresuchdata/webhook-vault/backend-go/internal/syncrun"
	"github.com/andresuchdata/webhook-vault/backend-go/pkg/logger"
)

func main() {
	// Load configuration
	cfg := config.Load()

	// Initialize logger
	logFile, err := logger.Setup(logger.Options{Level: cfg.Log.Level, File: cfg.Log.File, Pretty: cfg.Log.Pretty})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open log file: %v\n", err)
		os.Exit(1)
	}
	defer logFile.Close()

	if cfg.Server.Mode == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	// Initialize components
	a, err := app.New(ctx, cfg)
	if err != nil {
		logger.Log.Fatal().Err(err).Msg("Failed to initialize application")
	}
	defer a.Close()

	caps := a.Capabilities
	logger.Log.Info().
		Str("remote_backend", cfg.Remote.Backend).
		Bool("remote_primary", caps.RemotePrimary).
		Bool("auto_backup", caps.AutoBackup).
		Bool("scheduler", caps.Scheduler).
		Str("data_dir", cfg.App.DataDir).
		Msg("Configuration loaded")

	services := &api.Services{
		Ingester:     a.Ingest,
		Store:        a.Store,
		SyncDefaults: handlers.SyncDefaults{Direction: cfg.Sync.DefaultDirection, Verify: cfg.Sync.Verify},
		Backend:      cfg.Remote.Backend,
		Capabilities: caps,
	}
	if a.Coordinator != nil {
		services.Sync = a.Coordinator
	}

	// Start scheduled reconciliation
	if caps.Scheduler && a.Coordinator != nil {
		scheduler := syncrun.NewScheduler(a.Coordinator, cfg.Sync.ScheduleInterval, syncrun.RunRequest{
			Direction: cfg.Sync.DefaultDirection,
			Verify:    cfg.Sync.Verify,
		})
		go scheduler.Start(ctx)
		logger.Log.Info().Dur("interval", cfg.Sync.ScheduleInterval).Msg("Sync scheduler started")
	}

	// Initialize HTTP server
	router := api.NewRouter(services, cfg.Server.AllowedOrigins)
	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	// Start server in a goroutine
	go func() {
		logger.Log.Info().Str("port", cfg.Server.Port).Msg("Starting server")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	// Wait for interrupt signal to gracefully shut down the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Log.Info().Msg("Shutting down server...")
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Log.Error().Err(err).Msg("Server forced to shutdown")
	}

	// Let a background sync release its lock before exiting
	if a.Coordinator != nil {
		a.Coordinator.Wait()
	}

	logger.Log.Info().Msg("Server exiting")
}
