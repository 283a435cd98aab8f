package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"splat-pipeline/internal/config"
	"splat-pipeline/internal/diagnostics"
	"splat-pipeline/internal/domain"
	"splat-pipeline/internal/logger"
	"splat-pipeline/internal/pipeline"
	"splat-pipeline/internal/procs"
	"splat-pipeline/internal/projects"
	"splat-pipeline/internal/realtime"
	"splat-pipeline/internal/runner"
	"splat-pipeline/internal/server"
	"splat-pipeline/internal/video"
)

const shutdownTimeout = 15 * time.Second

func main() {
	logMode := os.Getenv("LOG_MODE")
	if logMode == "" {
		logMode = "development"
	}
	log, err := logger.New(logMode)
	if err != nil {
		fmt.Printf("Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	settingsPath := os.Getenv("SPLAT_SETTINGS_FILE")
	if settingsPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			home = "."
		}
		settingsPath = filepath.Join(home, ".splat-pipeline", "settings.json")
	}

	settingsStore := config.NewJSONStore(settingsPath)
	settings, err := settingsStore.Load()
	if err != nil {
		log.Error("Failed to load settings", "path", settingsPath, "error", err)
		os.Exit(1)
	}
	settings = config.ApplyEnvOverrides(settings)
	if err := settings.EnsureDirectories(); err != nil {
		log.Error("Failed to create data directories", "dataDir", settings.DataDir, "error", err)
		os.Exit(1)
	}

	checker := diagnostics.NewChecker()
	report := checker.Run(settings)
	for _, item := range report.Items {
		switch item.Status {
		case domain.DiagnosticStatusFail:
			log.Error("Startup check failed", "check", item.Name, "message", item.Message, "hint", item.Hint)
		case domain.DiagnosticStatusWarn:
			log.Warn("Startup check degraded", "check", item.Name, "message", item.Message, "hint", item.Hint)
		default:
			log.Info("Startup check", "check", item.Name, "message", item.Message)
		}
	}

	store := projects.NewStore(settings.ProjectsDBFile(), settings.LogsDir(), settings.MaxLogTail, log)
	store.Load()

	hub := realtime.NewHub(log)
	store.SetNotifier(hub)

	registry := procs.NewRegistry()
	cmdRunner := runner.New(registry, store, log, settings.LibTorchLibDir)
	extractor := video.NewExtractor(cmdRunner, settings.FFmpegPath, settings.FFprobePath)
	scheduler := pipeline.NewScheduler(store, registry, cmdRunner, extractor, settings, log)

	handlers := server.NewHandlers(store, scheduler, checker, settings, log)
	router := server.NewRouter(handlers, hub, settings.AllowedOrigins)

	addr := fmt.Sprintf("%s:%d", settings.Host, settings.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: router,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Info("Server listening", "addr", addr, "dataDir", settings.DataDir)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("Server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("HTTP shutdown", "error", err)
	}

	scheduler.Wait()
	store.Save()
	log.Info("Shutdown complete")
}
