package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/brojonat/fundsplit/service/app"
	"github.com/brojonat/fundsplit/service/config"
	"github.com/brojonat/fundsplit/service/metrics"
	natspkg "github.com/brojonat/fundsplit/service/nats"
	"github.com/brojonat/fundsplit/service/server"
	"github.com/brojonat/fundsplit/service/temporal"
)

func main() {
	// Load and validate configuration from environment
	// This fails fast if any required config is missing or invalid
	cfg := config.MustLoad()

	// Setup structured logging
	logger := setupLogger(cfg.LogLevel)
	logger.Info("starting server",
		"addr", cfg.ServerAddr,
		"log_level", cfg.LogLevel,
	)

	// Setup context with cancellation for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize Prometheus metrics collector
	metricsCollector := metrics.NewMetrics(nil) // nil uses default registry

	// Initialize Temporal client; it tracks receipts for "confirming" reports
	temporalClient, err := temporal.NewClient(
		cfg.TemporalHost,
		cfg.TemporalNamespace,
		cfg.TemporalTaskQueue,
		logger,
	)
	if err != nil {
		logger.Error("failed to create temporal client", "error", err)
		os.Exit(1)
	}
	defer temporalClient.Close()
	temporalClient.SetReceiptPolling(cfg.ReceiptPollInterval, cfg.ReceiptTimeout)
	logger.Info("connected to temporal",
		"host", cfg.TemporalHost,
		"namespace", cfg.TemporalNamespace,
	)

	engine, err := app.Build(ctx, cfg, app.Options{Tracker: temporalClient, Migrate: true}, metricsCollector, logger)
	if err != nil {
		logger.Error("failed to initialize funding engine", "error", err)
		os.Exit(1)
	}
	defer engine.Close()

	// Initialize NATS subscriber for SSE streaming
	natsSubscriber, err := natspkg.NewSubscriber(cfg.NATSURL, logger)
	if err != nil {
		logger.Error("failed to create NATS subscriber", "error", err)
		os.Exit(1)
	}
	defer natsSubscriber.Close()

	// Initialize HTTP server
	httpServer := server.New(
		cfg.ServerAddr,
		engine.Orchestrator,
		engine.Sessions,
		engine.Store,
		server.NewNATSEvents(natsSubscriber),
		metricsCollector,
		logger,
	)

	logger.Info("server initialized, all dependencies ready",
		"nats_url", cfg.NATSURL,
		"temporal_host", cfg.TemporalHost,
		"redis_enabled", cfg.RedisURL != "",
	)

	// Start HTTP server in background
	serverErrors := make(chan error, 1)
	go func() {
		serverErrors <- httpServer.Start()
	}()

	// Wait for shutdown signal or server error
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		logger.Error("server error", "error", err)
		os.Exit(1)
	case sig := <-shutdown:
		logger.Info("shutdown signal received", "signal", sig.String())

		// Graceful shutdown with timeout
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown server gracefully", "error", err)
			os.Exit(1)
		}

		logger.Info("server shutdown complete")
	}
}

// setupLogger creates a structured logger with the given log level.
func setupLogger(levelStr string) *slog.Logger {
	var level slog.Level
	switch levelStr {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
