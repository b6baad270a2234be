package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/brojonat/txlens/service/app"
	"github.com/brojonat/txlens/service/config"
	"github.com/brojonat/txlens/service/metrics"
	"github.com/brojonat/txlens/service/server"
	"github.com/brojonat/txlens/service/temporal"
)

func main() {
	// Load and validate configuration from environment
	// This fails fast if any required config is missing or invalid
	cfg := config.MustLoad()

	// Setup structured logging
	logger := setupLogger(cfg.LogLevel)
	logger.Info("starting server",
		"addr", cfg.ServerAddr,
		"cache_backend", cfg.CacheBackend,
		"log_level", cfg.LogLevel,
	)

	// Setup context with cancellation for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metricsCollector := metrics.NewMetrics(nil) // nil uses default registry

	// Connect the cache backend and load both caches
	resolvers, err := app.Build(ctx, cfg, metricsCollector, logger)
	if err != nil {
		logger.Error("failed to initialize resolvers", "error", err)
		os.Exit(1)
	}

	// Sessions are optional; the lookup routes work without Temporal
	var sessions temporal.Sessions
	temporalClient, err := temporal.NewClient(cfg.TemporalHost, cfg.TemporalNamespace, cfg.TemporalTaskQueue, logger)
	if err != nil {
		logger.Warn("temporal unavailable, session routes disabled",
			"temporal_host", cfg.TemporalHost,
			"error", err,
		)
	} else {
		defer temporalClient.Close()
		sessions = temporalClient
	}

	httpServer := server.New(cfg.ServerAddr, server.Deps{
		Prices:      resolvers.Prices,
		FixedPrices: resolvers.FixedPrices,
		Names:       resolvers.Names,
		Fetcher:     resolvers.Fetcher,
		Sessions:    sessions,
	}, metricsCollector, logger)

	logger.Info("server initialized, all dependencies ready",
		"sessions", sessions != nil,
		"temporal_host", cfg.TemporalHost,
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
		flush(resolvers, logger)
		os.Exit(1)
	case sig := <-shutdown:
		logger.Info("shutdown signal received", "signal", sig.String())

		// Graceful shutdown with timeout
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown server gracefully", "error", err)
		}
		if err := resolvers.Close(shutdownCtx); err != nil {
			os.Exit(1)
		}

		logger.Info("server shutdown complete")
	}
}

// flush writes pending cache entries before an abnormal exit.
func flush(resolvers *app.App, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := resolvers.Close(ctx); err != nil {
		logger.Error("failed to flush caches", "error", err)
	}
}

// setupLogger creates a structured logger with the given log level.
func setupLogger(levelStr string) *slog.Logger {
	var level slog.Level
	switch levelStr {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}
