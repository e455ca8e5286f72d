package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/brojonat/walletscope/service/app"
	"github.com/brojonat/walletscope/service/config"
	"github.com/brojonat/walletscope/service/lookup"
	"github.com/brojonat/walletscope/service/metrics"
	"github.com/brojonat/walletscope/service/server"
	"github.com/brojonat/walletscope/service/temporal"
	"github.com/prometheus/client_golang/prometheus"
)

// maxClients bounds how many client ids keep a session in memory.
const maxClients = 1024

func main() {
	// Load and validate configuration from environment.
	// This fails fast if any required config is missing or invalid.
	cfg := config.MustLoad()

	logger := setupLogger(cfg.LogLevel)
	logger.Info("starting server",
		"addr", cfg.ServerAddr,
		"log_level", cfg.LogLevel,
		"cache_backend", cfg.CacheBackend,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := metrics.NewMetrics(prometheus.DefaultRegisterer)

	deps, err := app.Build(ctx, cfg, m, logger, app.Options{Publish: true})
	if err != nil {
		logger.Error("failed to initialize lookup service", "error", err)
		os.Exit(1)
	}
	defer deps.Close()
	go deps.PurgeExpired(ctx, app.PurgeInterval)

	registry, err := lookup.NewRegistry(deps.Service, m, maxClients)
	if err != nil {
		logger.Error("failed to create session registry", "error", err)
		os.Exit(1)
	}

	// Schedules are optional. Without Temporal the schedule routes are not mounted.
	var scheduler temporal.Scheduler
	temporalClient, err := temporal.NewClient(cfg.TemporalHost, cfg.TemporalNamespace, cfg.TemporalTaskQueue, logger)
	if err != nil {
		logger.Warn("temporal unavailable, schedule endpoints disabled", "error", err)
	} else {
		defer temporalClient.Close()
		scheduler = temporalClient
	}

	httpServer := server.New(cfg.ServerAddr, cfg, registry, scheduler, m, logger)

	if cfg.NATSURL != "" {
		feed, err := server.NewSnapshotFeed(cfg.NATSURL, logger)
		if err != nil {
			logger.Error("failed to connect snapshot feed", "error", err)
			os.Exit(1)
		}
		httpServer.WithSnapshotFeed(feed)
	}

	logger.Info("server initialized, all dependencies ready",
		"solana_rpc", cfg.SolanaRPCURL,
		"nats_enabled", cfg.NATSURL != "",
		"schedules_enabled", scheduler != nil,
	)

	serverErrors := make(chan error, 1)
	go func() {
		serverErrors <- httpServer.Start()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		logger.Error("server error", "error", err)
		os.Exit(1)
	case sig := <-shutdown:
		logger.Info("shutdown signal received", "signal", sig.String())

		// Running lookups see their request contexts cancelled.
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
