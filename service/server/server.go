package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/brojonat/walletscope/service/config"
	"github.com/brojonat/walletscope/service/lookup"
	"github.com/brojonat/walletscope/service/metrics"
	"github.com/brojonat/walletscope/service/temporal"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server represents the HTTP server for wallet lookups.
type Server struct {
	addr      string
	cfg       *config.Config
	registry  *lookup.Registry
	scheduler temporal.Scheduler
	feed      *SnapshotFeed
	metrics   *metrics.Metrics
	logger    *slog.Logger
	server    *http.Server
}

// New creates a new HTTP server with the given dependencies.
// The scheduler is optional; without it the schedule endpoints are not mounted.
// The metrics is optional; without it /metrics is not mounted.
func New(addr string, cfg *config.Config, registry *lookup.Registry, scheduler temporal.Scheduler, m *metrics.Metrics, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		addr:      addr,
		cfg:       cfg,
		registry:  registry,
		scheduler: scheduler,
		metrics:   m,
		logger:    logger,
	}
}

// WithSnapshotFeed mounts the JetStream-backed snapshot event stream.
func (s *Server) WithSnapshotFeed(feed *SnapshotFeed) *Server {
	s.feed = feed
	return s
}

// Handler builds the routed, instrumented handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	route := func(pattern, name string, h http.Handler) {
		mux.Handle(pattern, metrics.HTTPMetricsMiddleware(s.metrics, name)(h))
	}

	route("GET /api/v1/wallets/{address}", "/api/v1/wallets", handleLookup(s.registry, s.cfg, s.logger))
	route("GET /api/v1/wallets/{address}/stream", "/api/v1/wallets/stream", handleLookupStream(s.registry, s.cfg, s.logger))
	route("GET /api/v1/session", "/api/v1/session", handleSessionView(s.registry))
	route("DELETE /api/v1/session", "/api/v1/session", handleSessionCancel(s.registry, s.logger))

	if s.scheduler != nil {
		route("POST /api/v1/schedules", "/api/v1/schedules", handleCreateSchedule(s.scheduler, s.cfg, s.logger))
		route("DELETE /api/v1/schedules/{address}", "/api/v1/schedules", handleDeleteSchedule(s.scheduler, s.cfg, s.logger))
	} else {
		s.logger.Warn("scheduler not configured, schedule endpoints disabled")
	}

	if s.feed != nil {
		route("GET /api/v1/events", "/api/v1/events", handleSnapshotFeed(s.feed, s.logger))
		route("GET /api/v1/events/{address}", "/api/v1/events", handleSnapshotFeed(s.feed, s.logger))
	}

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	if s.metrics != nil {
		mux.Handle("GET /metrics", promhttp.Handler())
	}

	return corsMiddleware(mux)
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		// Lookups and event streams run as long as their request context.
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("starting HTTP server", "addr", s.addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server failed: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")

	// Closing the feed first ends open event streams.
	if s.feed != nil {
		s.feed.Close()
	}
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// corsMiddleware adds CORS headers to all responses and handles OPTIONS preflight requests.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, "+ClientIDHeader)
		w.Header().Set("Access-Control-Max-Age", "3600")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
