// Package app assembles the lookup service from configuration. The server,
// the worker and the CLI share it so they read and write the same cache.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/brojonat/walletscope/service/cache"
	"github.com/brojonat/walletscope/service/config"
	"github.com/brojonat/walletscope/service/db"
	"github.com/brojonat/walletscope/service/lookup"
	"github.com/brojonat/walletscope/service/metrics"
	natspkg "github.com/brojonat/walletscope/service/nats"
	"github.com/brojonat/walletscope/service/solana"
)

// PurgeInterval is how often expired Postgres cache rows are deleted.
const PurgeInterval = cache.TTL

// App is a wired lookup service and the connections behind it.
type App struct {
	Service *lookup.Service
	// Postgres is set when the cache lives in Postgres.
	Postgres *db.Store
	// Publisher is set when NATS_URL is configured.
	Publisher natspkg.Publisher

	closers []func()
	logger  *slog.Logger
}

// Options tune Build.
type Options struct {
	// Publish enables snapshot events when NATS is configured. The CLI
	// leaves it off.
	Publish bool
}

// Build connects the configured cache backend and optional NATS publisher
// and returns the lookup service on top of them. Close releases everything.
func Build(ctx context.Context, cfg *config.Config, m *metrics.Metrics, logger *slog.Logger, opts Options) (*App, error) {
	a := &App{logger: logger}

	store, err := a.openStore(ctx, cfg)
	if err != nil {
		a.Close()
		return nil, err
	}

	var publisher lookup.Publisher
	if opts.Publish && cfg.NATSURL != "" {
		p, err := natspkg.NewPublisher(cfg.NATSURL, m, logger)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to create NATS publisher: %w", err)
		}
		a.Publisher = p
		publisher = p
		a.closers = append(a.closers, func() { p.Close() })
		logger.Info("connected to NATS", "url", cfg.NATSURL)
	}

	rpc := solana.NewClient(&http.Client{Timeout: cfg.RPCTimeout}, m, logger)
	a.Service = lookup.NewService(rpc, cache.New(store, m, logger), publisher, m, logger)
	return a, nil
}

func (a *App) openStore(ctx context.Context, cfg *config.Config) (cache.Store, error) {
	switch cfg.CacheBackend {
	case config.CacheRedis:
		rs, err := cache.NewRedisStore(ctx, cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		a.closers = append(a.closers, func() { rs.Close() })
		a.logger.Info("using redis cache")
		return rs, nil

	case config.CachePostgres:
		pool, err := db.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, pool.Close)
		store := db.NewStore(pool)
		if err := store.EnsureSchema(ctx); err != nil {
			return nil, err
		}
		a.Postgres = store
		a.logger.Info("using postgres cache")
		return store, nil

	case config.CacheMemory:
		ms, err := cache.NewMemoryStore(cfg.CacheMaxEntries)
		if err != nil {
			return nil, err
		}
		a.logger.Info("using in-memory cache", "max_entries", cfg.CacheMaxEntries)
		return ms, nil
	}
	return nil, fmt.Errorf("unknown cache backend %q", cfg.CacheBackend)
}

// PurgeExpired deletes expired Postgres rows every interval until ctx is
// done. It returns immediately for other backends, which expire on their own.
func (a *App) PurgeExpired(ctx context.Context, interval time.Duration) {
	if a.Postgres == nil {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := a.Postgres.PurgeExpired(ctx)
			if err != nil {
				a.logger.Warn("failed to purge expired cache rows", "error", err)
				continue
			}
			if n > 0 {
				a.logger.Debug("purged expired cache rows", "count", n)
			}
		}
	}
}

// Close releases connections in reverse order of creation.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
