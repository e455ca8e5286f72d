// Package cache keeps recent wallet snapshots so repeated lookups within the
// TTL skip the network. Entries are JSON payloads held by a pluggable Store.
package cache

import (
	"context"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/brojonat/walletscope/service/inference"
	"github.com/brojonat/walletscope/service/metrics"
	"github.com/brojonat/walletscope/service/solana"
	"github.com/shopspring/decimal"
)

// TTL is how long an entry may be served after it was written.
const TTL = 5 * time.Minute

// keySep is the ASCII unit separator. It cannot appear in a URL or a base58
// address, so distinct (wallet, endpoint, limit) triples never collide.
const keySep = "\x1f"

const keyPrefix = "wallet-data"

// Store holds encoded entries by key. Get reports found=false for a missing
// key; an error means the backend itself failed.
type Store interface {
	Get(ctx context.Context, key string) (value []byte, found bool, err error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// Entry is a cached wallet snapshot.
type Entry struct {
	Wallet   string
	Endpoint string
	Limit    int
	CachedAt time.Time
	Balance  *decimal.Decimal
	Rows     []inference.Row
	Tokens   []solana.TokenBalance
}

// Key builds the store key for a lookup.
func Key(wallet, endpoint string, limit int) string {
	return strings.Join([]string{keyPrefix, wallet, endpoint, strconv.Itoa(limit)}, keySep)
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// WithTTL overrides the default TTL.
func WithTTL(ttl time.Duration) Option {
	return func(c *Cache) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// Cache validates and expires entries on top of a Store.
type Cache struct {
	store   Store
	ttl     time.Duration
	now     func() time.Time
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// New creates a Cache over store. metrics may be nil.
func New(store Store, m *metrics.Metrics, logger *slog.Logger, opts ...Option) *Cache {
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	c := &Cache{
		store:   store,
		ttl:     TTL,
		now:     time.Now,
		metrics: m,
		logger:  logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the entry for the lookup if it exists, decodes cleanly and is
// within the TTL. Expired and undecodable entries are deleted. Backend errors
// are logged and reported as a miss.
func (c *Cache) Get(ctx context.Context, wallet, endpoint string, limit int) (*Entry, bool) {
	key := Key(wallet, endpoint, limit)

	data, found, err := c.store.Get(ctx, key)
	if err != nil {
		c.logger.WarnContext(ctx, "cache read failed", "wallet", wallet, "error", err)
		c.metrics.RecordCacheLookup("error")
		return nil, false
	}
	if !found {
		c.metrics.RecordCacheLookup("miss")
		return nil, false
	}

	decoded := Decode(data)
	if decoded.Entry == nil {
		c.logger.WarnContext(ctx, "discarding invalid cache entry", "wallet", wallet, "reason", decoded.Reason)
		c.purge(ctx, key)
		c.metrics.RecordCacheLookup("invalid")
		return nil, false
	}

	if c.now().Sub(decoded.Entry.CachedAt) > c.ttl {
		c.purge(ctx, key)
		c.metrics.RecordCacheLookup("expired")
		return nil, false
	}

	if dropped := decoded.DroppedRows + decoded.DroppedTokens; dropped > 0 {
		c.logger.WarnContext(ctx, "cache entry had invalid records",
			"wallet", wallet,
			"dropped_rows", decoded.DroppedRows,
			"dropped_tokens", decoded.DroppedTokens,
		)
		c.metrics.RecordCacheDropped(dropped)
	}
	c.metrics.RecordCacheLookup("hit")
	return decoded.Entry, true
}

// Put overwrites the entry for the lookup, stamped with the current time.
func (c *Cache) Put(ctx context.Context, wallet, endpoint string, limit int, balance *decimal.Decimal, rows []inference.Row, tokens []solana.TokenBalance) error {
	entry := Entry{
		Wallet:   wallet,
		Endpoint: endpoint,
		Limit:    limit,
		CachedAt: c.now().UTC(),
		Balance:  balance,
		Rows:     rows,
		Tokens:   tokens,
	}
	data, err := Encode(entry)
	if err != nil {
		c.metrics.RecordCacheWrite(err)
		return err
	}
	err = c.store.Set(ctx, Key(wallet, endpoint, limit), data, c.ttl)
	c.metrics.RecordCacheWrite(err)
	return err
}

func (c *Cache) purge(ctx context.Context, key string) {
	if err := c.store.Delete(ctx, key); err != nil {
		c.logger.WarnContext(ctx, "cache delete failed", "error", err)
	}
}
