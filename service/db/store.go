package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// schema is applied by EnsureSchema. Payloads are the cache's JSON encoding.
const schema = `
CREATE TABLE IF NOT EXISTS wallet_cache (
    key        TEXT PRIMARY KEY,
    payload    JSONB NOT NULL,
    expires_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS wallet_cache_expires_at_idx ON wallet_cache (expires_at);
`

// Store persists wallet cache payloads in Postgres. It satisfies cache.Store.
type Store struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewStore creates a new Store with the given database connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{
		pool: pool,
		now:  time.Now,
	}
}

// Connect opens a pool for databaseURL and verifies it.
func Connect(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return pool, nil
}

// EnsureSchema creates the cache table if it does not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to create wallet_cache schema: %w", err)
	}
	return nil
}

// Get returns the payload for key. A row past its expiry is deleted and
// reported as missing.
func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var (
		payload   []byte
		expiresAt time.Time
	)
	err := s.pool.QueryRow(ctx,
		`SELECT payload, expires_at FROM wallet_cache WHERE key = $1`,
		key,
	).Scan(&payload, &expiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get cache entry: %w", err)
	}

	now := s.now()
	if expiresAt.After(now) {
		return payload, true, nil
	}
	// The expiry guard keeps a concurrent Set from being deleted.
	if _, err := s.pool.Exec(ctx,
		`DELETE FROM wallet_cache WHERE key = $1 AND expires_at <= $2`,
		key, now,
	); err != nil {
		return nil, false, fmt.Errorf("failed to delete expired cache entry: %w", err)
	}
	return nil, false, nil
}

// Set upserts the payload for key.
func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	now := s.now()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO wallet_cache (key, payload, expires_at, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (key) DO UPDATE
		SET payload = EXCLUDED.payload,
		    expires_at = EXCLUDED.expires_at,
		    updated_at = EXCLUDED.updated_at`,
		key, string(value), now.Add(ttl), now,
	)
	if err != nil {
		return fmt.Errorf("failed to set cache entry: %w", err)
	}
	return nil
}

// Delete removes the payload for key. Deleting a missing key is not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM wallet_cache WHERE key = $1`, key); err != nil {
		return fmt.Errorf("failed to delete cache entry: %w", err)
	}
	return nil
}

// PurgeExpired deletes rows whose expiry has passed and returns how many
// were removed.
func (s *Store) PurgeExpired(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM wallet_cache WHERE expires_at <= $1`, s.now())
	if err != nil {
		return 0, fmt.Errorf("failed to purge expired cache entries: %w", err)
	}
	return tag.RowsAffected(), nil
}
