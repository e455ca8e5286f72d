package config

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/brojonat/walletscope/service/solana"
	"github.com/joho/godotenv"
)

// Cache backends.
const (
	CacheMemory   = "memory"
	CacheRedis    = "redis"
	CachePostgres = "postgres"
)

// Config holds all application configuration loaded from environment variables.
// All required fields are validated at startup to ensure fail-fast behavior.
type Config struct {
	// Server configuration
	ServerAddr string
	LogLevel   string

	// Solana RPC configuration. SolanaRPCURL is the endpoint used when a
	// request does not name one.
	SolanaRPCURL string
	RPCTimeout   time.Duration

	// Lookup defaults and the values clients may choose from.
	DefaultLimit       int
	DefaultConcurrency int
	AllowedLimits      []int
	AllowedConcurrency []int

	// Cache configuration
	CacheBackend    string
	CacheMaxEntries int
	RedisURL        string
	DatabaseURL     string

	// NATS configuration. Empty disables snapshot events.
	NATSURL string

	// Temporal configuration
	TemporalHost      string
	TemporalNamespace string
	TemporalTaskQueue string
}

// Load reads configuration from the environment, after loading an optional
// .env file, and validates it. Every problem found is reported at once.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	var errs []error

	cfg.ServerAddr = getEnvOrDefault("SERVER_ADDR", ":8080")
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")

	cfg.SolanaRPCURL = getEnvOrDefault("SOLANA_RPC_URL", "https://api.mainnet-beta.solana.com")

	timeout, err := parseDuration("RPC_TIMEOUT", "15s")
	if err != nil {
		errs = append(errs, err)
	}
	cfg.RPCTimeout = timeout

	if cfg.DefaultLimit, err = parseInt("DEFAULT_LIMIT", 20); err != nil {
		errs = append(errs, err)
	}
	if cfg.DefaultConcurrency, err = parseInt("DEFAULT_CONCURRENCY", 3); err != nil {
		errs = append(errs, err)
	}
	if cfg.AllowedLimits, err = parseIntList("ALLOWED_LIMITS", "20,50"); err != nil {
		errs = append(errs, err)
	}
	if cfg.AllowedConcurrency, err = parseIntList("ALLOWED_CONCURRENCY", "3,5"); err != nil {
		errs = append(errs, err)
	}

	cfg.CacheBackend = strings.ToLower(getEnvOrDefault("CACHE_BACKEND", CacheMemory))
	if cfg.CacheMaxEntries, err = parseInt("CACHE_MAX_ENTRIES", 512); err != nil {
		errs = append(errs, err)
	}
	cfg.RedisURL = os.Getenv("REDIS_URL")
	cfg.DatabaseURL = os.Getenv("DATABASE_URL")

	cfg.NATSURL = os.Getenv("NATS_URL")

	cfg.TemporalHost = getEnvOrDefault("TEMPORAL_HOST", "localhost:7233")
	cfg.TemporalNamespace = getEnvOrDefault("TEMPORAL_NAMESPACE", "default")
	cfg.TemporalTaskQueue = getEnvOrDefault("TEMPORAL_TASK_QUEUE", "walletscope-refresh")

	if len(errs) == 0 {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		return cfg, nil
	}
	return nil, fmt.Errorf("configuration validation failed: %w", errors.Join(errs...))
}

// MustLoad is like Load but panics if configuration is invalid.
// Useful for server initialization where misconfiguration should halt startup.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load configuration: %v", err))
	}
	return cfg
}

// Validate checks if the configuration is valid.
// This is useful for testing configuration without loading from env.
func (c *Config) Validate() error {
	var errs []error

	if err := solana.ValidateEndpoint(c.SolanaRPCURL); err != nil {
		errs = append(errs, fmt.Errorf("SOLANA_RPC_URL: %w", err))
	}
	if c.RPCTimeout <= 0 {
		errs = append(errs, fmt.Errorf("RPC_TIMEOUT must be positive"))
	}

	if len(c.AllowedLimits) == 0 {
		errs = append(errs, fmt.Errorf("ALLOWED_LIMITS must not be empty"))
	}
	if len(c.AllowedConcurrency) == 0 {
		errs = append(errs, fmt.Errorf("ALLOWED_CONCURRENCY must not be empty"))
	}
	for _, n := range c.AllowedLimits {
		if n < 1 {
			errs = append(errs, fmt.Errorf("ALLOWED_LIMITS values must be positive, got %d", n))
		}
	}
	for _, n := range c.AllowedConcurrency {
		if n < 1 {
			errs = append(errs, fmt.Errorf("ALLOWED_CONCURRENCY values must be positive, got %d", n))
		}
	}
	if !c.AllowsLimit(c.DefaultLimit) {
		errs = append(errs, fmt.Errorf("DEFAULT_LIMIT (%d) is not one of ALLOWED_LIMITS %v", c.DefaultLimit, c.AllowedLimits))
	}
	if !c.AllowsConcurrency(c.DefaultConcurrency) {
		errs = append(errs, fmt.Errorf("DEFAULT_CONCURRENCY (%d) is not one of ALLOWED_CONCURRENCY %v", c.DefaultConcurrency, c.AllowedConcurrency))
	}

	switch c.CacheBackend {
	case CacheMemory:
		if c.CacheMaxEntries < 1 {
			errs = append(errs, fmt.Errorf("CACHE_MAX_ENTRIES must be positive"))
		}
	case CacheRedis:
		if c.RedisURL == "" {
			errs = append(errs, fmt.Errorf("REDIS_URL is required when CACHE_BACKEND=redis"))
		}
	case CachePostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, fmt.Errorf("DATABASE_URL is required when CACHE_BACKEND=postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("CACHE_BACKEND must be one of memory, redis, postgres; got %q", c.CacheBackend))
	}

	if c.TemporalHost == "" {
		errs = append(errs, fmt.Errorf("TEMPORAL_HOST is required"))
	}
	if c.TemporalNamespace == "" {
		errs = append(errs, fmt.Errorf("TEMPORAL_NAMESPACE is required"))
	}
	if c.TemporalTaskQueue == "" {
		errs = append(errs, fmt.Errorf("TEMPORAL_TASK_QUEUE is required"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %w", errors.Join(errs...))
	}
	return nil
}

// ValidateWorker checks settings the refresh worker needs on top of Validate.
// A memory cache is local to the worker process, so refreshes would never
// reach the server that reads the cache.
func (c *Config) ValidateWorker() error {
	if c.CacheBackend == CacheMemory {
		return fmt.Errorf("CACHE_BACKEND=memory is not shared with the server; the refresh worker needs redis or postgres")
	}
	return nil
}

// AllowsLimit reports whether n is one of the allowed transaction limits.
func (c *Config) AllowsLimit(n int) bool {
	return slices.Contains(c.AllowedLimits, n)
}

// AllowsConcurrency reports whether n is one of the allowed concurrency bounds.
func (c *Config) AllowsConcurrency(n int) bool {
	return slices.Contains(c.AllowedConcurrency, n)
}

// getEnvOrDefault returns the environment variable value or a default if not set.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// parseDuration parses a duration from an environment variable or uses a default.
func parseDuration(key, defaultValue string) (time.Duration, error) {
	value := getEnvOrDefault(key, defaultValue)
	duration, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", key, value, err)
	}
	return duration, nil
}

// parseInt parses an integer from an environment variable or uses a default.
func parseInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	result, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid integer %q: %w", key, value, err)
	}
	return result, nil
}

// parseIntList parses a comma-separated list of integers.
func parseIntList(key, defaultValue string) ([]int, error) {
	value := getEnvOrDefault(key, defaultValue)
	var out []int
	for _, part := range strings.Split(value, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		n, err := strconv.Atoi(part)
		if err != nil {
			return nil, fmt.Errorf("%s: invalid integer %q: %w", key, part, err)
		}
		out = append(out, n)
	}
	return out, nil
}
