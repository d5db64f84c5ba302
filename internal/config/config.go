// Package config loads marketcache settings from YAML and the environment.
//
// A Config starts from New() defaults. Load merges the fields set in the
// config file over them and then applies MARKETCACHE_* environment
// overrides.
package config

import (
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/rshade/marketcache/internal/engine/batch"
	"github.com/rshade/marketcache/internal/engine/cache"
	"github.com/rshade/marketcache/internal/engine/fetch"
)

// Store backends.
const (
	BackendMemory   = "memory"
	BackendFile     = "file"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

// Environment variables read by Load.
const (
	EnvHome              = "MARKETCACHE_HOME"
	EnvStaleGraceSeconds = "MARKETCACHE_STALE_GRACE_SECONDS"
	EnvStoreBackend      = "MARKETCACHE_STORE_BACKEND"
	EnvRedisAddr         = "MARKETCACHE_REDIS_ADDR"
	EnvPostgresDSN       = "MARKETCACHE_POSTGRES_DSN"
	EnvLogLevel          = "MARKETCACHE_LOG_LEVEL"
)

// ConfigFileName is the file Load reads from the config directory.
const ConfigFileName = "config.yaml"

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config is the full marketcache configuration.
type Config struct {
	Cache      CacheConfig                `yaml:"cache"`
	Store      StoreConfig                `yaml:"store"`
	Logging    LoggingConfig              `yaml:"logging"`
	RateLimits map[string]RateLimitConfig `yaml:"rate_limits,omitempty"`
}

// CacheConfig tunes lifetimes, stale fallback and batching.
type CacheConfig struct {
	// TTLSeconds overrides the built-in lifetime of a category.
	TTLSeconds map[string]TTLValue `yaml:"ttl_seconds,omitempty"`

	// StaleGraceSeconds is how long past expiry a row may still be served
	// when the upstream fails. Zero disables stale fallback.
	StaleGraceSeconds int `yaml:"stale_grace_seconds"`

	// StaleGraceByCategory overrides StaleGraceSeconds per category.
	StaleGraceByCategory map[string]int `yaml:"stale_grace_by_category,omitempty"`

	ChunkSize       int           `yaml:"chunk_size"`
	InterBatchDelay time.Duration `yaml:"inter_batch_delay"`
	UsageRetention  time.Duration `yaml:"usage_retention"`

	// RateMemoTTL bounds how long a rate-limit count is reused before the
	// usage log is queried again.
	RateMemoTTL time.Duration `yaml:"rate_memo_ttl"`
}

// TTLValue is a lifetime in seconds. YAML may give it as an integer (3600)
// or as a duration string ("1h").
type TTLValue int

// UnmarshalYAML implements yaml.Unmarshaler.
func (v *TTLValue) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: ttl must be a number or duration", node.Line)
	}
	n, err := cache.ParseTTL(node.Value)
	if err != nil {
		return fmt.Errorf("line %d: ttl %q: %w", node.Line, node.Value, err)
	}
	*v = TTLValue(n)
	return nil
}

// StoreConfig selects and configures the cache backend.
type StoreConfig struct {
	Backend   string         `yaml:"backend"`
	Directory string         `yaml:"directory,omitempty"`
	Redis     RedisConfig    `yaml:"redis,omitempty"`
	Postgres  PostgresConfig `yaml:"postgres,omitempty"`
}

// RedisConfig holds connection settings for the redis backend.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password,omitempty"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// PostgresConfig holds connection settings for the postgres backend.
type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

// RateLimitConfig is the call budget of one upstream API.
type RateLimitConfig struct {
	Window   time.Duration `yaml:"window"`
	MaxCalls int           `yaml:"max_calls"`
}

// New returns a Config populated with defaults. The cache directory falls
// back to a relative path when the home directory cannot be resolved.
func New() *Config {
	dir, err := GetConfigDir()
	if err != nil {
		dir = ".marketcache"
	}
	return &Config{
		Cache: CacheConfig{
			StaleGraceSeconds: cache.DefaultStaleGraceSeconds,
			ChunkSize:         batch.DefaultChunkSize,
			InterBatchDelay:   batch.DefaultInterBatchDelay,
			UsageRetention:    cache.DefaultUsageRetention,
			RateMemoTTL:       fetch.DefaultGateMemoTTL,
		},
		Store: StoreConfig{
			Backend:   BackendFile,
			Directory: filepath.Join(dir, "cache"),
			Redis: RedisConfig{
				Addr:   "localhost:6379",
				Prefix: "marketcache",
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load builds a Config from defaults, the YAML file at path and the
// environment. An empty path means DefaultPath(); a missing file is not
// an error.
func Load(path string) (*Config, error) {
	cfg := New()

	if path == "" {
		p, err := DefaultPath()
		if err != nil {
			return nil, err
		}
		path = p
	}

	if _, err := os.Stat(path); err == nil {
		if mergeErr := MergeYAML(cfg, path); mergeErr != nil {
			return nil, mergeErr
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("checking config file %s: %w", path, err)
	}

	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv applies MARKETCACHE_* overrides using lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup(EnvStaleGraceSeconds); ok && v != "" {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%w: %s=%q is not an integer", ErrInvalidConfig, EnvStaleGraceSeconds, v)
		}
		c.Cache.StaleGraceSeconds = n
	}
	if v, ok := lookup(EnvStoreBackend); ok && v != "" {
		c.Store.Backend = strings.ToLower(strings.TrimSpace(v))
	}
	if v, ok := lookup(EnvRedisAddr); ok && v != "" {
		c.Store.Redis.Addr = v
	}
	if v, ok := lookup(EnvPostgresDSN); ok && v != "" {
		c.Store.Postgres.DSN = v
	}
	if v, ok := lookup(EnvLogLevel); ok && v != "" {
		c.Logging.Level = v
	}
	return nil
}

// Validate checks every section and reports all problems at once.
func (c *Config) Validate() error {
	var errs []error

	if _, err := c.Policy(); err != nil {
		errs = append(errs, err)
	}
	if c.Cache.ChunkSize < batch.MinChunkSize || c.Cache.ChunkSize > batch.MaxChunkSize {
		errs = append(errs, fmt.Errorf("cache.chunk_size must be between %d and %d, got %d",
			batch.MinChunkSize, batch.MaxChunkSize, c.Cache.ChunkSize))
	}
	if c.Cache.InterBatchDelay < 0 {
		errs = append(errs, fmt.Errorf("cache.inter_batch_delay must be >= 0, got %s", c.Cache.InterBatchDelay))
	}
	if c.Cache.UsageRetention <= 0 {
		errs = append(errs, fmt.Errorf("cache.usage_retention must be positive, got %s", c.Cache.UsageRetention))
	}
	if c.Cache.RateMemoTTL < 0 {
		errs = append(errs, fmt.Errorf("cache.rate_memo_ttl must be >= 0, got %s", c.Cache.RateMemoTTL))
	}

	switch c.Store.Backend {
	case BackendMemory:
	case BackendFile:
		if c.Store.Directory == "" {
			errs = append(errs, errors.New("store.directory is required for the file backend"))
		}
	case BackendRedis:
		if c.Store.Redis.Addr == "" {
			errs = append(errs, errors.New("store.redis.addr is required for the redis backend"))
		}
		if c.Store.Redis.DB < 0 {
			errs = append(errs, fmt.Errorf("store.redis.db must be >= 0, got %d", c.Store.Redis.DB))
		}
	case BackendPostgres:
		if c.Store.Postgres.DSN == "" {
			errs = append(errs, errors.New("store.postgres.dsn is required for the postgres backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("store.backend %q is not one of %s",
			c.Store.Backend, strings.Join(Backends(), ", ")))
	}

	if err := c.Logging.Validate(); err != nil {
		errs = append(errs, err)
	}

	for _, api := range slices.Sorted(maps.Keys(c.RateLimits)) {
		rl := c.RateLimits[api]
		if rl.Window <= 0 || rl.MaxCalls <= 0 {
			errs = append(errs, fmt.Errorf("rate_limits.%s needs a positive window and max_calls", api))
		}
	}

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
}

// Backends lists the supported store backends.
func Backends() []string {
	return []string{BackendMemory, BackendFile, BackendRedis, BackendPostgres}
}

// Policy builds the TTL policy from the cache section.
func (c *Config) Policy() (*cache.Policy, error) {
	overrides := make(map[string]int, len(c.Cache.TTLSeconds))
	for category, ttl := range c.Cache.TTLSeconds {
		overrides[category] = int(ttl)
	}
	p, err := cache.DefaultPolicy().WithOverrides(overrides)
	if err != nil {
		return nil, fmt.Errorf("cache.ttl_seconds: %w", err)
	}
	p, err = p.WithStaleGrace(c.Cache.StaleGraceSeconds, c.Cache.StaleGraceByCategory)
	if err != nil {
		return nil, fmt.Errorf("cache stale grace: %w", err)
	}
	return p, nil
}

// Budgets converts the rate_limits section for fetch.NewRateGate.
func (c *Config) Budgets() map[string]fetch.Budget {
	out := make(map[string]fetch.Budget, len(c.RateLimits))
	for api, rl := range c.RateLimits {
		out[api] = fetch.Budget{Window: rl.Window, MaxCalls: rl.MaxCalls}
	}
	return out
}
