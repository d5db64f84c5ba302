package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rshade/marketcache/internal/config"
	"github.com/rshade/marketcache/internal/engine/cache"
	"github.com/rshade/marketcache/internal/engine/fetch"
	"github.com/rshade/marketcache/internal/logging"
)

func TestNew_Defaults(t *testing.T) {
	t.Setenv(config.EnvHome, "/srv/marketcache")

	cfg := config.New()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 3600, cfg.Cache.StaleGraceSeconds)
	assert.Equal(t, 5, cfg.Cache.ChunkSize)
	assert.Equal(t, 150*time.Millisecond, cfg.Cache.InterBatchDelay)
	assert.Equal(t, 7*24*time.Hour, cfg.Cache.UsageRetention)
	assert.Equal(t, config.BackendFile, cfg.Store.Backend)
	assert.Equal(t, filepath.Join("/srv/marketcache", "cache"), cfg.Store.Directory)
	assert.Empty(t, cfg.RateLimits)

	policy, err := cfg.Policy()
	require.NoError(t, err)
	assert.Equal(t, time.Hour, policy.StaleGrace(cache.CategoryQuote))
}

func TestLoad(t *testing.T) {
	home := t.TempDir()
	t.Setenv(config.EnvHome, home)
	require.NoError(t, os.WriteFile(filepath.Join(home, config.ConfigFileName), []byte(`
cache:
  ttl_seconds:
    quote: 120
  stale_grace_seconds: 900
  chunk_size: 3
  inter_batch_delay: 1s
  usage_retention: 48h
store:
  backend: memory
rate_limits:
  fmp:
    window: 24h
    max_calls: 250
`), 0600))

	cfg, err := config.Load("")
	require.NoError(t, err)

	policy, err := cfg.Policy()
	require.NoError(t, err)
	ttl, err := policy.TTL(cache.CategoryQuote)
	require.NoError(t, err)
	assert.Equal(t, 2*time.Minute, ttl)
	assert.Equal(t, 15*time.Minute, policy.StaleGrace(cache.CategoryMacro))

	assert.Equal(t, config.BackendMemory, cfg.Store.Backend)
	assert.Equal(t, map[string]fetch.Budget{"fmp": {Window: 24 * time.Hour, MaxCalls: 250}}, cfg.Budgets())
	assert.Equal(t, "info", cfg.Logging.Level, "absent sections keep defaults")
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	t.Setenv(config.EnvHome, t.TempDir())

	cfg, err := config.Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, config.New().Cache, cfg.Cache)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv(config.EnvHome, t.TempDir())
	t.Setenv(config.EnvStaleGraceSeconds, "0")
	t.Setenv(config.EnvStoreBackend, "Postgres")
	t.Setenv(config.EnvPostgresDSN, "postgres://cache@db/marketcache?sslmode=disable")
	t.Setenv(config.EnvLogLevel, "debug")

	cfg, err := config.Load("")
	require.NoError(t, err)
	assert.Zero(t, cfg.Cache.StaleGraceSeconds)
	assert.Equal(t, config.BackendPostgres, cfg.Store.Backend)
	assert.Equal(t, "postgres://cache@db/marketcache?sslmode=disable", cfg.Store.Postgres.DSN)
	assert.Equal(t, "debug", cfg.Logging.Level)

	t.Setenv(config.EnvStaleGraceSeconds, "an hour")
	_, err = config.Load("")
	assert.ErrorIs(t, err, config.ErrInvalidConfig)
}

func TestLoad_InvalidFile(t *testing.T) {
	t.Setenv(config.EnvHome, t.TempDir())
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("cache:\n  ttl_seconds:\n    quote: 5\n"), 0600))

	_, err := config.Load(path)
	require.ErrorIs(t, err, config.ErrInvalidConfig)
	assert.ErrorIs(t, err, cache.ErrInvalidTTL)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*config.Config)
		wantMsg string
	}{
		{name: "unknown category", mutate: func(c *config.Config) { c.Cache.TTLSeconds = map[string]config.TTLValue{"weather": 60} }, wantMsg: "unknown TTL category"},
		{name: "negative grace", mutate: func(c *config.Config) { c.Cache.StaleGraceSeconds = -1 }, wantMsg: "stale grace"},
		{name: "chunk size", mutate: func(c *config.Config) { c.Cache.ChunkSize = 0 }, wantMsg: "chunk_size"},
		{name: "delay", mutate: func(c *config.Config) { c.Cache.InterBatchDelay = -time.Second }, wantMsg: "inter_batch_delay"},
		{name: "retention", mutate: func(c *config.Config) { c.Cache.UsageRetention = 0 }, wantMsg: "usage_retention"},
		{name: "backend", mutate: func(c *config.Config) { c.Store.Backend = "sqlite" }, wantMsg: "store.backend"},
		{name: "file dir", mutate: func(c *config.Config) { c.Store.Directory = "" }, wantMsg: "store.directory"},
		{name: "redis addr", mutate: func(c *config.Config) {
			c.Store.Backend = config.BackendRedis
			c.Store.Redis.Addr = ""
		}, wantMsg: "store.redis.addr"},
		{name: "postgres dsn", mutate: func(c *config.Config) { c.Store.Backend = config.BackendPostgres }, wantMsg: "store.postgres.dsn"},
		{name: "log level", mutate: func(c *config.Config) { c.Logging.Level = "loud" }, wantMsg: "logging.level"},
		{name: "log format", mutate: func(c *config.Config) { c.Logging.Format = "xml" }, wantMsg: "logging.format"},
		{name: "rate limit", mutate: func(c *config.Config) {
			c.RateLimits = map[string]config.RateLimitConfig{"fred": {Window: time.Minute}}
		}, wantMsg: "rate_limits.fred"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.New()
			cfg.Store.Directory = t.TempDir()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.ErrorIs(t, err, config.ErrInvalidConfig)
			assert.Contains(t, err.Error(), tt.wantMsg)
		})
	}
}

func TestValidate_ReportsAllProblems(t *testing.T) {
	cfg := config.New()
	cfg.Cache.ChunkSize = 1000
	cfg.Store.Backend = "s3"

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chunk_size")
	assert.Contains(t, err.Error(), "store.backend")
}

func TestLoggingConfig_ToLoggingConfig(t *testing.T) {
	lc := config.LoggingConfig{Level: "debug", Format: "json"}
	assert.Equal(t, logging.Config{Level: "debug", Format: "json", Output: logging.OutputStderr}, lc.ToLoggingConfig())

	lc.File = "/var/log/marketcache.log"
	got := lc.ToLoggingConfig()
	assert.Equal(t, logging.OutputFile, got.Output)
	assert.Equal(t, "/var/log/marketcache.log", got.File)
}

func TestEnsureDirs(t *testing.T) {
	root := t.TempDir()
	cfg := config.New()
	cfg.Store.Directory = filepath.Join(root, "cache")
	cfg.Logging.File = filepath.Join(root, "logs", "marketcache.log")

	require.NoError(t, cfg.EnsureDirs())
	assert.DirExists(t, cfg.Store.Directory)
	assert.DirExists(t, filepath.Join(root, "logs"))
}

func TestGetConfigDir(t *testing.T) {
	t.Setenv(config.EnvHome, "/opt/marketcache")
	dir, err := config.GetConfigDir()
	require.NoError(t, err)
	assert.Equal(t, "/opt/marketcache", dir)

	path, err := config.DefaultPath()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("/opt/marketcache", "config.yaml"), path)
}
