package cli

import (
	"context"
	"fmt"

	"github.com/rshade/marketcache/internal/config"
	"github.com/rshade/marketcache/internal/engine/cache"
	"github.com/rshade/marketcache/internal/engine/cache/pgstore"
	"github.com/rshade/marketcache/internal/engine/cache/redisstore"
)

// openBackend connects the backend selected by cfg. Postgres schemas are
// created or verified before the store is returned.
func openBackend(ctx context.Context, cfg *config.Config) (cache.Backend, error) {
	switch cfg.Store.Backend {
	case config.BackendMemory:
		return cache.NewMemoryStore(), nil
	case config.BackendFile:
		return cache.NewFileStore(cfg.Store.Directory)
	case config.BackendRedis:
		r := cfg.Store.Redis
		return redisstore.Open(ctx, r.Addr, r.Password, r.DB, r.Prefix)
	case config.BackendPostgres:
		store, err := pgstore.Open(ctx, cfg.Store.Postgres.DSN)
		if err != nil {
			return nil, err
		}
		if err := store.EnsureSchema(ctx); err != nil {
			_ = store.Close()
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unsupported backend %q", cfg.Store.Backend)
	}
}

// withBackend opens the configured backend, runs fn and closes it.
func withBackend(ctx context.Context, fn func(cfg *config.Config, backend cache.Backend) error) error {
	cfg := configFromContext(ctx)
	backend, err := openBackend(ctx, cfg)
	if err != nil {
		return fmt.Errorf("opening %s backend: %w", cfg.Store.Backend, err)
	}
	defer func() {
		if closeErr := backend.Close(); closeErr != nil {
			logger.Warn().Ctx(ctx).Err(closeErr).Msg("failed to close cache backend")
		}
	}()
	return fn(cfg, backend)
}
