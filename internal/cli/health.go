package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/rshade/marketcache/internal/config"
	"github.com/rshade/marketcache/internal/engine/cache"
)

const healthTimeout = 5 * time.Second

// NewHealthCmd creates the health command.
func NewHealthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check that the configured cache backend is reachable",
		Long: `Open the configured backend and run its health check. Exits non-zero when
the backend cannot be opened or reports a problem.`,
		Example: `  marketcache health
  marketcache health --backend redis`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			return withBackend(ctx, func(cfg *config.Config, backend cache.Backend) error {
				if hc, ok := backend.(cache.HealthChecker); ok {
					checkCtx, cancel := context.WithTimeout(ctx, healthTimeout)
					defer cancel()
					if err := hc.Health(checkCtx); err != nil {
						return fmt.Errorf("%s backend unhealthy: %w", cfg.Store.Backend, err)
					}
				}
				_, err := fmt.Fprintf(cmd.OutOrStdout(), "%s backend: ok\n", cfg.Store.Backend)
				return err
			})
		},
	}
}
