package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/rshade/marketcache/internal/config"
	"github.com/rshade/marketcache/internal/engine/cache"
	"github.com/rshade/marketcache/internal/engine/fetch"
)

// NewRateLimitCmd creates the ratelimit command.
func NewRateLimitCmd() *cobra.Command {
	var (
		window   time.Duration
		maxCalls int
	)

	cmd := &cobra.Command{
		Use:   "ratelimit <api>",
		Short: "Show how much of an upstream's call budget remains",
		Long: `Count the calls logged for an upstream within its budget window and compare
them to the budget. The budget comes from the rate_limits config section
unless --window and --max-calls are given.`,
		Example: `  marketcache ratelimit fmp
  marketcache ratelimit fred --window 1m --max-calls 120`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			api := args[0]
			ctx := cmd.Context()
			return withBackend(ctx, func(cfg *config.Config, backend cache.Backend) error {
				budget := fetch.Budget{Window: window, MaxCalls: maxCalls}
				if !cmd.Flags().Changed("window") && !cmd.Flags().Changed("max-calls") {
					b, ok := cfg.Budgets()[api]
					if !ok {
						return fmt.Errorf("no rate limit configured for %q; pass --window and --max-calls", api)
					}
					budget = b
				}
				if budget.Window <= 0 || budget.MaxCalls <= 0 {
					return fmt.Errorf("--window and --max-calls must both be positive")
				}

				gate := fetch.NewRateGate(backend, map[string]fetch.Budget{api: budget})
				st, _ := gate.Status(ctx, api, time.Now())

				verdict := "allowed"
				if !st.Allowed {
					verdict = "exhausted"
				}
				_, err := fmt.Fprintf(cmd.OutOrStdout(), "%s: %d/%d calls in the last %s, %d remaining (%s)\n",
					api, st.Used, budget.MaxCalls, cache.FormatDuration(budget.Window), st.Remaining, verdict)
				return err
			})
		},
	}

	cmd.Flags().DurationVar(&window, "window", 0, "budget window, overrides config")
	cmd.Flags().IntVar(&maxCalls, "max-calls", 0, "calls allowed per window, overrides config")
	return cmd
}
