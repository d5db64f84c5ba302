package cli

import (
	"context"
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/rshade/marketcache/internal/config"
	"github.com/rshade/marketcache/internal/logging"
)

// isTerminal checks if the given file is a terminal.
func isTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

// logger is the package-level logger for CLI operations.
var logger zerolog.Logger //nolint:gochecknoglobals // Required for zerolog context integration

type configKey struct{}

// configFromContext returns the configuration loaded by the root command.
func configFromContext(ctx context.Context) *config.Config {
	if cfg, ok := ctx.Value(configKey{}).(*config.Config); ok {
		return cfg
	}
	return config.New()
}

// NewRootCmd creates the root Cobra command for the marketcache CLI.
// The persistent pre-run loads configuration, applies the --backend
// override and sets up logging before any subcommand runs.
func NewRootCmd(ver string) *cobra.Command {
	var logResult *logging.LogPathResult

	cmd := &cobra.Command{
		Use:           "marketcache",
		Short:         "Inspect and maintain the market data cache",
		Long:          "marketcache: TTL cache, usage log and maintenance for market data upstreams",
		Version:       ver,
		Example:       rootCmdExample,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			result := setupLogging(cmd, cfg)
			logResult = &result
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, _ []string) error {
			return cleanupLogging(cmd, logResult)
		},
	}

	cmd.PersistentFlags().String("config", "", "config file (default $MARKETCACHE_HOME/config.yaml)")
	cmd.PersistentFlags().Bool("debug", false, "enable debug logging")
	cmd.PersistentFlags().String("backend", "",
		fmt.Sprintf("cache backend, overrides config (%s)", strings.Join(config.Backends(), ", ")))
	cmd.AddCommand(
		NewStatsCmd(), NewSweepCmd(), NewTTLCmd(),
		NewRateLimitCmd(), NewInspectCmd(), NewHealthCmd(),
	)

	return cmd
}

// loadConfig reads the configuration, applies flag overrides and stores
// the result in the command context.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	if backend, _ := cmd.Flags().GetString("backend"); backend != "" {
		backend = strings.ToLower(backend)
		if !slices.Contains(config.Backends(), backend) {
			return nil, fmt.Errorf("--backend must be one of %s, got %q",
				strings.Join(config.Backends(), ", "), backend)
		}
		cfg.Store.Backend = backend
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	cmd.SetContext(context.WithValue(ctx, configKey{}, cfg))
	return cfg, nil
}

const rootCmdExample = `  # Show row counts and upstream outcomes for the last 24 hours
  marketcache stats

  # Same, as JSON, against a Redis backend
  marketcache stats --backend redis --output json

  # Delete expired rows once
  marketcache sweep

  # Sweep every 10 minutes and serve Prometheus metrics
  marketcache sweep --interval 10m --metrics-addr :9090

  # Show the TTL policy in effect
  marketcache ttl

  # Check the remaining call budget of an upstream
  marketcache ratelimit fmp

  # Print one cached row
  marketcache inspect market_price AAPL`
