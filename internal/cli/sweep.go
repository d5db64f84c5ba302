package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"net"
	"net/http"
	"slices"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/rshade/marketcache/internal/config"
	"github.com/rshade/marketcache/internal/engine/cache"
	"github.com/rshade/marketcache/internal/engine/maintenance"
	"github.com/rshade/marketcache/internal/engine/metrics"
)

const metricsShutdownTimeout = 5 * time.Second

// NewSweepCmd creates the sweep command.
func NewSweepCmd() *cobra.Command {
	var (
		interval    time.Duration
		metricsAddr string
		retention   time.Duration
	)

	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Delete expired rows and prune the usage log",
		Long: `Delete rows whose expiry has passed from every cache table and prune usage
records older than the retention. With --interval the sweep repeats until
interrupted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if interval < 0 {
				return fmt.Errorf("--interval must be >= 0, got %s", interval)
			}
			ctx := cmd.Context()
			return withBackend(ctx, func(cfg *config.Config, backend cache.Backend) error {
				if !cmd.Flags().Changed("retention") {
					retention = cfg.Cache.UsageRetention
				}

				reg := prometheus.NewRegistry()
				m := metrics.New(reg)
				if metricsAddr != "" {
					reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
					stop, err := serveMetrics(ctx, metricsAddr, reg)
					if err != nil {
						return err
					}
					defer stop()
				}

				sweeper, err := maintenance.NewSweeper(backend,
					maintenance.WithRetention(retention), maintenance.WithMetrics(m))
				if err != nil {
					return err
				}

				out := cmd.OutOrStdout()
				if interval == 0 {
					report, sweepErr := sweeper.Sweep(ctx)
					if writeErr := writeSweepReport(out, report); writeErr != nil {
						return writeErr
					}
					return sweepErr
				}

				err = sweeper.Run(ctx, interval, func(report maintenance.Report, sweepErr error) {
					if sweepErr != nil {
						logger.Warn().Ctx(ctx).Err(sweepErr).Msg("sweep finished with errors")
					}
					_ = writeSweepReport(out, report)
				})
				if errors.Is(err, context.Canceled) {
					return nil
				}
				return err
			})
		},
	}

	cmd.Flags().DurationVar(&interval, "interval", 0, "repeat the sweep at this interval (0 = sweep once)")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address, e.g. :9090")
	cmd.Flags().DurationVar(&retention, "retention", cache.DefaultUsageRetention,
		"keep usage records this long (default from config)")
	return cmd
}

// serveMetrics serves reg on addr until the returned stop function is called.
func serveMetrics(ctx context.Context, addr string, reg *prometheus.Registry) (func(), error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", addr, err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if serveErr := srv.Serve(ln); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			logger.Error().Ctx(ctx).Err(serveErr).Msg("metrics server stopped")
		}
	}()
	logger.Info().Ctx(ctx).Str("addr", ln.Addr().String()).Msg("serving metrics")

	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), metricsShutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}, nil
}

func writeSweepReport(w io.Writer, r maintenance.Report) error {
	if _, err := fmt.Fprintf(w, "Sweep at %s (%s)\n",
		r.StartedAt.Format(time.RFC3339), r.Duration.Round(time.Millisecond)); err != nil {
		return err
	}
	for _, t := range slices.Sorted(maps.Keys(r.Deleted)) {
		if _, err := fmt.Fprintf(w, "  %-20s %d deleted\n", t, r.Deleted[t]); err != nil {
			return err
		}
	}
	_, err := fmt.Fprintf(w, "  %-20s %d pruned\n", "api_usage_log", r.UsagePruned)
	return err
}
