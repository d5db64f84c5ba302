// Package maintenance garbage-collects the cache backend.
//
// A sweep deletes rows whose expiry is before now in every table and prunes
// usage records older than the retention. It never touches the read path:
// an unswept expired row is still eligible as a stale fallback until its
// grace window passes.
package maintenance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/rshade/marketcache/internal/engine/cache"
	"github.com/rshade/marketcache/internal/engine/metrics"
	"github.com/rshade/marketcache/internal/logging"
)

// usageTable labels usage-log pruning in reports and metrics.
const usageTable = "api_usage_log"

// Report is the outcome of one sweep.
type Report struct {
	StartedAt   time.Time
	Duration    time.Duration
	Deleted     map[cache.Table]int64
	UsagePruned int64
}

// TotalDeleted sums deleted rows over all tables.
func (r Report) TotalDeleted() int64 {
	var n int64
	for _, d := range r.Deleted {
		n += d
	}
	return n
}

// Sweeper deletes expired rows and old usage records.
type Sweeper struct {
	backend   cache.Backend
	clock     clockwork.Clock
	retention time.Duration
	metrics   *metrics.Metrics
}

// Option configures a Sweeper.
type Option func(*Sweeper)

// WithClock sets the clock.
func WithClock(c clockwork.Clock) Option { return func(s *Sweeper) { s.clock = c } }

// WithRetention sets how long usage records are kept.
func WithRetention(d time.Duration) Option { return func(s *Sweeper) { s.retention = d } }

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option { return func(s *Sweeper) { s.metrics = m } }

// NewSweeper creates a sweeper over backend.
func NewSweeper(backend cache.Backend, opts ...Option) (*Sweeper, error) {
	if backend == nil {
		return nil, errors.New("sweeper requires a cache backend")
	}
	s := &Sweeper{
		backend:   backend,
		clock:     clockwork.NewRealClock(),
		retention: cache.DefaultUsageRetention,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.retention <= 0 {
		return nil, fmt.Errorf("usage retention must be positive, got %s", s.retention)
	}
	return s, nil
}

// Sweep runs one pass. A failing table does not stop the others; all
// failures are joined into the returned error and the report holds what
// succeeded.
func (s *Sweeper) Sweep(ctx context.Context) (Report, error) {
	log := logging.FromContext(ctx)
	now := s.clock.Now()
	report := Report{StartedAt: now, Deleted: make(map[cache.Table]int64, len(cache.Tables()))}

	var errs []error
	for _, table := range cache.Tables() {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		n, err := s.backend.DeleteExpired(ctx, table, now)
		if err != nil {
			log.Warn().
				Ctx(ctx).
				Str("component", "maintenance").
				Str("table", string(table)).
				Err(err).
				Msg("failed to delete expired rows")
			s.metrics.StoreError("delete_expired")
			errs = append(errs, fmt.Errorf("table %s: %w", table, err))
			continue
		}
		report.Deleted[table] = n
		s.metrics.SweepDeleted(string(table), n)
	}

	pruned, err := s.backend.PruneUsage(ctx, now.Add(-s.retention))
	if err != nil {
		log.Warn().
			Ctx(ctx).
			Str("component", "maintenance").
			Str("table", usageTable).
			Err(err).
			Msg("failed to prune usage log")
		s.metrics.StoreError("prune_usage")
		errs = append(errs, fmt.Errorf("usage log: %w", err))
	} else {
		report.UsagePruned = pruned
		s.metrics.SweepDeleted(usageTable, pruned)
	}

	report.Duration = s.clock.Since(now)
	log.Info().
		Ctx(ctx).
		Str("component", "maintenance").
		Int64("deleted", report.TotalDeleted()).
		Int64("usage_pruned", report.UsagePruned).
		Dur("duration", report.Duration).
		Msg("sweep complete")

	return report, errors.Join(errs...)
}

// Run sweeps immediately and then every interval until ctx ends. Sweep
// errors are logged and do not stop the loop. onSweep, if set, receives
// every report.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration, onSweep func(Report, error)) error {
	if interval <= 0 {
		return fmt.Errorf("sweep interval must be positive, got %s", interval)
	}
	ticker := s.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		report, err := s.Sweep(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if onSweep != nil {
			onSweep(report, err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.Chan():
		}
	}
}
