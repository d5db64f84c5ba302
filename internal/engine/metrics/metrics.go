// Package metrics exposes Prometheus collectors for the cache layer.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Fetch outcomes recorded by the orchestrator.
const (
	OutcomeHit             = "hit"
	OutcomeRefreshed       = "refreshed"
	OutcomeStale           = "stale"
	OutcomeUnavailable     = "unavailable"
	OutcomeRateLimitedSkip = "rate_limited_skip"
)

const namespace = "marketcache"

// Metrics groups the collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	fetches      *prometheus.CounterVec
	upstream     *prometheus.HistogramVec
	storeErrors  *prometheus.CounterVec
	sweepDeleted *prometheus.CounterVec
	shared       prometheus.Counter
}

// New creates the collectors and registers them with reg. A nil reg leaves
// them unregistered, which is what tests usually want.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetch_total",
			Help:      "Orchestrator results by table and outcome.",
		}, []string{"table", "outcome"}),
		upstream: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upstream_latency_seconds",
			Help:      "Latency of upstream fetch calls.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}, []string{"api", "outcome"}),
		storeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_errors_total",
			Help:      "Failed store operations by operation.",
		}, []string{"operation"}),
		sweepDeleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_deleted_total",
			Help:      "Rows removed by maintenance sweeps.",
		}, []string{"table"}),
		shared: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_shared_total",
			Help:      "Callers that joined an in-flight upstream call instead of issuing their own.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.fetches, m.upstream, m.storeErrors, m.sweepDeleted, m.shared)
	}
	return m
}

// Fetch counts one orchestrator result.
func (m *Metrics) Fetch(table, outcome string) {
	if m == nil {
		return
	}
	m.fetches.WithLabelValues(table, outcome).Inc()
}

// Upstream observes the latency of an upstream call.
func (m *Metrics) Upstream(api, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.upstream.WithLabelValues(api, outcome).Observe(d.Seconds())
}

// StoreError counts a failed store operation.
func (m *Metrics) StoreError(operation string) {
	if m == nil {
		return
	}
	m.storeErrors.WithLabelValues(operation).Inc()
}

// SweepDeleted adds n deleted rows for table. The usage log is reported as
// table "api_usage_log".
func (m *Metrics) SweepDeleted(table string, n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.sweepDeleted.WithLabelValues(table).Add(float64(n))
}

// Shared counts a caller served by another caller's upstream call.
func (m *Metrics) Shared() {
	if m == nil {
		return
	}
	m.shared.Inc()
}
