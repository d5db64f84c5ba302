package metrics_test

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rshade/marketcache/internal/engine/metrics"
)

func TestMetrics_Registered(t *testing.T) {
	reg := prometheus.NewPedanticRegistry()
	m := metrics.New(reg)

	m.Fetch("market_price", metrics.OutcomeHit)
	m.Fetch("market_price", metrics.OutcomeHit)
	m.Fetch("macro_indicator", metrics.OutcomeStale)
	m.StoreError("get")
	m.SweepDeleted("fundamentals", 3)
	m.SweepDeleted("fundamentals", 0)
	m.Upstream("fred", "success", 250*time.Millisecond)
	m.Shared()

	expected := `
# HELP marketcache_fetch_total Orchestrator results by table and outcome.
# TYPE marketcache_fetch_total counter
marketcache_fetch_total{outcome="hit",table="market_price"} 2
marketcache_fetch_total{outcome="stale",table="macro_indicator"} 1
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "marketcache_fetch_total"))

	n, err := testutil.GatherAndCount(reg, "marketcache_upstream_latency_seconds")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	expected = `
# HELP marketcache_sweep_deleted_total Rows removed by maintenance sweeps.
# TYPE marketcache_sweep_deleted_total counter
marketcache_sweep_deleted_total{table="fundamentals"} 3
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "marketcache_sweep_deleted_total"))
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *metrics.Metrics
	assert.NotPanics(t, func() {
		m.Fetch("market_price", metrics.OutcomeHit)
		m.Upstream("fred", "error", time.Second)
		m.StoreError("upsert")
		m.SweepDeleted("market_price", 1)
		m.Shared()
	})
}

func TestMetrics_UnregisteredByDefault(t *testing.T) {
	assert.NotPanics(t, func() {
		metrics.New(nil)
		metrics.New(nil)
	})
}
