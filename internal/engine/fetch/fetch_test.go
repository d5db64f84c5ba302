package fetch_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rshade/marketcache/internal/engine/batch"
	"github.com/rshade/marketcache/internal/engine/cache"
	"github.com/rshade/marketcache/internal/engine/cache/cachetest"
	"github.com/rshade/marketcache/internal/engine/fetch"
	"github.com/rshade/marketcache/internal/engine/metrics"
)

var aapl = cache.MarketKey{Symbol: "AAPL", AssetClass: "equity", Source: "yahoo"}

// flakyBackend wraps a MemoryStore with injectable failures.
type flakyBackend struct {
	*cache.MemoryStore
	getErr    error
	upsertErr error
}

func (b *flakyBackend) Get(ctx context.Context, table cache.Table, key string) (*cache.Record, error) {
	if b.getErr != nil {
		return nil, b.getErr
	}
	return b.MemoryStore.Get(ctx, table, key)
}

func (b *flakyBackend) Upsert(ctx context.Context, rec *cache.Record) error {
	if b.upsertErr != nil {
		return b.upsertErr
	}
	return b.MemoryStore.Upsert(ctx, rec)
}

// upstream is a scripted upstream function.
type upstream struct {
	calls atomic.Int32
	mu    sync.Mutex
	next  func() (cache.Quote, error)
}

func (u *upstream) set(fn func() (cache.Quote, error)) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.next = fn
}

func (u *upstream) returns(price float64) { u.set(func() (cache.Quote, error) { return cache.Quote{Price: price}, nil }) }
func (u *upstream) fails(err error)       { u.set(func() (cache.Quote, error) { return cache.Quote{}, err }) }

func (u *upstream) fetch(context.Context) (cache.Quote, error) {
	u.calls.Add(1)
	u.mu.Lock()
	fn := u.next
	u.mu.Unlock()
	return fn()
}

func (u *upstream) source() fetch.Source[cache.Quote] {
	return fetch.Source[cache.Quote]{API: "yahoo", Endpoint: "/v8/finance/chart", Fetch: u.fetch}
}

func newOrchestrator(t *testing.T, backend cache.Backend, opts ...fetch.Option) (*fetch.Orchestrator, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClockAt(cachetest.BaseTime)
	o, err := fetch.New(backend, append([]fetch.Option{fetch.WithClock(clock)}, opts...)...)
	require.NoError(t, err)
	return o, clock
}

func TestFetchWithCache_Scenario(t *testing.T) {
	ctx := context.Background()
	store := cache.NewMemoryStore()
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	o, clock := newOrchestrator(t, store, fetch.WithMetrics(m))
	up := &upstream{}
	t0 := clock.Now()

	// t=0: cold key, upstream returns A.
	up.returns(100)
	res, err := fetch.MarketData(ctx, o, aapl, up.source())
	require.NoError(t, err)
	assert.Equal(t, fetch.OriginAPI, res.Origin)
	assert.False(t, res.IsStale)
	assert.InDelta(t, 100.0, res.Data.Price, 1e-9)
	assert.Equal(t, t0.Add(60*time.Second), res.ExpiresAt, "quote ttl is 60s")

	// t=30: fresh hit, no upstream call.
	clock.Advance(30 * time.Second)
	up.fails(errors.New("must not be called"))
	res, err = fetch.MarketData(ctx, o, aapl, up.source())
	require.NoError(t, err)
	assert.Equal(t, fetch.OriginCache, res.Origin)
	assert.False(t, res.IsStale)
	assert.InDelta(t, 100.0, res.Data.Price, 1e-9)
	assert.Equal(t, int32(1), up.calls.Load())

	// t=90: expired, upstream returns B.
	clock.Advance(60 * time.Second)
	up.returns(101)
	res, err = fetch.MarketData(ctx, o, aapl, up.source())
	require.NoError(t, err)
	assert.Equal(t, fetch.OriginAPI, res.Origin)
	assert.False(t, res.IsStale)
	assert.InDelta(t, 101.0, res.Data.Price, 1e-9)

	// t=200: upstream throws, B is stale.
	clock.Advance(110 * time.Second)
	up.fails(errors.New("connection reset"))
	res, err = fetch.MarketData(ctx, o, aapl, up.source())
	require.NoError(t, err)
	assert.Equal(t, fetch.OriginCache, res.Origin)
	assert.True(t, res.IsStale)
	assert.InDelta(t, 101.0, res.Data.Price, 1e-9)
	assert.Equal(t, t0.Add(90*time.Second), res.FetchedAt)

	// t=4000: past 90+60+3600, nothing usable.
	clock.Advance(3800 * time.Second)
	_, err = fetch.MarketData(ctx, o, aapl, up.source())
	require.ErrorIs(t, err, fetch.ErrUnavailable)
	assert.Contains(t, err.Error(), "connection reset")
	assert.Equal(t, int32(4), up.calls.Load())

	// One row per key, one usage record per upstream call.
	st, err := store.TableStats(ctx, cache.TableMarketPrice, clock.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(1), st.Total)
	usage := store.UsageRecords()
	require.Len(t, usage, 4)
	assert.Equal(t, cache.OutcomeSuccess, usage[0].Outcome)
	assert.Equal(t, "yahoo", usage[0].APIName)
	assert.Equal(t, "/v8/finance/chart", usage[0].Endpoint)
	assert.Equal(t, cache.OutcomeError, usage[3].Outcome)

	expected := `
# HELP marketcache_fetch_total Orchestrator results by table and outcome.
# TYPE marketcache_fetch_total counter
marketcache_fetch_total{outcome="hit",table="market_price"} 1
marketcache_fetch_total{outcome="refreshed",table="market_price"} 2
marketcache_fetch_total{outcome="stale",table="market_price"} 1
marketcache_fetch_total{outcome="unavailable",table="market_price"} 1
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "marketcache_fetch_total"))
}

func TestFetchWithCache_ColdKeyUpstreamFails(t *testing.T) {
	o, _ := newOrchestrator(t, cache.NewMemoryStore())
	up := &upstream{}
	up.fails(errors.New("timeout"))

	_, err := fetch.MarketData(context.Background(), o, aapl, up.source())
	assert.ErrorIs(t, err, fetch.ErrUnavailable)
}

func TestFetchWithCache_InvalidUpstreamPayload(t *testing.T) {
	store := cache.NewMemoryStore()
	o, _ := newOrchestrator(t, store)
	up := &upstream{}
	up.returns(0)

	_, err := fetch.MarketData(context.Background(), o, aapl, up.source())
	require.ErrorIs(t, err, fetch.ErrUnavailable)
	assert.ErrorIs(t, err, fetch.ErrNoData)
	assert.ErrorIs(t, err, cache.ErrInvalidPayload)

	_, getErr := store.Get(context.Background(), cache.TableMarketPrice, aapl.String())
	assert.ErrorIs(t, getErr, cache.ErrNotFound, "invalid payloads are never stored")
}

func TestFetchWithCache_StoreFailures(t *testing.T) {
	ctx := context.Background()

	t.Run("read failure is a miss", func(t *testing.T) {
		backend := &flakyBackend{MemoryStore: cache.NewMemoryStore(), getErr: errors.New("store unreachable")}
		o, _ := newOrchestrator(t, backend)
		up := &upstream{}
		up.returns(50)

		res, err := fetch.MarketData(ctx, o, aapl, up.source())
		require.NoError(t, err)
		assert.Equal(t, fetch.OriginAPI, res.Origin)
	})

	t.Run("write failure still returns value", func(t *testing.T) {
		backend := &flakyBackend{MemoryStore: cache.NewMemoryStore(), upsertErr: errors.New("read-only replica")}
		o, _ := newOrchestrator(t, backend)
		up := &upstream{}
		up.returns(50)

		res, err := fetch.MarketData(ctx, o, aapl, up.source())
		require.NoError(t, err)
		assert.InDelta(t, 50.0, res.Data.Price, 1e-9)

		res, err = fetch.MarketData(ctx, o, aapl, up.source())
		require.NoError(t, err)
		assert.Equal(t, fetch.OriginAPI, res.Origin, "nothing was cached")
		assert.Equal(t, int32(2), up.calls.Load())
	})

	t.Run("undecodable row is a miss", func(t *testing.T) {
		store := cache.NewMemoryStore()
		o, clock := newOrchestrator(t, store)
		require.NoError(t, store.Upsert(ctx, &cache.Record{
			Table:     cache.TableMarketPrice,
			Key:       aapl.String(),
			Kind:      cache.KindQuote,
			Payload:   []byte(`{"price":-1}`),
			FetchedAt: clock.Now(),
			ExpiresAt: clock.Now().Add(time.Minute),
		}))
		up := &upstream{}
		up.returns(42)

		res, err := fetch.MarketData(ctx, o, aapl, up.source())
		require.NoError(t, err)
		assert.Equal(t, fetch.OriginAPI, res.Origin)
		assert.InDelta(t, 42.0, res.Data.Price, 1e-9)
	})
}

func TestFetchWithCache_RateLimitedClassification(t *testing.T) {
	store := cache.NewMemoryStore()
	o, _ := newOrchestrator(t, store)

	tests := []struct {
		name   string
		err    error
		want   cache.Outcome
		status int
	}{
		{name: "http 429", err: &fetch.StatusError{StatusCode: 429}, want: cache.OutcomeRateLimited, status: 429},
		{name: "sentinel", err: fmt.Errorf("finnhub: %w", fetch.ErrRateLimited), want: cache.OutcomeRateLimited},
		{name: "http 503", err: &fetch.StatusError{StatusCode: 503, Err: errors.New("maintenance")}, want: cache.OutcomeError, status: 503},
	}
	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			up := &upstream{}
			up.fails(tt.err)
			key := cache.MarketKey{Symbol: fmt.Sprintf("SYM%d", i), AssetClass: "equity", Source: "finnhub"}

			_, err := fetch.MarketData(context.Background(), o, key, up.source())
			require.ErrorIs(t, err, fetch.ErrUnavailable)

			usage := store.UsageRecords()
			last := usage[len(usage)-1]
			assert.Equal(t, tt.want, last.Outcome)
			assert.Equal(t, tt.status, last.StatusCode)
			assert.NotEmpty(t, last.Error)
		})
	}
}

func TestFetchWithCache_InvalidRequest(t *testing.T) {
	ctx := context.Background()
	o, _ := newOrchestrator(t, cache.NewMemoryStore())
	up := &upstream{}
	up.returns(1)

	_, err := fetch.FetchWithCache(ctx, o, fetch.Request[cache.MarketKey, cache.Quote]{
		Key: aapl, Category: cache.CategoryQuote,
	})
	assert.ErrorIs(t, err, fetch.ErrInvalidRequest)

	_, err = fetch.FetchWithCache(ctx, o, fetch.Request[cache.MarketKey, cache.Quote]{
		Key: aapl, Category: "tick", Fetch: up.fetch,
	})
	assert.ErrorIs(t, err, fetch.ErrInvalidRequest)
	assert.ErrorIs(t, err, cache.ErrUnknownCategory)

	_, err = fetch.FetchWithCache(ctx, o, fetch.Request[cache.MarketKey, cache.Quote]{
		Key: aapl, Category: cache.CategoryQuote, Fetch: up.fetch, TTLOverride: 5 * time.Second,
	})
	assert.ErrorIs(t, err, cache.ErrInvalidTTL)

	_, err = fetch.FetchWithCache(ctx, o, fetch.Request[cache.MarketKey, cache.Quote]{
		Key: cache.MarketKey{}, Category: cache.CategoryQuote, Fetch: up.fetch,
	})
	assert.ErrorIs(t, err, fetch.ErrInvalidRequest)
	assert.ErrorIs(t, err, cache.ErrInvalidCacheKey)

	_, err = fetch.FetchWithCache(ctx, o, fetch.Request[cache.MarketKey, cache.Quote]{
		Key: cache.MarketKey{AssetClass: "equity", Source: "yahoo"}, Category: cache.CategoryQuote, Fetch: up.fetch,
	})
	assert.ErrorIs(t, err, fetch.ErrInvalidRequest)

	assert.Equal(t, int32(0), up.calls.Load())

	_, err = fetch.New(nil)
	assert.Error(t, err)
}

func TestFetchWithCache_TTLOverride(t *testing.T) {
	o, clock := newOrchestrator(t, cache.NewMemoryStore())
	up := &upstream{}
	up.returns(7)

	res, err := fetch.FetchWithCache(context.Background(), o, fetch.Request[cache.MarketKey, cache.Quote]{
		Key: aapl, Category: cache.CategoryQuote, Fetch: up.fetch, TTLOverride: 2 * time.Minute,
	})
	require.NoError(t, err)
	assert.Equal(t, clock.Now().Add(2*time.Minute), res.ExpiresAt)
}

func TestFetchWithCache_CategoryFromAssetClass(t *testing.T) {
	o, clock := newOrchestrator(t, cache.NewMemoryStore())
	up := &upstream{}
	up.returns(65000)

	res, err := fetch.MarketData(context.Background(), o,
		cache.MarketKey{Symbol: "BTCUSDT", AssetClass: "crypto", Source: "binance"}, up.source())
	require.NoError(t, err)
	assert.Equal(t, clock.Now().Add(30*time.Second), res.ExpiresAt)

	res, err = fetch.MarketData(context.Background(), o,
		cache.MarketKey{Symbol: "^VIX", AssetClass: "volatility", Source: "yahoo"}, up.source())
	require.NoError(t, err)
	assert.Equal(t, clock.Now().Add(5*time.Minute), res.ExpiresAt)
}

func TestFetchWithCache_StaleGraceFromPolicy(t *testing.T) {
	policy, err := cache.DefaultPolicy().WithStaleGrace(600, map[string]int{"quote": 60})
	require.NoError(t, err)
	o, clock := newOrchestrator(t, cache.NewMemoryStore(), fetch.WithPolicy(policy))
	up := &upstream{}
	up.returns(10)

	_, err = fetch.MarketData(context.Background(), o, aapl, up.source())
	require.NoError(t, err)

	up.fails(errors.New("down"))
	clock.Advance(100 * time.Second) // expired 40s ago, grace 60s
	res, err := fetch.MarketData(context.Background(), o, aapl, up.source())
	require.NoError(t, err)
	assert.True(t, res.IsStale)

	clock.Advance(30 * time.Second) // expired 70s ago
	_, err = fetch.MarketData(context.Background(), o, aapl, up.source())
	assert.ErrorIs(t, err, fetch.ErrUnavailable)
}

func TestFetchWithCache_SingleFlight(t *testing.T) {
	ctx := context.Background()
	store := cache.NewMemoryStore()
	o, _ := newOrchestrator(t, store)

	release := make(chan struct{})
	var calls atomic.Int32
	src := fetch.Source[cache.Quote]{API: "yahoo", Fetch: func(context.Context) (cache.Quote, error) {
		calls.Add(1)
		<-release
		return cache.Quote{Price: 10}, nil
	}}

	const callers = 8
	var wg sync.WaitGroup
	results := make([]fetch.Result[cache.Quote], callers)
	errs := make([]error, callers)
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = fetch.MarketData(ctx, o, aapl, src)
		}()
	}

	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(50 * time.Millisecond) // let the other callers join the in-flight call
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load(), "concurrent misses share one upstream call")
	for i := range callers {
		require.NoError(t, errs[i])
		assert.InDelta(t, 10.0, results[i].Data.Price, 1e-9)
	}
	assert.Len(t, store.UsageRecords(), 1)
}

func TestFetchWithCache_JoinedCallersConsumeNoBudget(t *testing.T) {
	ctx := context.Background()
	store := cache.NewMemoryStore()
	gate := fetch.NewRateGate(store, map[string]fetch.Budget{"yahoo": {Window: time.Minute, MaxCalls: 1}})
	o, _ := newOrchestrator(t, store, fetch.WithRateGate(gate))

	release := make(chan struct{})
	var calls atomic.Int32
	src := fetch.Source[cache.Quote]{API: "yahoo", Fetch: func(context.Context) (cache.Quote, error) {
		calls.Add(1)
		<-release
		return cache.Quote{Price: 11}, nil
	}}

	const callers = 5
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = fetch.MarketData(ctx, o, aapl, src)
		}()
	}

	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(50 * time.Millisecond) // let the other callers join the in-flight call
	close(release)
	wg.Wait()

	for i := range callers {
		require.NoError(t, errs[i], "caller %d", i)
	}
	assert.Equal(t, int32(1), calls.Load())

	// The single admitted call used the whole budget.
	_, err := fetch.MarketData(ctx, o, cache.MarketKey{Symbol: "MSFT", Source: "yahoo"}, src)
	require.ErrorIs(t, err, fetch.ErrRateBudgetExhausted)
}

func TestFetchWithCache_WaiterCancellationFallsBack(t *testing.T) {
	store := cache.NewMemoryStore()
	o, clock := newOrchestrator(t, store)

	stale := cachetest.QuoteRecord(t, aapl.String(), 99, clock.Now().Add(-2*time.Minute), time.Minute)
	require.NoError(t, store.Upsert(context.Background(), stale))

	release := make(chan struct{})
	defer close(release)
	src := fetch.Source[cache.Quote]{Fetch: func(context.Context) (cache.Quote, error) {
		<-release
		return cache.Quote{Price: 1}, nil
	}}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	res, err := fetch.MarketData(ctx, o, aapl, src)
	require.NoError(t, err)
	assert.True(t, res.IsStale)
	assert.InDelta(t, 99.0, res.Data.Price, 1e-9)
}

func TestFetchWithCache_RateGate(t *testing.T) {
	ctx := context.Background()
	store := cache.NewMemoryStore()
	gate := fetch.NewRateGate(store, map[string]fetch.Budget{
		"finnhub": {Window: time.Minute, MaxCalls: 2},
	}, fetch.WithMemoTTL(0))
	o, clock := newOrchestrator(t, store, fetch.WithRateGate(gate))

	var calls atomic.Int32
	src := fetch.Source[cache.Quote]{API: "finnhub", Fetch: func(context.Context) (cache.Quote, error) {
		calls.Add(1)
		return cache.Quote{Price: 5}, nil
	}}
	key := func(s string) cache.MarketKey { return cache.MarketKey{Symbol: s, AssetClass: "equity", Source: "finnhub"} }

	for _, s := range []string{"A", "B"} {
		_, err := fetch.MarketData(ctx, o, key(s), src)
		require.NoError(t, err)
	}

	// Budget exhausted, cold key: unavailable without calling upstream.
	_, err := fetch.MarketData(ctx, o, key("C"), src)
	require.ErrorIs(t, err, fetch.ErrUnavailable)
	assert.ErrorIs(t, err, fetch.ErrRateBudgetExhausted)
	assert.Equal(t, int32(2), calls.Load())

	// Budget exhausted, expired key within grace: served stale.
	clock.Advance(59 * time.Second)
	for range 2 {
		cache.LogCall(ctx, store, cache.UsageRecord{APIName: "finnhub", Outcome: cache.OutcomeSuccess, CalledAt: clock.Now()})
	}
	res, err := fetch.MarketData(ctx, o, key("A"), src)
	require.NoError(t, err)
	assert.Equal(t, fetch.OriginCache, res.Origin)
	assert.False(t, res.IsStale, "still fresh at 59s")

	clock.Advance(2 * time.Second)
	res, err = fetch.MarketData(ctx, o, key("A"), src)
	require.NoError(t, err)
	assert.True(t, res.IsStale)
	assert.Equal(t, int32(2), calls.Load())

	// Other APIs are not gated.
	_, err = fetch.MarketData(ctx, o, key("D"), fetch.Source[cache.Quote]{API: "yahoo", Fetch: src.Fetch})
	require.NoError(t, err)
}

func TestFetchMany(t *testing.T) {
	ctx := context.Background()
	store := cache.NewMemoryStore()
	gate := fetch.NewRateGate(store, map[string]fetch.Budget{"yahoo": {Window: time.Minute, MaxCalls: 100}})
	o, _ := newOrchestrator(t, store, fetch.WithRateGate(gate))
	proc, err := batch.NewProcessor[fetch.Request[cache.MarketKey, cache.Quote]](2, batch.WithInterBatchDelay(0))
	require.NoError(t, err)

	var calls atomic.Int32
	quote := func(price float64) fetch.UpstreamFunc[cache.Quote] {
		return func(context.Context) (cache.Quote, error) {
			calls.Add(1)
			return cache.Quote{Price: price}, nil
		}
	}
	broken := func(context.Context) (cache.Quote, error) {
		calls.Add(1)
		return cache.Quote{}, errors.New("bad symbol")
	}
	req := func(sym string, fn fetch.UpstreamFunc[cache.Quote]) fetch.Request[cache.MarketKey, cache.Quote] {
		return fetch.Request[cache.MarketKey, cache.Quote]{
			Key:      cache.MarketKey{Symbol: sym, AssetClass: "equity", Source: "yahoo"},
			Category: cache.CategoryQuote,
			API:      "yahoo",
			Fetch:    fn,
		}
	}

	out := fetch.FetchMany(ctx, o, proc, []fetch.Request[cache.MarketKey, cache.Quote]{
		req("AAPL", quote(1)),
		req("MSFT", quote(2)),
		req("GOOG", quote(3)),
		req("AAPL", quote(99)),
		req("XXXX", broken),
	})

	require.Len(t, out, 4)
	assert.Equal(t, int32(4), calls.Load(), "duplicate keys are fetched once")
	aaplOut := out[cache.MarketKey{Symbol: "AAPL", AssetClass: "equity", Source: "yahoo"}]
	require.NoError(t, aaplOut.Err)
	assert.InDelta(t, 1.0, aaplOut.Result.Data.Price, 1e-9, "first request wins")
	assert.ErrorIs(t, out[cache.MarketKey{Symbol: "XXXX", AssetClass: "equity", Source: "yahoo"}].Err, fetch.ErrUnavailable)
}

func TestFetchMany_Cancelled(t *testing.T) {
	o, _ := newOrchestrator(t, cache.NewMemoryStore())
	proc, err := batch.NewProcessor[fetch.Request[cache.MarketKey, cache.Quote]](1, batch.WithInterBatchDelay(time.Hour))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	reqs := []fetch.Request[cache.MarketKey, cache.Quote]{
		{Key: cache.MarketKey{Symbol: "A", Source: "yahoo"}, Category: cache.CategoryQuote, Fetch: func(context.Context) (cache.Quote, error) {
			cancel()
			return cache.Quote{Price: 1}, nil
		}},
		{Key: cache.MarketKey{Symbol: "B", Source: "yahoo"}, Category: cache.CategoryQuote, Fetch: func(context.Context) (cache.Quote, error) {
			return cache.Quote{Price: 2}, nil
		}},
	}

	out := fetch.FetchMany(ctx, o, proc, reqs)
	require.Len(t, out, 2)
	assert.ErrorIs(t, out[reqs[1].Key].Err, fetch.ErrUnavailable)
	assert.ErrorIs(t, out[reqs[1].Key].Err, context.Canceled)
}
