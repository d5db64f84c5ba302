package fetch

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/rshade/marketcache/internal/engine/cache"
	"github.com/rshade/marketcache/internal/simplecache"
)

// DefaultGateMemoTTL is how long a usage-log count is reused before the log
// is queried again.
const DefaultGateMemoTTL = time.Second

// Budget is the call allowance of one API.
type Budget struct {
	Window   time.Duration
	MaxCalls int
}

// RateGate decides whether an upstream call may be made. Counts read from
// the usage log are memoized briefly and decremented locally for each call
// admitted in between, so the log store stays off the hot path.
type RateGate struct {
	usage   cache.UsageLog
	budgets map[string]Budget
	// locks serializes the memo load-or-create per API, so concurrent
	// callers share one count instead of each reading the log.
	locks   map[string]*sync.Mutex
	memo    *simplecache.Cache[string, *gateEntry]
	memoTTL time.Duration
}

type gateEntry struct {
	mu     sync.Mutex
	status cache.RateStatus
}

// admit consumes one call from the memoized allowance and returns the status
// as it was before the call.
func (e *gateEntry) admit() cache.RateStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	st := e.status
	if !st.Allowed {
		return st
	}
	e.status.Used++
	e.status.Remaining--
	if e.status.Remaining <= 0 {
		e.status.Remaining = 0
		e.status.Allowed = false
	}
	return st
}

// GateOption configures a RateGate.
type GateOption func(*gateSettings)

type gateSettings struct {
	memoTTL time.Duration
	clock   clockwork.Clock
}

// WithMemoTTL sets how long a count is reused. Zero disables memoization.
func WithMemoTTL(d time.Duration) GateOption {
	return func(s *gateSettings) { s.memoTTL = d }
}

// WithGateClock sets the clock of the memo.
func WithGateClock(c clockwork.Clock) GateOption {
	return func(s *gateSettings) { s.clock = c }
}

// NewRateGate creates a gate over usage. APIs without a budget are never
// gated.
func NewRateGate(usage cache.UsageLog, budgets map[string]Budget, opts ...GateOption) *RateGate {
	s := gateSettings{memoTTL: DefaultGateMemoTTL, clock: clockwork.NewRealClock()}
	for _, opt := range opts {
		opt(&s)
	}
	b := make(map[string]Budget, len(budgets))
	locks := make(map[string]*sync.Mutex, len(budgets))
	for api, budget := range budgets {
		if budget.MaxCalls > 0 && budget.Window > 0 {
			b[api] = budget
			locks[api] = &sync.Mutex{}
		}
	}
	return &RateGate{
		usage:   usage,
		budgets: b,
		locks:   locks,
		memoTTL: s.memoTTL,
		memo: simplecache.New[string, *gateEntry](simplecache.Options{
			Capacity: max(len(b), 1),
			TTL:      max(s.memoTTL, time.Nanosecond),
			Clock:    s.clock,
		}),
	}
}

// Budget returns the configured budget for api.
func (g *RateGate) Budget(api string) (Budget, bool) {
	if g == nil {
		return Budget{}, false
	}
	b, ok := g.budgets[api]
	return b, ok
}

// Admit checks api's budget and, if allowed, counts one call against it.
// Without memoization every call reads the log, so calls admitted but not
// yet logged are not counted.
func (g *RateGate) Admit(ctx context.Context, api string, now time.Time) cache.RateStatus {
	b, ok := g.Budget(api)
	if !ok {
		return cache.RateStatus{Allowed: true}
	}

	mu := g.locks[api]
	mu.Lock()
	defer mu.Unlock()

	if g.memoTTL > 0 {
		if e, hit := g.memo.Get(api); hit {
			return e.admit()
		}
	}
	e := &gateEntry{status: cache.CheckRateLimit(ctx, g.usage, api, b.Window, b.MaxCalls, now)}
	if g.memoTTL > 0 {
		g.memo.SetWithTTL(api, e, g.memoTTL)
	}
	return e.admit()
}

// Status reads api's budget from the usage log without consuming it.
func (g *RateGate) Status(ctx context.Context, api string, now time.Time) (cache.RateStatus, bool) {
	b, ok := g.Budget(api)
	if !ok {
		return cache.RateStatus{Allowed: true}, false
	}
	return cache.CheckRateLimit(ctx, g.usage, api, b.Window, b.MaxCalls, now), true
}
