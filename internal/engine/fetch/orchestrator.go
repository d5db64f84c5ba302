// Package fetch implements read-through caching of upstream market data with
// stale fallback.
//
// FetchWithCache serves a fresh cached row when there is one. Otherwise it
// calls the upstream function, stores the result with the TTL of the
// request's category and returns it. When the upstream fails, or the rate
// gate refuses the call, a row that expired less than the category's stale
// grace ago is returned flagged as stale. Anything else is ErrUnavailable.
//
// Concurrent misses for the same key share one upstream call.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/singleflight"

	"github.com/rshade/marketcache/internal/engine/cache"
	"github.com/rshade/marketcache/internal/engine/metrics"
	"github.com/rshade/marketcache/internal/logging"
)

// Origin says where a result came from.
type Origin string

// Result origins.
const (
	OriginCache Origin = "cache"
	OriginAPI   Origin = "api"
)

// UpstreamFunc fetches a value from an external API. It carries its own
// timeout; the orchestrator never cancels it.
type UpstreamFunc[V cache.Payload] func(ctx context.Context) (V, error)

// Request describes one cached read.
type Request[K cache.Key, V cache.Payload] struct {
	Key      K
	Category cache.Category
	// API names the upstream for usage accounting and the rate gate.
	API      string
	Endpoint string
	Fetch    UpstreamFunc[V]
	// TTLOverride replaces the category TTL for a one-off request.
	TTLOverride time.Duration
	// Merge, when set, combines the previously cached value (nil if none)
	// with a freshly fetched one before it is stored.
	Merge func(prev *V, next V) V
}

// Result is data returned to a caller.
type Result[V cache.Payload] struct {
	Data      V
	IsStale   bool
	Origin    Origin
	FetchedAt time.Time
	ExpiresAt time.Time
}

// Orchestrator holds the collaborators shared by every fetch.
type Orchestrator struct {
	backend cache.Backend
	policy  *cache.Policy
	clock   clockwork.Clock
	metrics *metrics.Metrics
	gate    *RateGate
	flight  singleflight.Group
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithPolicy sets the TTL policy. The default is cache.DefaultPolicy().
func WithPolicy(p *cache.Policy) Option {
	return func(o *Orchestrator) { o.policy = p }
}

// WithClock sets the clock.
func WithClock(c clockwork.Clock) Option {
	return func(o *Orchestrator) { o.clock = c }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithRateGate enables rate gating of upstream calls.
func WithRateGate(g *RateGate) Option {
	return func(o *Orchestrator) { o.gate = g }
}

// New creates an orchestrator over backend.
func New(backend cache.Backend, opts ...Option) (*Orchestrator, error) {
	if backend == nil {
		return nil, errors.New("fetch orchestrator requires a cache backend")
	}
	o := &Orchestrator{
		backend: backend,
		policy:  cache.DefaultPolicy(),
		clock:   clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.policy == nil {
		o.policy = cache.DefaultPolicy()
	}
	return o, nil
}

// Backend returns the cache backend.
func (o *Orchestrator) Backend() cache.Backend { return o.backend }

// Policy returns the TTL policy.
func (o *Orchestrator) Policy() *cache.Policy { return o.policy }

// Clock returns the clock.
func (o *Orchestrator) Clock() clockwork.Clock { return o.clock }

// Gate returns the rate gate, or nil.
func (o *Orchestrator) Gate() *RateGate { return o.gate }

// refresh is the value produced by one upstream call.
type refresh[V cache.Payload] struct {
	value     V
	fetchedAt time.Time
	expiresAt time.Time
}

// FetchWithCache returns the value for req.Key, from cache or upstream.
// The error is ErrInvalidRequest for a malformed request and ErrUnavailable
// when no usable data exists.
func FetchWithCache[K cache.Key, V cache.Payload](
	ctx context.Context,
	o *Orchestrator,
	req Request[K, V],
) (Result[V], error) {
	log := logging.FromContext(ctx)

	if req.Fetch == nil {
		return Result[V]{}, fmt.Errorf("%w: nil upstream function", ErrInvalidRequest)
	}
	ttl, err := o.resolveTTL(req.Category, req.TTLOverride)
	if err != nil {
		return Result[V]{}, err
	}
	if err := req.Key.Validate(); err != nil {
		return Result[V]{}, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	table := req.Key.Table()
	key := req.Key.String()
	grace := o.policy.StaleGrace(req.Category)

	prev := lookup[V](ctx, o, table, key)
	now := o.clock.Now()
	if prev != nil && prev.State(now, grace) == cache.StateFresh {
		log.Debug().
			Ctx(ctx).
			Str("component", "fetch").
			Str("table", string(table)).
			Str("key", key).
			Dur("age", prev.Age(now)).
			Dur("expires_in", prev.TimeUntilExpiration(now)).
			Msg("cache hit")
		o.metrics.Fetch(string(table), metrics.OutcomeHit)
		return Result[V]{
			Data:      prev.Value,
			Origin:    OriginCache,
			FetchedAt: prev.FetchedAt,
			ExpiresAt: prev.ExpiresAt,
		}, nil
	}

	r, upstreamErr := refreshShared(ctx, o, req, table, key, prev, ttl)
	if upstreamErr == nil {
		o.metrics.Fetch(string(table), metrics.OutcomeRefreshed)
		return Result[V]{
			Data:      r.value,
			Origin:    OriginAPI,
			FetchedAt: r.fetchedAt,
			ExpiresAt: r.expiresAt,
		}, nil
	}
	if errors.Is(upstreamErr, ErrRateBudgetExhausted) {
		o.metrics.Fetch(string(table), metrics.OutcomeRateLimitedSkip)
	}

	now = o.clock.Now()
	if prev != nil && prev.State(now, grace) == cache.StateStale {
		log.Info().
			Ctx(ctx).
			Str("component", "fetch").
			Str("table", string(table)).
			Str("key", key).
			Dur("expired_for", now.Sub(prev.ExpiresAt)).
			Err(upstreamErr).
			Msg("serving stale data")
		o.metrics.Fetch(string(table), metrics.OutcomeStale)
		return Result[V]{
			Data:      prev.Value,
			IsStale:   true,
			Origin:    OriginCache,
			FetchedAt: prev.FetchedAt,
			ExpiresAt: prev.ExpiresAt,
		}, nil
	}

	o.metrics.Fetch(string(table), metrics.OutcomeUnavailable)
	return Result[V]{}, fmt.Errorf("%w: %s/%s: %w", ErrUnavailable, table, key, upstreamErr)
}

func (o *Orchestrator) resolveTTL(category cache.Category, override time.Duration) (time.Duration, error) {
	ttl, err := o.policy.TTL(category)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	if override != 0 {
		if err := cache.ValidateTTL(int(override / time.Second)); err != nil {
			return 0, fmt.Errorf("%w: ttl override %s: %w", ErrInvalidRequest, override, err)
		}
		ttl = override
	}
	return ttl, nil
}

// lookup reads and decodes the cached row for key. Store failures and rows
// that fail to decode are logged and treated as a miss.
func lookup[V cache.Payload](ctx context.Context, o *Orchestrator, table cache.Table, key string) *cache.Entry[V] {
	log := logging.FromContext(ctx)

	rec, err := o.backend.Get(ctx, table, key)
	if err != nil {
		if !errors.Is(err, cache.ErrNotFound) {
			log.Warn().
				Ctx(ctx).
				Str("component", "fetch").
				Str("operation", "get").
				Str("table", string(table)).
				Str("key", key).
				Err(err).
				Msg("cache read failed, treating as miss")
			o.metrics.StoreError("get")
		}
		return nil
	}

	entry, err := cache.DecodeEntry[V](rec)
	if err != nil {
		log.Warn().
			Ctx(ctx).
			Str("component", "fetch").
			Str("operation", "decode").
			Str("table", string(table)).
			Str("key", key).
			Err(err).
			Msg("discarding undecodable cache row")
		return nil
	}
	return &entry
}
