package fetch

import (
	"context"
	"fmt"
	"time"

	"github.com/rshade/marketcache/internal/engine/cache"
	"github.com/rshade/marketcache/internal/logging"
)

// refreshShared runs the upstream call for key, joining a call already in
// flight for the same key. The shared call is detached from the caller's
// cancellation; a caller whose context ends stops waiting and gets its
// context error.
func refreshShared[K cache.Key, V cache.Payload](
	ctx context.Context,
	o *Orchestrator,
	req Request[K, V],
	table cache.Table,
	key string,
	prev *cache.Entry[V],
	ttl time.Duration,
) (refresh[V], error) {
	detached := context.WithoutCancel(ctx)
	ch := o.flight.DoChan(string(table)+"\x00"+key, func() (any, error) {
		return callUpstream(detached, o, req, table, key, prev, ttl)
	})

	select {
	case <-ctx.Done():
		return refresh[V]{}, ctx.Err()
	case res := <-ch:
		if res.Shared {
			o.metrics.Shared()
		}
		if res.Err != nil {
			return refresh[V]{}, res.Err
		}
		r, ok := res.Val.(refresh[V])
		if !ok {
			return refresh[V]{}, fmt.Errorf("%w: in-flight call for %s/%s produced %T", ErrInvalidRequest, table, key, res.Val)
		}
		return r, nil
	}
}

// callUpstream performs one upstream call, records its usage and writes a
// successful value back to the store. A failed write is logged and does not
// fail the call. The call is admitted by the rate gate once per shared
// flight, so callers that join it consume no budget.
func callUpstream[K cache.Key, V cache.Payload](
	ctx context.Context,
	o *Orchestrator,
	req Request[K, V],
	table cache.Table,
	key string,
	prev *cache.Entry[V],
	ttl time.Duration,
) (refresh[V], error) {
	log := logging.FromContext(ctx)

	if st := o.gate.Admit(ctx, req.API, o.clock.Now()); !st.Allowed {
		log.Warn().
			Ctx(ctx).
			Str("component", "fetch").
			Str("api", req.API).
			Int("used", st.Used).
			Msg("rate budget exhausted, skipping upstream call")
		return refresh[V]{}, fmt.Errorf("%w for %s", ErrRateBudgetExhausted, req.API)
	}

	start := o.clock.Now()
	value, err := req.Fetch(ctx)
	if err == nil {
		if verr := value.Validate(); verr != nil {
			err = fmt.Errorf("%w: %w", ErrNoData, verr)
		}
	}
	fetchedAt := o.clock.Now()
	latency := fetchedAt.Sub(start)

	outcome, status := Classify(err)
	usage := cache.UsageRecord{
		APIName:    req.API,
		Endpoint:   req.Endpoint,
		Outcome:    outcome,
		StatusCode: status,
		LatencyMs:  latency.Milliseconds(),
		CalledAt:   start,
	}
	if err != nil {
		usage.Error = err.Error()
	}
	if req.API != "" {
		cache.LogCall(ctx, o.backend, usage)
	}
	o.metrics.Upstream(req.API, string(outcome), latency)

	if err != nil {
		log.Warn().
			Ctx(ctx).
			Str("component", "fetch").
			Str("operation", "upstream").
			Str("api", req.API).
			Str("table", string(table)).
			Str("key", key).
			Str("outcome", string(outcome)).
			Int("status_code", status).
			Err(err).
			Msg("upstream fetch failed")
		return refresh[V]{}, err
	}

	if req.Merge != nil {
		var p *V
		if prev != nil {
			p = &prev.Value
		}
		value = req.Merge(p, value)
	}

	r := refresh[V]{value: value, fetchedAt: fetchedAt, expiresAt: fetchedAt.Add(ttl)}

	rec, err := cache.NewRecord(table, key, value, fetchedAt, ttl)
	if err != nil {
		// Merge produced something the store would reject.
		return refresh[V]{}, fmt.Errorf("%w: %w", ErrNoData, err)
	}
	if err := o.backend.Upsert(ctx, rec); err != nil {
		log.Warn().
			Ctx(ctx).
			Str("component", "fetch").
			Str("operation", "upsert").
			Str("table", string(table)).
			Str("key", key).
			Err(err).
			Msg("failed to store fresh value")
		o.metrics.StoreError("upsert")
	}

	log.Debug().
		Ctx(ctx).
		Str("component", "fetch").
		Str("api", req.API).
		Str("table", string(table)).
		Str("key", key).
		Dur("latency", latency).
		Msg("refreshed from upstream")
	return r, nil
}
