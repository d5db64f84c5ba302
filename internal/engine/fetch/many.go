package fetch

import (
	"context"
	"fmt"
	"sync"

	"github.com/rshade/marketcache/internal/engine/batch"
	"github.com/rshade/marketcache/internal/engine/cache"
	"github.com/rshade/marketcache/internal/logging"
)

// Outcome is the result of one key of a FetchMany call.
type Outcome[V cache.Payload] struct {
	Result Result[V]
	Err    error
}

// FetchMany fetches every request through the orchestrator, paced by proc.
// Requests sharing a key are fetched once; the first one wins. Keys not
// reached because ctx ended report ErrUnavailable wrapping the context error.
// A nil proc uses the batch defaults.
func FetchMany[K cache.Key, V cache.Payload](
	ctx context.Context,
	o *Orchestrator,
	proc *batch.Processor[Request[K, V]],
	reqs []Request[K, V],
) map[K]Outcome[V] {
	if proc == nil {
		proc = batch.NewProcessorWithDefaults[Request[K, V]]()
	}

	unique := make([]Request[K, V], 0, len(reqs))
	seen := make(map[K]struct{}, len(reqs))
	for _, r := range reqs {
		if _, dup := seen[r.Key]; dup {
			continue
		}
		seen[r.Key] = struct{}{}
		unique = append(unique, r)
	}

	warnOverBudget(ctx, o, unique)

	var mu sync.Mutex
	out := make(map[K]Outcome[V], len(unique))
	err := proc.ProcessPaced(ctx, unique, func(ctx context.Context, r Request[K, V], _ int) error {
		res, fetchErr := FetchWithCache(ctx, o, r)
		mu.Lock()
		out[r.Key] = Outcome[V]{Result: res, Err: fetchErr}
		mu.Unlock()
		return nil
	})
	if err != nil {
		for _, r := range unique {
			if _, done := out[r.Key]; !done {
				out[r.Key] = Outcome[V]{Err: fmt.Errorf("%w: %s: %w", ErrUnavailable, r.Key.String(), err)}
			}
		}
	}
	return out
}

// warnOverBudget compares the number of requests per API with the remaining
// budget and logs when a batch will exhaust it. The rate gate enforces the
// budget per call; this check only makes the shortfall visible up front.
func warnOverBudget[K cache.Key, V cache.Payload](ctx context.Context, o *Orchestrator, reqs []Request[K, V]) {
	gate := o.Gate()
	if gate == nil {
		return
	}
	perAPI := map[string]int{}
	for _, r := range reqs {
		if r.API != "" {
			perAPI[r.API]++
		}
	}
	now := o.Clock().Now()
	for api, n := range perAPI {
		st, ok := gate.Status(ctx, api, now)
		if !ok || n <= st.Remaining {
			continue
		}
		logging.FromContext(ctx).Warn().
			Ctx(ctx).
			Str("component", "fetch").
			Str("operation", "fetch_many").
			Str("api", api).
			Int("requests", n).
			Int("remaining", st.Remaining).
			Msg("batch exceeds rate budget, some keys may be served stale")
	}
}
