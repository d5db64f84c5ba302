package fetch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/rshade/marketcache/internal/engine/cache"
)

// Source names an upstream endpoint and the function that calls it.
type Source[V cache.Payload] struct {
	API      string
	Endpoint string
	Fetch    UpstreamFunc[V]
}

// MarketData returns a quote. The TTL category follows the key's asset class.
func MarketData(ctx context.Context, o *Orchestrator, key cache.MarketKey, src Source[cache.Quote]) (Result[cache.Quote], error) {
	return FetchWithCache(ctx, o, Request[cache.MarketKey, cache.Quote]{
		Key:      key,
		Category: key.Category(),
		API:      src.API,
		Endpoint: src.Endpoint,
		Fetch:    src.Fetch,
	})
}

// FearGreed returns a sentiment index reading stored as a macro observation
// under the fear_greed category.
func FearGreed(ctx context.Context, o *Orchestrator, src Source[cache.MacroObservation]) (Result[cache.MacroObservation], error) {
	return FetchWithCache(ctx, o, Request[cache.MacroKey, cache.MacroObservation]{
		Key:      cache.MacroKey{Indicator: "fear_greed"},
		Category: cache.CategoryFearGreed,
		API:      src.API,
		Endpoint: src.Endpoint,
		Fetch:    src.Fetch,
		Merge:    carryPrevious,
	})
}

// MacroData returns the latest observation of a macro indicator. The
// previously cached value, fresh or not, becomes the new observation's
// Previous so callers can read a trend.
func MacroData(ctx context.Context, o *Orchestrator, key cache.MacroKey, src Source[cache.MacroObservation]) (Result[cache.MacroObservation], error) {
	return FetchWithCache(ctx, o, Request[cache.MacroKey, cache.MacroObservation]{
		Key:      key,
		Category: cache.CategoryMacro,
		API:      src.API,
		Endpoint: src.Endpoint,
		Fetch:    src.Fetch,
		Merge:    carryPrevious,
	})
}

func carryPrevious(prev *cache.MacroObservation, next cache.MacroObservation) cache.MacroObservation {
	if prev == nil || next.Previous != nil {
		return next
	}
	// A re-fetch of the same observation keeps the older comparison point.
	if !next.ObservedAt.IsZero() && next.ObservedAt.Equal(prev.ObservedAt) {
		next.Previous = prev.Previous
		return next
	}
	v := prev.Value
	next.Previous = &v
	return next
}

// Fundamentals returns a financial statement.
func Fundamentals(ctx context.Context, o *Orchestrator, key cache.FundamentalsKey, src Source[cache.Statement]) (Result[cache.Statement], error) {
	return FetchWithCache(ctx, o, Request[cache.FundamentalsKey, cache.Statement]{
		Key:      key,
		Category: cache.CategoryFundamentals,
		API:      src.API,
		Endpoint: src.Endpoint,
		Fetch:    src.Fetch,
	})
}

// OnChain returns a crypto on-chain metric.
func OnChain(ctx context.Context, o *Orchestrator, key cache.OnChainKey, src Source[cache.OnChainMetric]) (Result[cache.OnChainMetric], error) {
	return FetchWithCache(ctx, o, Request[cache.OnChainKey, cache.OnChainMetric]{
		Key:      key,
		Category: cache.CategoryOnChain,
		API:      src.API,
		Endpoint: src.Endpoint,
		Fetch:    src.Fetch,
	})
}

// COT returns the latest Commitments of Traders report for a market.
func COT(ctx context.Context, o *Orchestrator, key cache.COTKey, src Source[cache.COTReport]) (Result[cache.COTReport], error) {
	return FetchWithCache(ctx, o, Request[cache.COTKey, cache.COTReport]{
		Key:      key,
		Category: cache.CategoryCOT,
		API:      src.API,
		Endpoint: src.Endpoint,
		Fetch:    src.Fetch,
	})
}

// RawFunc returns an upstream response of unknown shape.
type RawFunc func(ctx context.Context) (any, error)

// MacroFromRaw adapts a loosely typed upstream into a macro observation
// using NormalizeMacroValue. The raw response is kept on the observation.
func MacroFromRaw(unit string, fetch RawFunc) UpstreamFunc[cache.MacroObservation] {
	return func(ctx context.Context) (cache.MacroObservation, error) {
		raw, err := fetch(ctx)
		if err != nil {
			return cache.MacroObservation{}, err
		}
		v, err := NormalizeMacroValue(raw)
		if err != nil {
			return cache.MacroObservation{}, err
		}
		obs := cache.MacroObservation{Value: v, Unit: unit}
		if b, mErr := json.Marshal(raw); mErr == nil {
			obs.Raw = b
		}
		if t, ok := observedAt(raw); ok {
			obs.ObservedAt = t
		}
		return obs, nil
	}
}

var errNotNumeric = errors.New("macro value is not numeric")

// NormalizeMacroValue extracts a numeric value from the shapes macro
// upstreams return: a number, a numeric string, a json.Number, a map with a
// "value" entry, or a struct with a Value field (pointers are followed).
// A missing value is ErrNoData.
func NormalizeMacroValue(raw any) (float64, error) {
	switch v := raw.(type) {
	case nil:
		return 0, ErrNoData
	case float64:
		return finiteValue(v)
	case float32:
		return finiteValue(float64(v))
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case int32:
		return float64(v), nil
	case uint64:
		return float64(v), nil
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return 0, fmt.Errorf("%w: %q", errNotNumeric, v)
		}
		return finiteValue(f)
	case string:
		s := strings.TrimSpace(v)
		// FRED reports missing observations as ".".
		if s == "" || s == "." {
			return 0, ErrNoData
		}
		f, err := strconv.ParseFloat(strings.ReplaceAll(s, ",", ""), 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %q", errNotNumeric, v)
		}
		return finiteValue(f)
	case map[string]any:
		inner, ok := v["value"]
		if !ok {
			return 0, fmt.Errorf("%w: object has no value property", ErrNoData)
		}
		return NormalizeMacroValue(inner)
	}

	rv := reflect.ValueOf(raw)
	switch rv.Kind() {
	case reflect.Pointer:
		if rv.IsNil() {
			return 0, ErrNoData
		}
		return NormalizeMacroValue(rv.Elem().Interface())
	case reflect.Struct:
		f := rv.FieldByName("Value")
		if !f.IsValid() || !f.CanInterface() {
			return 0, fmt.Errorf("%w: %T has no Value field", ErrNoData, raw)
		}
		return NormalizeMacroValue(f.Interface())
	default:
		return 0, fmt.Errorf("%w: unsupported type %T", errNotNumeric, raw)
	}
}

func finiteValue(f float64) (float64, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("%w: %v", errNotNumeric, f)
	}
	return f, nil
}

// observedAt reads a "date" entry from an object-shaped response.
func observedAt(raw any) (time.Time, bool) {
	m, ok := raw.(map[string]any)
	if !ok {
		return time.Time{}, false
	}
	s, ok := m["date"].(string)
	if !ok {
		return time.Time{}, false
	}
	for _, layout := range []string{time.RFC3339, time.DateOnly} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
