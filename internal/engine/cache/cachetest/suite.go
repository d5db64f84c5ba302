// Package cachetest holds the conformance suite every cache.Backend must pass.
package cachetest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rshade/marketcache/internal/engine/cache"
)

// BaseTime is the reference instant used by the suite.
//
//nolint:gochecknoglobals // Test fixture.
var BaseTime = time.Date(2025, 3, 14, 15, 0, 0, 0, time.UTC)

// QuoteRecord builds a market price row for key fetched at fetchedAt.
func QuoteRecord(t *testing.T, key string, price float64, fetchedAt time.Time, ttl time.Duration) *cache.Record {
	t.Helper()
	rec, err := cache.NewRecord(cache.TableMarketPrice, key, cache.Quote{Price: price, Currency: "USD"}, fetchedAt, ttl)
	require.NoError(t, err)
	return rec
}

// RunBackendSuite exercises newBackend against the Store and UsageLog contracts.
// newBackend must return an empty backend on every call.
func RunBackendSuite(t *testing.T, newBackend func(t *testing.T) cache.Backend) {
	t.Helper()
	ctx := context.Background()

	t.Run("GetMissing", func(t *testing.T) {
		b := newBackend(t)
		_, err := b.Get(ctx, cache.TableMarketPrice, "AAPL|equity|yahoo")
		require.ErrorIs(t, err, cache.ErrNotFound)
	})

	t.Run("UpsertIsIdempotentPerKey", func(t *testing.T) {
		b := newBackend(t)
		key := "AAPL|equity|yahoo"

		require.NoError(t, b.Upsert(ctx, QuoteRecord(t, key, 100, BaseTime, time.Minute)))
		require.NoError(t, b.Upsert(ctx, QuoteRecord(t, key, 101, BaseTime.Add(time.Minute), time.Minute)))

		rec, err := b.Get(ctx, cache.TableMarketPrice, key)
		require.NoError(t, err)
		q, err := cache.DecodePayload[cache.Quote](rec.Kind, rec.Payload)
		require.NoError(t, err)
		assert.InDelta(t, 101, q.Price, 1e-9)
		assert.True(t, rec.FetchedAt.Equal(BaseTime.Add(time.Minute)), "fetched_at overwritten")
		assert.True(t, rec.ExpiresAt.Equal(BaseTime.Add(2*time.Minute)))

		st, err := b.TableStats(ctx, cache.TableMarketPrice, BaseTime)
		require.NoError(t, err)
		assert.Equal(t, int64(1), st.Total)
	})

	t.Run("TablesAreIndependent", func(t *testing.T) {
		b := newBackend(t)
		require.NoError(t, b.Upsert(ctx, QuoteRecord(t, "shared", 1, BaseTime, time.Minute)))

		macro, err := cache.NewRecord(cache.TableMacroIndicator, "shared",
			cache.MacroObservation{Value: 4.5}, BaseTime, time.Hour)
		require.NoError(t, err)
		require.NoError(t, b.Upsert(ctx, macro))

		got, err := b.Get(ctx, cache.TableMacroIndicator, "shared")
		require.NoError(t, err)
		assert.Equal(t, cache.KindMacro, got.Kind)

		got, err = b.Get(ctx, cache.TableMarketPrice, "shared")
		require.NoError(t, err)
		assert.Equal(t, cache.KindQuote, got.Kind)
	})

	t.Run("DistinctKeysDoNotCollide", func(t *testing.T) {
		b := newBackend(t)
		keys := []string{
			"EUR/USD|fx|yahoo",
			"EUR_USD|fx|yahoo",
			"EUR:USD|fx|yahoo",
			"EUR~USD|fx|yahoo",
			"EUR\\USD|fx|yahoo",
			"eur/usd|fx|yahoo",
		}
		for i, k := range keys {
			require.NoError(t, b.Upsert(ctx, QuoteRecord(t, k, float64(i+1), BaseTime, time.Minute)))
		}

		for i, k := range keys {
			rec, err := b.Get(ctx, cache.TableMarketPrice, k)
			require.NoError(t, err, k)
			assert.Equal(t, k, rec.Key)
			q, err := cache.DecodePayload[cache.Quote](rec.Kind, rec.Payload)
			require.NoError(t, err)
			assert.InDelta(t, float64(i+1), q.Price, 1e-9, k)
		}

		st, err := b.TableStats(ctx, cache.TableMarketPrice, BaseTime)
		require.NoError(t, err)
		assert.Equal(t, int64(len(keys)), st.Total)
	})

	t.Run("UpsertRejectsInvalidRecord", func(t *testing.T) {
		b := newBackend(t)
		rec := QuoteRecord(t, "k", 1, BaseTime, time.Minute)
		rec.FetchedAt = time.Time{}
		require.ErrorIs(t, b.Upsert(ctx, rec), cache.ErrMissingTimestamp)
	})

	t.Run("DeleteExpiredKeepsFreshRows", func(t *testing.T) {
		b := newBackend(t)
		now := BaseTime.Add(time.Hour)

		require.NoError(t, b.Upsert(ctx, QuoteRecord(t, "old", 1, BaseTime, time.Minute)))
		require.NoError(t, b.Upsert(ctx, QuoteRecord(t, "boundary", 1, now.Add(-time.Minute), time.Minute)))
		require.NoError(t, b.Upsert(ctx, QuoteRecord(t, "fresh", 1, now, time.Minute)))

		st, err := b.TableStats(ctx, cache.TableMarketPrice, now)
		require.NoError(t, err)
		assert.Equal(t, cache.TableStats{Total: 3, Expired: 2}, st)

		deleted, err := b.DeleteExpired(ctx, cache.TableMarketPrice, now)
		require.NoError(t, err)
		assert.Equal(t, int64(1), deleted)

		_, err = b.Get(ctx, cache.TableMarketPrice, "old")
		require.ErrorIs(t, err, cache.ErrNotFound)
		_, err = b.Get(ctx, cache.TableMarketPrice, "boundary")
		require.NoError(t, err, "rows expiring exactly at the cutoff are kept")
		_, err = b.Get(ctx, cache.TableMarketPrice, "fresh")
		require.NoError(t, err)
	})

	t.Run("UsageLog", func(t *testing.T) {
		b := newBackend(t)
		records := []cache.UsageRecord{
			{ID: "01", APIName: "yahoo", Outcome: cache.OutcomeSuccess, CalledAt: BaseTime.Add(-8 * 24 * time.Hour)},
			{ID: "02", APIName: "yahoo", Outcome: cache.OutcomeSuccess, CalledAt: BaseTime.Add(-30 * time.Minute)},
			{ID: "03", APIName: "yahoo", Outcome: cache.OutcomeRateLimited, StatusCode: 429, CalledAt: BaseTime.Add(-10 * time.Minute)},
			{ID: "04", APIName: "fred", Outcome: cache.OutcomeError, Error: "boom", CalledAt: BaseTime.Add(-5 * time.Minute)},
		}
		for _, rec := range records {
			require.NoError(t, b.AppendUsage(ctx, rec))
		}

		n, err := b.CountUsage(ctx, "yahoo", BaseTime.Add(-time.Hour))
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		summary, err := b.SummarizeUsage(ctx, BaseTime.Add(-24*time.Hour))
		require.NoError(t, err)
		assert.Equal(t, cache.OutcomeCounts{Success: 1, RateLimited: 1}, summary["yahoo"])
		assert.Equal(t, cache.OutcomeCounts{Error: 1}, summary["fred"])

		pruned, err := b.PruneUsage(ctx, BaseTime.Add(-7*24*time.Hour))
		require.NoError(t, err)
		assert.Equal(t, int64(1), pruned)

		n, err = b.CountUsage(ctx, "yahoo", time.Time{})
		require.NoError(t, err)
		assert.Equal(t, 2, n)
	})
}
