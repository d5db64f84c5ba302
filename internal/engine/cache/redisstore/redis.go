// Package redisstore implements cache.Backend on Redis.
//
// Rows are JSON strings under "<prefix>:row:<table>:<key>". Each table keeps
// a sorted set of keys scored by expiry (unix millis) so that maintenance can
// range-delete expired rows without scanning the keyspace. Usage records live
// in one sorted set per API scored by call time.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rshade/marketcache/internal/engine/cache"
	"github.com/rshade/marketcache/internal/logging"
)

// DefaultPrefix namespaces every key written by the store.
const DefaultPrefix = "mc"

// Store is a Redis-backed cache.Backend.
type Store struct {
	rdb    redis.UniversalClient
	prefix string
}

var (
	_ cache.Backend       = (*Store)(nil)
	_ cache.HealthChecker = (*Store)(nil)
)

// New wraps an existing client. An empty prefix selects DefaultPrefix.
func New(rdb redis.UniversalClient, prefix string) *Store {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Store{rdb: rdb, prefix: prefix}
}

// Open connects to addr and pings the server.
func Open(ctx context.Context, addr, password string, db int, prefix string) (*Store, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return New(rdb, prefix), nil
}

// Helper key generation functions
func (s *Store) rowKey(table cache.Table, key string) string {
	return fmt.Sprintf("%s:row:%s:%s", s.prefix, table, key)
}
func (s *Store) expiryKey(table cache.Table) string { return fmt.Sprintf("%s:exp:%s", s.prefix, table) }
func (s *Store) usageKey(api string) string        { return fmt.Sprintf("%s:usage:%s", s.prefix, api) }
func (s *Store) apisKey() string                   { return s.prefix + ":usage:apis" }

func millis(t time.Time) string { return strconv.FormatInt(t.UnixMilli(), 10) }

// exclusive turns a score bound into an exclusive one.
func exclusive(score string) string { return "(" + score }

// Get implements cache.Store.
func (s *Store) Get(ctx context.Context, table cache.Table, key string) (*cache.Record, error) {
	if key == "" {
		return nil, cache.ErrInvalidCacheKey
	}
	b, err := s.rdb.Get(ctx, s.rowKey(table, key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, cache.ErrNotFound
		}
		return nil, fmt.Errorf("redis get %s/%s: %w", table, key, err)
	}

	var rec cache.Record
	if err := json.Unmarshal(b, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal cache entry: %w", err)
	}
	return &rec, nil
}

// Upsert implements cache.Store. The row and its expiry index entry are
// written in one MULTI/EXEC.
func (s *Store) Upsert(ctx context.Context, rec *cache.Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal cache entry: %w", err)
	}

	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.rowKey(rec.Table, rec.Key), b, 0)
		pipe.ZAdd(ctx, s.expiryKey(rec.Table), redis.Z{
			Score:  float64(rec.ExpiresAt.UnixMilli()),
			Member: rec.Key,
		})
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis upsert %s/%s: %w", rec.Table, rec.Key, err)
	}
	return nil
}

// deleteExpiredScript selects and deletes expired rows in one step, so an
// upsert cannot land between the range scan and the delete.
//
// KEYS[1] expiry index, ARGV[1] exclusive max score, ARGV[2] row key prefix.
//
//nolint:gochecknoglobals // Script is immutable; go-redis caches its SHA.
var deleteExpiredScript = redis.NewScript(`
local members = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
local deleted = 0
for _, m in ipairs(members) do
	deleted = deleted + redis.call('DEL', ARGV[2] .. m)
	redis.call('ZREM', KEYS[1], m)
end
return deleted
`)

// DeleteExpired implements cache.Store.
func (s *Store) DeleteExpired(ctx context.Context, table cache.Table, before time.Time) (int64, error) {
	if !table.Valid() {
		return 0, fmt.Errorf("%w: %q", cache.ErrUnknownTable, table)
	}
	n, err := deleteExpiredScript.Run(ctx, s.rdb,
		[]string{s.expiryKey(table)},
		exclusive(millis(before)), s.rowKey(table, ""),
	).Int64()
	if err != nil {
		return 0, fmt.Errorf("redis delete expired %s: %w", table, err)
	}
	return n, nil
}

// TableStats implements cache.Store.
func (s *Store) TableStats(ctx context.Context, table cache.Table, now time.Time) (cache.TableStats, error) {
	if !table.Valid() {
		return cache.TableStats{}, fmt.Errorf("%w: %q", cache.ErrUnknownTable, table)
	}
	var total, expired *redis.IntCmd
	_, err := s.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		total = pipe.ZCard(ctx, s.expiryKey(table))
		expired = pipe.ZCount(ctx, s.expiryKey(table), "-inf", millis(now))
		return nil
	})
	if err != nil {
		return cache.TableStats{}, fmt.Errorf("redis stats %s: %w", table, err)
	}
	return cache.TableStats{Total: total.Val(), Expired: expired.Val()}, nil
}

// AppendUsage implements cache.UsageLog.
func (s *Store) AppendUsage(ctx context.Context, rec cache.UsageRecord) error {
	if rec.ID == "" {
		rec.ID = logging.NewID(rec.CalledAt)
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal usage record: %w", err)
	}
	_, err = s.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, s.apisKey(), rec.APIName)
		pipe.ZAdd(ctx, s.usageKey(rec.APIName), redis.Z{
			Score:  float64(rec.CalledAt.UnixMilli()),
			Member: string(b),
		})
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis append usage: %w", err)
	}
	return nil
}

// CountUsage implements cache.UsageLog.
func (s *Store) CountUsage(ctx context.Context, apiName string, since time.Time) (int, error) {
	n, err := s.rdb.ZCount(ctx, s.usageKey(apiName), millis(since), "+inf").Result()
	if err != nil {
		return 0, fmt.Errorf("redis count usage %s: %w", apiName, err)
	}
	return int(n), nil
}

// SummarizeUsage implements cache.UsageLog.
func (s *Store) SummarizeUsage(ctx context.Context, since time.Time) (map[string]cache.OutcomeCounts, error) {
	apis, err := s.rdb.SMembers(ctx, s.apisKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("redis list usage apis: %w", err)
	}

	out := make(map[string]cache.OutcomeCounts, len(apis))
	for _, api := range apis {
		members, rangeErr := s.rdb.ZRangeByScore(ctx, s.usageKey(api), &redis.ZRangeBy{
			Min: millis(since),
			Max: "+inf",
		}).Result()
		if rangeErr != nil {
			return nil, fmt.Errorf("redis read usage %s: %w", api, rangeErr)
		}
		if len(members) == 0 {
			continue
		}
		var counts cache.OutcomeCounts
		for _, m := range members {
			var rec cache.UsageRecord
			if json.Unmarshal([]byte(m), &rec) != nil {
				continue
			}
			counts.Add(rec.Outcome)
		}
		out[api] = counts
	}
	return out, nil
}

// PruneUsage implements cache.UsageLog.
func (s *Store) PruneUsage(ctx context.Context, before time.Time) (int64, error) {
	apis, err := s.rdb.SMembers(ctx, s.apisKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("redis list usage apis: %w", err)
	}

	var pruned int64
	for _, api := range apis {
		n, remErr := s.rdb.ZRemRangeByScore(ctx, s.usageKey(api), "-inf", exclusive(millis(before))).Result()
		if remErr != nil {
			return pruned, fmt.Errorf("redis prune usage %s: %w", api, remErr)
		}
		pruned += n
	}
	return pruned, nil
}

// Health pings the server.
func (s *Store) Health(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// Close implements cache.Backend.
func (s *Store) Close() error {
	return s.rdb.Close()
}
