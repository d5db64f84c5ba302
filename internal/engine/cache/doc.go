// Package cache holds the data model and persistence contract of the market
// data cache.
//
// Upstream market data (quotes, macro indicators, fundamentals, on-chain and
// COT reports) is stored in one of four tables, one row per composite key.
// Each row carries a tagged payload plus FetchedAt/ExpiresAt timestamps:
//   - Fresh rows (now < ExpiresAt) are served without contacting upstream.
//   - Stale rows (within the grace window after ExpiresAt) are served only
//     when a refresh fails.
//   - Dead rows are never served and are removed by the maintenance sweep.
//
// TTLs come from the named categories of the Policy table. Backends
// (MemoryStore, FileStore, and the redisstore and pgstore subpackages)
// implement Backend: the Store contract plus the append-only UsageLog used
// for rate limiting and operational stats.
package cache
