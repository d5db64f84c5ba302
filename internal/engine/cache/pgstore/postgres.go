// Package pgstore implements cache.Backend on PostgreSQL.
//
// Each domain table maps to its own SQL table keyed by cache_key, so the
// primary key is the uniqueness constraint that makes concurrent upserts
// safe without explicit locking.
package pgstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/lib/pq"

	"github.com/rshade/marketcache/internal/engine/cache"
	"github.com/rshade/marketcache/internal/logging"
)

// Schema versioning.
const (
	// SchemaVersion is written by EnsureSchema.
	SchemaVersion = "1.0.0"

	// SchemaConstraint is the range of schema versions this code can use.
	SchemaConstraint = "^1.0.0"

	// pqUndefinedTable is the SQLSTATE for a missing relation.
	pqUndefinedTable = "42P01"
)

// Schema errors.
var (
	ErrSchemaMissing      = errors.New("marketcache schema is not installed")
	ErrIncompatibleSchema = errors.New("marketcache schema version is incompatible")
)

//nolint:gochecknoglobals // Fixed mapping of domain tables to SQL relations.
var sqlTables = map[cache.Table]string{
	cache.TableMarketPrice:    "market_price_cache",
	cache.TableMacroIndicator: "macro_indicator_cache",
	cache.TableFundamentals:   "fundamentals_cache",
	cache.TableCryptoOnChain:  "crypto_onchain_cache",
}

// SQLTable returns the relation name backing table.
func SQLTable(table cache.Table) (string, error) {
	name, ok := sqlTables[table]
	if !ok {
		return "", fmt.Errorf("%w: %q", cache.ErrUnknownTable, table)
	}
	return name, nil
}

// Store is a PostgreSQL-backed cache.Backend.
type Store struct {
	db *sql.DB
}

var (
	_ cache.Backend       = (*Store)(nil)
	_ cache.HealthChecker = (*Store)(nil)
)

// New wraps an open database handle.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Open connects with the lib/pq driver and verifies connectivity.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxIdleTime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	return New(db), nil
}

// EnsureSchema creates the cache relations if missing and records
// SchemaVersion, then verifies the installed version.
func (s *Store) EnsureSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return err
	}

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS marketcache_schema (version TEXT NOT NULL)`,
		`CREATE TABLE IF NOT EXISTS api_usage_log (
			id TEXT PRIMARY KEY,
			api_name TEXT NOT NULL,
			endpoint TEXT,
			outcome TEXT NOT NULL,
			status_code INTEGER,
			error TEXT,
			latency_ms BIGINT NOT NULL DEFAULT 0,
			called_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS api_usage_log_api_called_idx ON api_usage_log (api_name, called_at)`,
	}
	for _, t := range cache.Tables() {
		name := sqlTables[t]
		stmts = append(stmts,
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			cache_key TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			payload JSONB NOT NULL,
			fetched_at TIMESTAMPTZ NOT NULL,
			expires_at TIMESTAMPTZ NOT NULL
		)`, name),
			fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_expires_at_idx ON %s (expires_at)`, name, name),
		)
	}
	stmts = append(stmts,
		`INSERT INTO marketcache_schema (version) SELECT $1 WHERE NOT EXISTS (SELECT 1 FROM marketcache_schema)`)

	for i, stmt := range stmts {
		var execErr error
		if i == len(stmts)-1 {
			_, execErr = tx.ExecContext(ctx, stmt, SchemaVersion)
		} else {
			_, execErr = tx.ExecContext(ctx, stmt)
		}
		if execErr != nil {
			_ = tx.Rollback()
			return fmt.Errorf("ensure schema: %w", execErr)
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	_, err = s.CheckSchema(ctx)
	return err
}

// CheckSchema reads the installed schema version and checks it against
// SchemaConstraint.
func (s *Store) CheckSchema(ctx context.Context) (*semver.Version, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT version FROM marketcache_schema LIMIT 1`).Scan(&raw)
	if err != nil {
		var pqErr *pq.Error
		if errors.Is(err, sql.ErrNoRows) || (errors.As(err, &pqErr) && pqErr.Code == pqUndefinedTable) {
			return nil, ErrSchemaMissing
		}
		return nil, fmt.Errorf("read schema version: %w", err)
	}

	v, err := semver.NewVersion(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: unparsable version %q: %w", ErrIncompatibleSchema, raw, err)
	}
	c, err := semver.NewConstraint(SchemaConstraint)
	if err != nil {
		return nil, err
	}
	if !c.Check(v) {
		return v, fmt.Errorf("%w: installed %s, need %s", ErrIncompatibleSchema, v, SchemaConstraint)
	}
	return v, nil
}

// Get implements cache.Store.
func (s *Store) Get(ctx context.Context, table cache.Table, key string) (*cache.Record, error) {
	name, err := SQLTable(table)
	if err != nil {
		return nil, err
	}

	rec := cache.Record{Table: table, Key: key}
	var kind string
	var payload []byte
	q := fmt.Sprintf(`SELECT kind, payload, fetched_at, expires_at FROM %s WHERE cache_key = $1`, name)
	err = s.db.QueryRowContext(ctx, q, key).Scan(&kind, &payload, &rec.FetchedAt, &rec.ExpiresAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, cache.ErrNotFound
		}
		return nil, fmt.Errorf("postgres get %s/%s: %w", table, key, err)
	}
	rec.Kind = cache.PayloadKind(kind)
	rec.Payload = payload
	return &rec, nil
}

// Upsert implements cache.Store.
func (s *Store) Upsert(ctx context.Context, rec *cache.Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	name, err := SQLTable(rec.Table)
	if err != nil {
		return err
	}

	q := fmt.Sprintf(`
		INSERT INTO %s (cache_key, kind, payload, fetched_at, expires_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (cache_key) DO UPDATE SET
			kind = EXCLUDED.kind,
			payload = EXCLUDED.payload,
			fetched_at = EXCLUDED.fetched_at,
			expires_at = EXCLUDED.expires_at
	`, name)
	_, err = s.db.ExecContext(ctx, q, rec.Key, string(rec.Kind), string(rec.Payload), rec.FetchedAt, rec.ExpiresAt)
	if err != nil {
		return fmt.Errorf("postgres upsert %s/%s: %w", rec.Table, rec.Key, err)
	}
	return nil
}

// DeleteExpired implements cache.Store.
func (s *Store) DeleteExpired(ctx context.Context, table cache.Table, before time.Time) (int64, error) {
	name, err := SQLTable(table)
	if err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE expires_at < $1`, name), before)
	if err != nil {
		return 0, fmt.Errorf("postgres delete expired %s: %w", table, err)
	}
	return res.RowsAffected()
}

// TableStats implements cache.Store.
func (s *Store) TableStats(ctx context.Context, table cache.Table, now time.Time) (cache.TableStats, error) {
	name, err := SQLTable(table)
	if err != nil {
		return cache.TableStats{}, err
	}
	var st cache.TableStats
	q := fmt.Sprintf(`SELECT COUNT(*), COUNT(*) FILTER (WHERE expires_at <= $1) FROM %s`, name)
	if err := s.db.QueryRowContext(ctx, q, now).Scan(&st.Total, &st.Expired); err != nil {
		return cache.TableStats{}, fmt.Errorf("postgres stats %s: %w", table, err)
	}
	return st, nil
}

// AppendUsage implements cache.UsageLog.
func (s *Store) AppendUsage(ctx context.Context, rec cache.UsageRecord) error {
	if rec.ID == "" {
		rec.ID = logging.NewID(rec.CalledAt)
	}
	const q = `
		INSERT INTO api_usage_log (id, api_name, endpoint, outcome, status_code, error, latency_ms, called_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err := s.db.ExecContext(ctx, q,
		rec.ID,
		rec.APIName,
		sql.NullString{String: rec.Endpoint, Valid: rec.Endpoint != ""},
		string(rec.Outcome),
		sql.NullInt64{Int64: int64(rec.StatusCode), Valid: rec.StatusCode != 0},
		sql.NullString{String: rec.Error, Valid: rec.Error != ""},
		rec.LatencyMs,
		rec.CalledAt,
	)
	if err != nil {
		return fmt.Errorf("postgres append usage: %w", err)
	}
	return nil
}

// CountUsage implements cache.UsageLog.
func (s *Store) CountUsage(ctx context.Context, apiName string, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM api_usage_log WHERE api_name = $1 AND called_at >= $2`,
		apiName, since,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("postgres count usage %s: %w", apiName, err)
	}
	return n, nil
}

// SummarizeUsage implements cache.UsageLog.
func (s *Store) SummarizeUsage(ctx context.Context, since time.Time) (map[string]cache.OutcomeCounts, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT api_name, outcome, COUNT(*)
		FROM api_usage_log
		WHERE called_at >= $1
		GROUP BY api_name, outcome
	`, since)
	if err != nil {
		return nil, fmt.Errorf("postgres summarize usage: %w", err)
	}
	defer rows.Close()

	out := make(map[string]cache.OutcomeCounts)
	for rows.Next() {
		var (
			api, outcome string
			n            int
		)
		if err := rows.Scan(&api, &outcome, &n); err != nil {
			return nil, fmt.Errorf("postgres summarize usage: %w", err)
		}
		c := out[api]
		switch cache.Outcome(outcome) {
		case cache.OutcomeSuccess:
			c.Success += n
		case cache.OutcomeRateLimited:
			c.RateLimited += n
		default:
			c.Error += n
		}
		out[api] = c
	}
	return out, rows.Err()
}

// PruneUsage implements cache.UsageLog.
func (s *Store) PruneUsage(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM api_usage_log WHERE called_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("postgres prune usage: %w", err)
	}
	return res.RowsAffected()
}

// Health pings the database.
func (s *Store) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return s.db.PingContext(ctx)
}

// Close implements cache.Backend.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
