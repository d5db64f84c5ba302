package cache

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"
)

// MemoryStore is an in-process Backend. It is the default backend for
// single-process deployments and the test double for everything else.
type MemoryStore struct {
	mu     sync.RWMutex
	rows   map[Table]map[string]Record
	usage  []UsageRecord
	closed bool
}

var (
	_ Backend       = (*MemoryStore)(nil)
	_ HealthChecker = (*MemoryStore)(nil)
)

// NewMemoryStore creates an empty in-memory backend.
func NewMemoryStore() *MemoryStore {
	rows := make(map[Table]map[string]Record, len(Tables()))
	for _, t := range Tables() {
		rows[t] = make(map[string]Record)
	}
	return &MemoryStore{rows: rows}
}

// Get implements Store.
func (m *MemoryStore) Get(_ context.Context, table Table, key string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStoreClosed
	}
	rows, ok := m.rows[table]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTable, table)
	}
	rec, ok := rows[key]
	if !ok {
		return nil, ErrNotFound
	}
	rec.Payload = slices.Clone(rec.Payload)
	return &rec, nil
}

// Upsert implements Store.
func (m *MemoryStore) Upsert(_ context.Context, rec *Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStoreClosed
	}
	stored := *rec
	stored.Payload = slices.Clone(rec.Payload)
	m.rows[rec.Table][rec.Key] = stored
	return nil
}

// DeleteExpired implements Store.
func (m *MemoryStore) DeleteExpired(_ context.Context, table Table, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, ErrStoreClosed
	}
	rows, ok := m.rows[table]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownTable, table)
	}
	var deleted int64
	for key, rec := range rows {
		if rec.ExpiresAt.Before(before) {
			delete(rows, key)
			deleted++
		}
	}
	return deleted, nil
}

// TableStats implements Store.
func (m *MemoryStore) TableStats(_ context.Context, table Table, now time.Time) (TableStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return TableStats{}, ErrStoreClosed
	}
	rows, ok := m.rows[table]
	if !ok {
		return TableStats{}, fmt.Errorf("%w: %q", ErrUnknownTable, table)
	}
	st := TableStats{Total: int64(len(rows))}
	for _, rec := range rows {
		if rec.IsExpired(now) {
			st.Expired++
		}
	}
	return st, nil
}

// AppendUsage implements UsageLog.
func (m *MemoryStore) AppendUsage(_ context.Context, rec UsageRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStoreClosed
	}
	m.usage = append(m.usage, rec)
	return nil
}

// CountUsage implements UsageLog.
func (m *MemoryStore) CountUsage(_ context.Context, apiName string, since time.Time) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return 0, ErrStoreClosed
	}
	count := 0
	for _, rec := range m.usage {
		if rec.APIName == apiName && !rec.CalledAt.Before(since) {
			count++
		}
	}
	return count, nil
}

// SummarizeUsage implements UsageLog.
func (m *MemoryStore) SummarizeUsage(_ context.Context, since time.Time) (map[string]OutcomeCounts, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStoreClosed
	}
	out := make(map[string]OutcomeCounts)
	for _, rec := range m.usage {
		if rec.CalledAt.Before(since) {
			continue
		}
		c := out[rec.APIName]
		c.Add(rec.Outcome)
		out[rec.APIName] = c
	}
	return out, nil
}

// PruneUsage implements UsageLog.
func (m *MemoryStore) PruneUsage(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, ErrStoreClosed
	}
	n := len(m.usage)
	m.usage = slices.DeleteFunc(m.usage, func(rec UsageRecord) bool {
		return rec.CalledAt.Before(before)
	})
	return int64(n - len(m.usage)), nil
}

// UsageRecords returns a copy of the usage log, oldest first.
func (m *MemoryStore) UsageRecords() []UsageRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.usage)
}

// Health reports ErrStoreClosed after Close.
func (m *MemoryStore) Health(_ context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrStoreClosed
	}
	return nil
}

// Close implements Backend. Further calls return ErrStoreClosed.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
