package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// State is the freshness of a cached row relative to a point in time.
type State int

const (
	// StateFresh rows are served directly.
	StateFresh State = iota
	// StateStale rows are served only as a fallback when upstream fails.
	StateStale
	// StateDead rows are never served.
	StateDead
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateFresh:
		return "fresh"
	case StateStale:
		return "stale"
	default:
		return "dead"
	}
}

// Record is the storage form of a cache row.
// Payload holds the JSON encoding of a Payload whose kind is Kind.
type Record struct {
	Table     Table           `json:"table"`
	Key       string          `json:"key"`
	Kind      PayloadKind     `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
	FetchedAt time.Time       `json:"fetched_at"`
	ExpiresAt time.Time       `json:"expires_at"`
}

// Record validation errors.
var (
	ErrInvalidCacheKey  = errors.New("cache key cannot be empty")
	ErrMissingTimestamp = errors.New("cache record requires fetched_at and expires_at")
	ErrKindMismatch     = errors.New("payload kind does not match")
)

// Validate checks the invariants every backend enforces before writing.
func (r *Record) Validate() error {
	if r == nil {
		return errors.New("nil cache record")
	}
	if !r.Table.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownTable, r.Table)
	}
	if r.Key == "" {
		return ErrInvalidCacheKey
	}
	if r.FetchedAt.IsZero() || r.ExpiresAt.IsZero() {
		return ErrMissingTimestamp
	}
	if r.ExpiresAt.Before(r.FetchedAt) {
		return fmt.Errorf("cache record expires before it was fetched: %s < %s",
			r.ExpiresAt.Format(time.RFC3339), r.FetchedAt.Format(time.RFC3339))
	}
	if r.Kind.Table() != r.Table {
		return fmt.Errorf("%w: kind %q cannot be stored in table %q", ErrKindMismatch, r.Kind, r.Table)
	}
	if len(r.Payload) == 0 {
		return errors.New("cache record payload is empty")
	}
	return nil
}

// State reports the row's freshness at now for the given stale grace.
func (r *Record) State(now time.Time, staleGrace time.Duration) State {
	return stateAt(now, r.ExpiresAt, staleGrace)
}

// IsExpired reports whether the row is no longer fresh at now.
func (r *Record) IsExpired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// Entry is a decoded cache row.
type Entry[V Payload] struct {
	Key       string
	Value     V
	FetchedAt time.Time
	ExpiresAt time.Time
}

// State reports the entry's freshness at now for the given stale grace.
func (e Entry[V]) State(now time.Time, staleGrace time.Duration) State {
	return stateAt(now, e.ExpiresAt, staleGrace)
}

// Age returns the time elapsed since the value was fetched.
func (e Entry[V]) Age(now time.Time) time.Duration {
	return now.Sub(e.FetchedAt)
}

// TimeUntilExpiration returns the time left before the entry stops being fresh.
// Returns 0 if already expired.
func (e Entry[V]) TimeUntilExpiration(now time.Time) time.Duration {
	remaining := e.ExpiresAt.Sub(now)
	if remaining < 0 {
		return 0
	}
	return remaining
}

func stateAt(now, expiresAt time.Time, staleGrace time.Duration) State {
	switch {
	case now.Before(expiresAt):
		return StateFresh
	case now.Before(expiresAt.Add(staleGrace)):
		return StateStale
	default:
		return StateDead
	}
}

// NewRecord encodes value into a record for key, stamped with fetchedAt and
// expiring ttl later.
func NewRecord[V Payload](table Table, key string, value V, fetchedAt time.Time, ttl time.Duration) (*Record, error) {
	kind, payload, err := EncodePayload(value)
	if err != nil {
		return nil, err
	}
	rec := &Record{
		Table:     table,
		Key:       key,
		Kind:      kind,
		Payload:   payload,
		FetchedAt: fetchedAt,
		ExpiresAt: fetchedAt.Add(ttl),
	}
	if err := rec.Validate(); err != nil {
		return nil, err
	}
	return rec, nil
}

// DecodeEntry decodes rec into an Entry of payload type V, rejecting rows
// whose kind or shape does not match V.
func DecodeEntry[V Payload](rec *Record) (Entry[V], error) {
	value, err := DecodePayload[V](rec.Kind, rec.Payload)
	if err != nil {
		return Entry[V]{}, fmt.Errorf("decoding %s/%s: %w", rec.Table, rec.Key, err)
	}
	if rec.Kind.Table() != rec.Table {
		return Entry[V]{}, fmt.Errorf("%w: kind %q found in table %q", ErrKindMismatch, rec.Kind, rec.Table)
	}
	return Entry[V]{
		Key:       rec.Key,
		Value:     value,
		FetchedAt: rec.FetchedAt,
		ExpiresAt: rec.ExpiresAt,
	}, nil
}
