package cache

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"time"
)

// Category names a class of data with its own real-world update cadence.
type Category string

// TTL categories.
const (
	CategoryQuote        Category = "quote"
	CategoryCryptoQuote  Category = "crypto_quote"
	CategoryVolatility   Category = "volatility"
	CategoryFearGreed    Category = "fear_greed"
	CategoryMacro        Category = "macro"
	CategoryOnChain      Category = "onchain"
	CategoryFundamentals Category = "fundamentals"
	CategoryCOT          Category = "cot"
)

// TTL configuration constants and defaults.
const (
	// DefaultStaleGraceSeconds bounds how long an expired row may be served
	// as a fallback (1 hour).
	DefaultStaleGraceSeconds = 3600

	// MinTTLSeconds is the minimum allowed TTL.
	MinTTLSeconds = 10

	// MaxTTLSeconds is the maximum allowed TTL (7 days).
	MaxTTLSeconds = 604800

	// minutesPerHour is used for duration formatting calculations.
	minutesPerHour = 60

	// hoursPerDay is used for duration formatting calculations.
	hoursPerDay = 24
)

// defaultTTLSeconds is the built-in policy table.
//
//nolint:gochecknoglobals // Read-only lookup table.
var defaultTTLSeconds = map[Category]int{
	CategoryQuote:        60,
	CategoryCryptoQuote:  30,
	CategoryVolatility:   300,
	CategoryFearGreed:    3600,
	CategoryMacro:        3600,
	CategoryOnChain:      600,
	CategoryFundamentals: 86400,
	CategoryCOT:          86400,
}

// TTL validation errors.
var (
	ErrInvalidTTL      = fmt.Errorf("TTL must be between %d and %d seconds", MinTTLSeconds, MaxTTLSeconds)
	ErrUnknownCategory = errors.New("unknown TTL category")
)

// Policy maps categories to cache lifetimes and stale grace windows.
// A Policy is immutable; WithOverrides returns a modified copy.
type Policy struct {
	ttls       map[Category]time.Duration
	grace      map[Category]time.Duration
	staleGrace time.Duration
}

// DefaultPolicy returns the built-in TTL table with the default stale grace.
func DefaultPolicy() *Policy {
	ttls := make(map[Category]time.Duration, len(defaultTTLSeconds))
	for c, s := range defaultTTLSeconds {
		ttls[c] = seconds(s)
	}
	return &Policy{
		ttls:       ttls,
		grace:      map[Category]time.Duration{},
		staleGrace: seconds(DefaultStaleGraceSeconds),
	}
}

// WithOverrides returns a copy of p with per-category TTL overrides applied.
// Only known categories may be overridden.
func (p *Policy) WithOverrides(ttlSeconds map[string]int) (*Policy, error) {
	out := p.clone()
	for name, s := range ttlSeconds {
		c := Category(name)
		if _, ok := out.ttls[c]; !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownCategory, name)
		}
		if err := ValidateTTL(s); err != nil {
			return nil, fmt.Errorf("category %q: %w", name, err)
		}
		out.ttls[c] = seconds(s)
	}
	return out, nil
}

// WithStaleGrace returns a copy of p with the default grace and optional
// per-category grace overrides replaced. Zero grace disables stale fallback.
func (p *Policy) WithStaleGrace(defaultSeconds int, byCategory map[string]int) (*Policy, error) {
	if defaultSeconds < 0 {
		return nil, fmt.Errorf("stale grace must be >= 0, got %d", defaultSeconds)
	}
	out := p.clone()
	out.staleGrace = seconds(defaultSeconds)
	for name, s := range byCategory {
		c := Category(name)
		if _, ok := out.ttls[c]; !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownCategory, name)
		}
		if s < 0 {
			return nil, fmt.Errorf("stale grace for %q must be >= 0, got %d", name, s)
		}
		out.grace[c] = seconds(s)
	}
	return out, nil
}

// TTL returns the lifetime of category c.
func (p *Policy) TTL(c Category) (time.Duration, error) {
	ttl, ok := p.ttls[c]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownCategory, c)
	}
	return ttl, nil
}

// StaleGrace returns how long expired rows of category c remain usable as a fallback.
func (p *Policy) StaleGrace(c Category) time.Duration {
	if g, ok := p.grace[c]; ok {
		return g
	}
	return p.staleGrace
}

// Categories returns every category in the table, sorted by name.
func (p *Policy) Categories() []Category {
	return slices.Sorted(maps.Keys(p.ttls))
}

func (p *Policy) clone() *Policy {
	return &Policy{
		ttls:       maps.Clone(p.ttls),
		grace:      maps.Clone(p.grace),
		staleGrace: p.staleGrace,
	}
}

func seconds(s int) time.Duration { return time.Duration(s) * time.Second }

// ValidateTTL checks that a TTL in seconds is within the allowed range.
func ValidateTTL(s int) error {
	if s < MinTTLSeconds || s > MaxTTLSeconds {
		return fmt.Errorf("%w: got %d", ErrInvalidTTL, s)
	}
	return nil
}

// FormatDuration formats a duration in a human-readable way.
// Examples: "30s", "5m", "2h30m", "3d2h".
func FormatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%.0fs", d.Seconds())
	}
	if d < time.Hour {
		return fmt.Sprintf("%.0fm", d.Minutes())
	}
	if d < hoursPerDay*time.Hour {
		hours := int(d.Hours())
		minutes := int(d.Minutes()) % minutesPerHour
		if minutes == 0 {
			return fmt.Sprintf("%dh", hours)
		}
		return fmt.Sprintf("%dh%dm", hours, minutes)
	}
	days := int(d.Hours()) / hoursPerDay
	hours := int(d.Hours()) % hoursPerDay
	if hours == 0 {
		return fmt.Sprintf("%dd", days)
	}
	return fmt.Sprintf("%dd%dh", days, hours)
}

// ParseTTL parses a TTL given as integer seconds ("3600") or as a Go
// duration ("1h", "90s") and validates its range.
func ParseTTL(s string) (int, error) {
	if n, err := strconv.Atoi(s); err == nil {
		if vErr := ValidateTTL(n); vErr != nil {
			return 0, vErr
		}
		return n, nil
	}

	duration, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid TTL format: %w", err)
	}

	n := int(duration.Seconds())
	if vErr := ValidateTTL(n); vErr != nil {
		return 0, vErr
	}
	return n, nil
}
