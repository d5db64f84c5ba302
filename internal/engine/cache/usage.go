package cache

import (
	"context"
	"time"

	"github.com/rshade/marketcache/internal/logging"
)

// Outcome classifies an upstream call.
type Outcome string

// Upstream call outcomes.
const (
	OutcomeSuccess     Outcome = "success"
	OutcomeError       Outcome = "error"
	OutcomeRateLimited Outcome = "rate_limited"
)

// DefaultUsageRetention is how long usage records are kept by the sweep.
const DefaultUsageRetention = 7 * 24 * time.Hour

// UsageRecord is one upstream call attempt.
type UsageRecord struct {
	ID         string    `json:"id"`
	APIName    string    `json:"api_name"`
	Endpoint   string    `json:"endpoint,omitempty"`
	Outcome    Outcome   `json:"outcome"`
	StatusCode int       `json:"status_code,omitempty"`
	Error      string    `json:"error,omitempty"`
	LatencyMs  int64     `json:"latency_ms"`
	CalledAt   time.Time `json:"called_at"`
}

// OutcomeCounts aggregates usage records of one API.
type OutcomeCounts struct {
	Success     int `json:"success"`
	Error       int `json:"error"`
	RateLimited int `json:"rate_limited"`
}

// Total returns the number of calls of any outcome.
func (c OutcomeCounts) Total() int { return c.Success + c.Error + c.RateLimited }

// Add counts one record with outcome o.
func (c *OutcomeCounts) Add(o Outcome) {
	switch o {
	case OutcomeSuccess:
		c.Success++
	case OutcomeRateLimited:
		c.RateLimited++
	default:
		c.Error++
	}
}

// LogCall appends rec to the usage log. Failures are logged and swallowed:
// usage accounting never fails a read. A zero CalledAt is stamped with the
// current time.
func LogCall(ctx context.Context, usage UsageLog, rec UsageRecord) {
	if usage == nil {
		return
	}
	if rec.CalledAt.IsZero() {
		rec.CalledAt = time.Now()
	}
	if rec.ID == "" {
		rec.ID = logging.NewID(rec.CalledAt)
	}
	if err := usage.AppendUsage(ctx, rec); err != nil {
		logging.FromContext(ctx).Debug().
			Str("component", "cache").
			Str("operation", "log_call").
			Str("api", rec.APIName).
			Err(err).
			Msg("failed to append usage record")
	}
}

// RateStatus is the result of CheckRateLimit.
type RateStatus struct {
	Allowed   bool
	Remaining int
	Used      int
}

// CheckRateLimit counts calls to apiName within window before now and
// compares them to maxCalls. It fails open when the log cannot be read.
func CheckRateLimit(
	ctx context.Context,
	usage UsageLog,
	apiName string,
	window time.Duration,
	maxCalls int,
	now time.Time,
) RateStatus {
	if usage == nil || maxCalls <= 0 {
		return RateStatus{Allowed: true, Remaining: max(maxCalls, 0)}
	}
	used, err := usage.CountUsage(ctx, apiName, now.Add(-window))
	if err != nil {
		logging.FromContext(ctx).Warn().
			Str("component", "cache").
			Str("operation", "check_rate_limit").
			Str("api", apiName).
			Err(err).
			Msg("usage log unavailable, allowing call")
		return RateStatus{Allowed: true, Remaining: maxCalls}
	}
	remaining := max(maxCalls-used, 0)
	return RateStatus{Allowed: used < maxCalls, Remaining: remaining, Used: used}
}
