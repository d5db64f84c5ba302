package fetch

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/rshade/marketcache/internal/engine/cache"
)

// Orchestrator errors.
var (
	// ErrUnavailable means there is neither fresh nor usable stale data.
	// It is the only error a caller needs to handle as "no data".
	ErrUnavailable = errors.New("data unavailable")

	// ErrInvalidRequest reports a programming error in the request itself.
	ErrInvalidRequest = errors.New("invalid fetch request")

	// ErrRateLimited may be returned by upstream functions that detect a
	// rate-limit response without an HTTP status.
	ErrRateLimited = errors.New("upstream rate limited")

	// ErrNoData means the upstream returned nothing usable.
	ErrNoData = errors.New("upstream returned no usable data")

	// ErrRateBudgetExhausted means the rate gate skipped the upstream call.
	ErrRateBudgetExhausted = errors.New("rate budget exhausted")
)

// HTTPStatusCoder is implemented by upstream errors that carry an HTTP status.
type HTTPStatusCoder interface {
	HTTPStatusCode() int
}

// StatusError is an upstream HTTP failure.
type StatusError struct {
	StatusCode int
	Err        error
}

func (e *StatusError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("upstream returned HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("upstream returned HTTP %d: %v", e.StatusCode, e.Err)
}

func (e *StatusError) Unwrap() error { return e.Err }

// HTTPStatusCode implements HTTPStatusCoder.
func (e *StatusError) HTTPStatusCode() int { return e.StatusCode }

// Classify maps an upstream error to a usage outcome and, when known, its
// HTTP status.
func Classify(err error) (cache.Outcome, int) {
	if err == nil {
		return cache.OutcomeSuccess, 0
	}
	var status int
	var coder HTTPStatusCoder
	if errors.As(err, &coder) {
		status = coder.HTTPStatusCode()
	}
	if status == http.StatusTooManyRequests || errors.Is(err, ErrRateLimited) {
		return cache.OutcomeRateLimited, status
	}
	return cache.OutcomeError, status
}
