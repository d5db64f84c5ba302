package logging

import (
	"context"
	"crypto/rand"
	"time"

	"github.com/oklog/ulid/v2"
)

type traceIDKey struct{}

// NewID returns a new lexically sortable ULID string stamped with t. Times
// a ULID cannot carry (zero, before 1970, too far ahead) use the current time.
func NewID(t time.Time) string {
	if t.Before(time.UnixMilli(0)) || t.After(ulid.Time(ulid.MaxTime())) {
		t = time.Now()
	}
	id, err := ulid.New(ulid.Timestamp(t), rand.Reader)
	if err != nil {
		return ulid.Make().String()
	}
	return id.String()
}

// ContextWithTraceID stores a trace id in ctx.
func ContextWithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey{}, traceID)
}

// TraceIDFromContext returns the trace id stored in ctx, if any.
func TraceIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	v, _ := ctx.Value(traceIDKey{}).(string)
	return v
}

// GetOrGenerateTraceID returns the trace id in ctx or a fresh ULID.
func GetOrGenerateTraceID(ctx context.Context) string {
	if id := TraceIDFromContext(ctx); id != "" {
		return id
	}
	return NewID(time.Now())
}
