package logging

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{"WARN", zerolog.WarnLevel},
		{" error ", zerolog.ErrorLevel},
		{"", zerolog.InfoLevel},
		{"nonsense", zerolog.InfoLevel},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseLevel(tt.in))
		})
	}
}

func TestNewLoggerWithPath_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "marketcache.log")

	res := NewLoggerWithPath(Config{Level: "info", Format: FormatJSON, Output: OutputFile, File: path})
	require.True(t, res.UsingFile)
	assert.False(t, res.FallbackUsed)
	assert.Equal(t, path, res.FilePath)

	res.Logger.Info().Str("component", "test").Msg("hello")
	require.NoError(t, res.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"message":"hello"`)
	assert.Contains(t, string(data), `"component":"test"`)
}

func TestNewLoggerWithPath_FallbackWithoutFile(t *testing.T) {
	res := NewLoggerWithPath(Config{Output: OutputFile})
	assert.False(t, res.UsingFile)
	assert.True(t, res.FallbackUsed)
	assert.NotEmpty(t, res.FallbackReason)
	assert.NoError(t, res.Close())
}

func TestFromContext(t *testing.T) {
	var buf bytes.Buffer
	l := zerolog.New(&buf)

	t.Run("context logger with trace id", func(t *testing.T) {
		buf.Reset()
		ctx := ContextWithTraceID(l.WithContext(context.Background()), "trace-123")
		FromContext(ctx).Info().Msg("with trace")
		assert.Contains(t, buf.String(), `"trace_id":"trace-123"`)
	})

	t.Run("default logger", func(t *testing.T) {
		buf.Reset()
		prev := Default()
		SetDefault(l)
		defer SetDefault(prev)

		FromContext(context.Background()).Info().Msg("fallback")
		assert.Contains(t, buf.String(), "fallback")
	})
}

func TestComponentLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := ComponentLogger(zerolog.New(&buf), "fetch")
	logger.Info().Msg("x")
	assert.Contains(t, buf.String(), `"component":"fetch"`)
}

func TestTraceIDs(t *testing.T) {
	id := GetOrGenerateTraceID(context.Background())
	_, err := ulid.ParseStrict(id)
	require.NoError(t, err)

	ctx := ContextWithTraceID(context.Background(), id)
	assert.Equal(t, id, GetOrGenerateTraceID(ctx))

	earlier := NewID(time.Unix(1000, 0))
	later := NewID(time.Unix(2000, 0))
	assert.Less(t, earlier, later)
}

func TestNewID_UnrepresentableTimes(t *testing.T) {
	for name, ts := range map[string]time.Time{
		"zero":      {},
		"pre-epoch": time.Date(1960, 1, 1, 0, 0, 0, 0, time.UTC),
		"far":       time.Date(12000, 1, 1, 0, 0, 0, 0, time.UTC),
	} {
		t.Run(name, func(t *testing.T) {
			var id string
			require.NotPanics(t, func() { id = NewID(ts) })
			parsed, err := ulid.ParseStrict(id)
			require.NoError(t, err)
			assert.WithinDuration(t, time.Now(), ulid.Time(parsed.Time()), time.Minute)
		})
	}
}
