// Package logging builds the zerolog loggers used across marketcache.
//
// Components receive a logger through their constructors or through the
// request context (see FromContext). Every component tags its events with a
// "component" field so that cache, fetch and maintenance output can be
// filtered from a single stream.
package logging

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Supported output formats and destinations.
const (
	FormatJSON    = "json"
	FormatConsole = "console"

	OutputStderr = "stderr"
	OutputStdout = "stdout"
	OutputFile   = "file"
)

// Config describes how a logger is constructed.
type Config struct {
	// Level is a zerolog level name (trace, debug, info, warn, error).
	Level string

	// Format is either "json" or "console".
	Format string

	// Output is "stderr", "stdout" or "file".
	Output string

	// File is the log file path used when Output is "file".
	File string

	// Caller adds file:line to every event.
	Caller bool
}

// LogPathResult is the outcome of NewLoggerWithPath.
type LogPathResult struct {
	Logger         zerolog.Logger
	UsingFile      bool
	FilePath       string
	FallbackUsed   bool
	FallbackReason string

	file *os.File
}

// Close releases the log file handle, if one was opened.
func (r *LogPathResult) Close() error {
	if r == nil || r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	return err
}

//nolint:gochecknoglobals // Fallback logger for code paths without a context logger.
var (
	defaultLogger   = zerolog.New(os.Stderr).Level(zerolog.InfoLevel).With().Timestamp().Logger()
	defaultLoggerMu sync.RWMutex
)

// NewLogger builds a logger writing to cfg.Output. File errors fall back to
// stderr silently; use NewLoggerWithPath when the caller needs to report them.
func NewLogger(cfg Config) zerolog.Logger {
	res := NewLoggerWithPath(cfg)
	return res.Logger
}

// NewLoggerWithPath builds a logger and reports whether file output could be used.
func NewLoggerWithPath(cfg Config) LogPathResult {
	var (
		w   io.Writer = os.Stderr
		res LogPathResult
	)

	switch strings.ToLower(cfg.Output) {
	case OutputStdout:
		w = os.Stdout
	case OutputFile:
		f, err := openLogFile(cfg.File)
		if err != nil {
			res.FallbackUsed = true
			res.FallbackReason = err.Error()
			break
		}
		w = f
		res.file = f
		res.UsingFile = true
		res.FilePath = cfg.File
	}

	if strings.EqualFold(cfg.Format, FormatConsole) && !res.UsingFile {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}

	ctx := zerolog.New(w).Level(ParseLevel(cfg.Level)).With().Timestamp()
	if cfg.Caller {
		ctx = ctx.Caller()
	}
	res.Logger = ctx.Logger()
	return res
}

func openLogFile(path string) (*os.File, error) {
	if path == "" {
		return nil, fmt.Errorf("log output is %q but no file path is configured", OutputFile)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("creating log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("opening log file: %w", err)
	}
	return f, nil
}

// ParseLevel parses a level name, defaulting to info.
func ParseLevel(level string) zerolog.Level {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || level == "" {
		return zerolog.InfoLevel
	}
	return lvl
}

// ComponentLogger returns a child logger tagged with the component name.
func ComponentLogger(l zerolog.Logger, component string) zerolog.Logger {
	return l.With().Str("component", component).Logger()
}

// SetDefault replaces the logger returned by FromContext for contexts that
// carry none.
func SetDefault(l zerolog.Logger) {
	defaultLoggerMu.Lock()
	defer defaultLoggerMu.Unlock()
	defaultLogger = l
}

// Default returns the process-wide fallback logger.
func Default() zerolog.Logger {
	defaultLoggerMu.RLock()
	defer defaultLoggerMu.RUnlock()
	return defaultLogger
}

// FromContext returns the logger stored in ctx, or the default logger.
// A trace id stored with ContextWithTraceID is attached to the result.
func FromContext(ctx context.Context) *zerolog.Logger {
	l := zerolog.Ctx(ctx)
	if l.GetLevel() == zerolog.Disabled || l == zerolog.DefaultContextLogger {
		d := Default()
		l = &d
	}
	if traceID := TraceIDFromContext(ctx); traceID != "" {
		withTrace := l.With().Str("trace_id", traceID).Logger()
		return &withTrace
	}
	return l
}

// PrintLogPathMessage tells the operator where logs are being written.
func PrintLogPathMessage(w io.Writer, path string) {
	_, _ = fmt.Fprintf(w, "Logging to %s\n", path)
}

// PrintFallbackWarning reports that file logging could not be enabled.
func PrintFallbackWarning(w io.Writer, reason string) {
	_, _ = fmt.Fprintf(w, "Warning: file logging unavailable (%s), logging to stderr\n", reason)
}
