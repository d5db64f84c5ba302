package cache

import (
	"bufio"
	"context"
	"encoding/base32"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Common store errors.
var (
	ErrNotFound    = errors.New("cache entry not found")
	ErrStoreClosed = errors.New("cache store is closed")
)

// TableStats is the row census of one table.
type TableStats struct {
	Total   int64 `json:"total"`
	Expired int64 `json:"expired"`
}

// Store persists one row per (table, key).
// Implementations must be safe for concurrent use.
type Store interface {
	// Get returns the row for key, or ErrNotFound.
	Get(ctx context.Context, table Table, key string) (*Record, error)

	// Upsert inserts or fully replaces the row for rec.Key.
	Upsert(ctx context.Context, rec *Record) error

	// DeleteExpired removes rows whose ExpiresAt is before the given time.
	DeleteExpired(ctx context.Context, table Table, before time.Time) (int64, error)

	// TableStats counts all rows and rows expired at now.
	TableStats(ctx context.Context, table Table, now time.Time) (TableStats, error)
}

// UsageLog is the append-only record of upstream calls.
type UsageLog interface {
	AppendUsage(ctx context.Context, rec UsageRecord) error

	// CountUsage counts calls to apiName made at or after since.
	CountUsage(ctx context.Context, apiName string, since time.Time) (int, error)

	// SummarizeUsage groups calls made at or after since by API and outcome.
	SummarizeUsage(ctx context.Context, since time.Time) (map[string]OutcomeCounts, error)

	// PruneUsage deletes records called before the given time.
	PruneUsage(ctx context.Context, before time.Time) (int64, error)
}

// Backend is a complete persistence implementation.
type Backend interface {
	Store
	UsageLog
	Close() error
}

// HealthChecker is implemented by backends that can verify their
// connection or storage is usable.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// File layout constants.
const (
	cacheFileExtension = ".json"
	usageFileName      = "usage.jsonl"
)

// FileStore keeps each row as a JSON file under <directory>/<table>/ and the
// usage log as JSON lines in <directory>/usage.jsonl.
// Thread-safe for concurrent access within one process.
type FileStore struct {
	directory string

	// mu serializes writers; readers share it.
	mu sync.RWMutex
}

var (
	_ Backend       = (*FileStore)(nil)
	_ HealthChecker = (*FileStore)(nil)
)

// NewFileStore creates a file-backed store rooted at directory.
// The directory and its table subdirectories are created if missing.
func NewFileStore(directory string) (*FileStore, error) {
	if directory == "" {
		return nil, errors.New("cache directory cannot be empty")
	}

	for _, t := range Tables() {
		if err := os.MkdirAll(filepath.Join(directory, string(t)), 0750); err != nil {
			return nil, fmt.Errorf("failed to create cache directory: %w", err)
		}
	}

	return &FileStore{directory: directory}, nil
}

// Directory returns the root directory.
func (s *FileStore) Directory() string {
	return s.directory
}

// Get implements Store.
func (s *FileStore) Get(_ context.Context, table Table, key string) (*Record, error) {
	if key == "" {
		return nil, ErrInvalidCacheKey
	}
	if !table.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTable, table)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := os.ReadFile(s.keyToFilePath(table, key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read cache file: %w", err)
	}

	var rec Record
	if unmarshalErr := json.Unmarshal(data, &rec); unmarshalErr != nil {
		return nil, fmt.Errorf("failed to unmarshal cache entry: %w", unmarshalErr)
	}

	// Sanitized file names may collide; the stored key is authoritative.
	if rec.Key != key || rec.Table != table {
		return nil, ErrNotFound
	}

	return &rec, nil
}

// Upsert implements Store.
func (s *FileStore) Upsert(_ context.Context, rec *Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal cache entry: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	filePath := s.keyToFilePath(rec.Table, rec.Key)

	// Write to temporary file first, then rename for atomicity
	tempPath := filePath + ".tmp"
	if writeErr := os.WriteFile(tempPath, data, 0600); writeErr != nil {
		return fmt.Errorf("failed to write cache file: %w", writeErr)
	}

	if renameErr := os.Rename(tempPath, filePath); renameErr != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("failed to rename cache file: %w", renameErr)
	}

	return nil
}

// DeleteExpired implements Store.
func (s *FileStore) DeleteExpired(_ context.Context, table Table, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var deleted int64
	err := s.scanTable(table, func(path string, rec *Record) {
		if rec.ExpiresAt.Before(before) {
			if os.Remove(path) == nil {
				deleted++
			}
		}
	})
	return deleted, err
}

// TableStats implements Store.
func (s *FileStore) TableStats(_ context.Context, table Table, now time.Time) (TableStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var st TableStats
	err := s.scanTable(table, func(_ string, rec *Record) {
		st.Total++
		if rec.IsExpired(now) {
			st.Expired++
		}
	})
	return st, err
}

// scanTable calls fn for every readable row of table. Unreadable or invalid
// files are skipped.
func (s *FileStore) scanTable(table Table, fn func(path string, rec *Record)) error {
	if !table.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownTable, table)
	}

	dir := filepath.Join(s.directory, string(table))
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("failed to read cache directory: %w", err)
	}

	for _, dirEntry := range entries {
		if dirEntry.IsDir() || filepath.Ext(dirEntry.Name()) != cacheFileExtension {
			continue
		}

		path := filepath.Join(dir, dirEntry.Name())
		data, readErr := os.ReadFile(path)
		if readErr != nil {
			continue
		}

		var rec Record
		if json.Unmarshal(data, &rec) != nil {
			continue
		}
		fn(path, &rec)
	}
	return nil
}

// AppendUsage implements UsageLog.
func (s *FileStore) AppendUsage(_ context.Context, rec UsageRecord) error {
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal usage record: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(s.usagePath(), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("failed to open usage log: %w", err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to append usage record: %w", err)
	}
	return f.Close()
}

// CountUsage implements UsageLog.
func (s *FileStore) CountUsage(_ context.Context, apiName string, since time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	err := s.scanUsage(func(rec UsageRecord) bool {
		if rec.APIName == apiName && !rec.CalledAt.Before(since) {
			count++
		}
		return true
	})
	return count, err
}

// SummarizeUsage implements UsageLog.
func (s *FileStore) SummarizeUsage(_ context.Context, since time.Time) (map[string]OutcomeCounts, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]OutcomeCounts)
	err := s.scanUsage(func(rec UsageRecord) bool {
		if !rec.CalledAt.Before(since) {
			c := out[rec.APIName]
			c.Add(rec.Outcome)
			out[rec.APIName] = c
		}
		return true
	})
	return out, err
}

// PruneUsage implements UsageLog. The log is rewritten without the pruned lines.
func (s *FileStore) PruneUsage(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		kept   []UsageRecord
		pruned int64
	)
	err := s.scanUsage(func(rec UsageRecord) bool {
		if rec.CalledAt.Before(before) {
			pruned++
		} else {
			kept = append(kept, rec)
		}
		return true
	})
	if err != nil || pruned == 0 {
		return 0, err
	}

	var b strings.Builder
	for _, rec := range kept {
		line, marshalErr := json.Marshal(rec)
		if marshalErr != nil {
			return 0, fmt.Errorf("failed to marshal usage record: %w", marshalErr)
		}
		b.Write(line)
		b.WriteByte('\n')
	}

	tempPath := s.usagePath() + ".tmp"
	if writeErr := os.WriteFile(tempPath, []byte(b.String()), 0600); writeErr != nil {
		return 0, fmt.Errorf("failed to write usage log: %w", writeErr)
	}
	if renameErr := os.Rename(tempPath, s.usagePath()); renameErr != nil {
		_ = os.Remove(tempPath)
		return 0, fmt.Errorf("failed to rename usage log: %w", renameErr)
	}
	return pruned, nil
}

// scanUsage streams usage records; malformed lines are skipped.
func (s *FileStore) scanUsage(fn func(UsageRecord) bool) error {
	f, err := os.Open(s.usagePath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to open usage log: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var rec UsageRecord
		if json.Unmarshal(scanner.Bytes(), &rec) != nil {
			continue
		}
		if !fn(rec) {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read usage log: %w", err)
	}
	return nil
}

// Health checks that every table directory exists and is a directory.
func (s *FileStore) Health(_ context.Context) error {
	for _, t := range Tables() {
		dir := filepath.Join(s.directory, string(t))
		info, err := os.Stat(dir)
		if err != nil {
			return fmt.Errorf("cache table %s: %w", t, err)
		}
		if !info.IsDir() {
			return fmt.Errorf("cache table %s: %s is not a directory", t, dir)
		}
	}
	return nil
}

// Close implements Backend.
func (s *FileStore) Close() error {
	return nil
}

func (s *FileStore) usagePath() string {
	return filepath.Join(s.directory, usageFileName)
}

// fileNameEncoding maps keys to filesystem-safe names. The mapping is
// injective and its alphabet is case-insensitive.
//
//nolint:gochecknoglobals // Immutable encoder.
var fileNameEncoding = base32.HexEncoding.WithPadding(base32.NoPadding)

// keyToFilePath converts a cache key to a file path.
func (s *FileStore) keyToFilePath(table Table, key string) string {
	return filepath.Join(s.directory, string(table), fileNameEncoding.EncodeToString([]byte(key))+cacheFileExtension)
}
