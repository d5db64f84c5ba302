package batch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"
)

// Chunking defaults.
const (
	// DefaultChunkSize is the number of items started together.
	DefaultChunkSize = 5

	// DefaultInterBatchDelay is the pause between chunks.
	DefaultInterBatchDelay = 150 * time.Millisecond

	// MinChunkSize is the minimum allowed chunk size.
	MinChunkSize = 1

	// MaxChunkSize is the maximum allowed chunk size.
	MaxChunkSize = 100
)

// Processor errors.
var (
	ErrInvalidBatchSize = fmt.Errorf("chunk size must be between %d and %d", MinChunkSize, MaxChunkSize)
	ErrInvalidDelay     = errors.New("inter-batch delay cannot be negative")
	ErrNilCallback      = errors.New("batch callback cannot be nil")
)

// ItemFunc handles one item. index is the item's position in the input.
type ItemFunc[T any] func(ctx context.Context, item T, index int) error

// ProgressCallback is invoked after each chunk completes.
type ProgressCallback func(progress *Progress)

// Option configures a Processor.
type Option func(*settings)

type settings struct {
	delay      time.Duration
	clock      clockwork.Clock
	onProgress ProgressCallback
}

// WithInterBatchDelay sets the pause between chunks.
func WithInterBatchDelay(d time.Duration) Option {
	return func(s *settings) { s.delay = d }
}

// WithClock sets the clock used for pacing and progress.
func WithClock(c clockwork.Clock) Option {
	return func(s *settings) { s.clock = c }
}

// WithProgressCallback sets a callback invoked after every chunk.
func WithProgressCallback(cb ProgressCallback) Option {
	return func(s *settings) { s.onProgress = cb }
}

// Processor partitions items into chunks.
type Processor[T any] struct {
	chunkSize  int
	delay      time.Duration
	clock      clockwork.Clock
	onProgress ProgressCallback
}

// NewProcessor creates a processor with the given chunk size.
func NewProcessor[T any](chunkSize int, opts ...Option) (*Processor[T], error) {
	if chunkSize < MinChunkSize || chunkSize > MaxChunkSize {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidBatchSize, chunkSize)
	}
	s := settings{delay: DefaultInterBatchDelay, clock: clockwork.NewRealClock()}
	for _, opt := range opts {
		opt(&s)
	}
	if s.delay < 0 {
		return nil, fmt.Errorf("%w: got %s", ErrInvalidDelay, s.delay)
	}
	return &Processor[T]{
		chunkSize:  chunkSize,
		delay:      s.delay,
		clock:      s.clock,
		onProgress: s.onProgress,
	}, nil
}

// NewProcessorWithDefaults creates a processor with DefaultChunkSize and
// DefaultInterBatchDelay.
func NewProcessorWithDefaults[T any]() *Processor[T] {
	p, _ := NewProcessor[T](DefaultChunkSize)
	return p
}

// ChunkSize returns the configured chunk size.
func (p *Processor[T]) ChunkSize() int { return p.chunkSize }

// InterBatchDelay returns the configured pause between chunks.
func (p *Processor[T]) InterBatchDelay() time.Duration { return p.delay }

// ProcessPaced runs fn for every item. Items of one chunk run concurrently;
// the next chunk starts after the current one has finished and the
// inter-batch delay has elapsed. An item error does not stop the others;
// all item errors are joined. Cancelling ctx stops before the next chunk.
func (p *Processor[T]) ProcessPaced(ctx context.Context, items []T, fn ItemFunc[T]) error {
	if fn == nil {
		return ErrNilCallback
	}
	if len(items) == 0 {
		return nil
	}

	bounds := p.CalculateBatches(len(items))
	progress := NewProgress(len(items), len(bounds), p.chunkSize, p.clock)
	errs := make([]error, len(items))

	for chunkIndex, b := range bounds {
		if chunkIndex > 0 && p.delay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-p.clock.After(p.delay):
			}
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		var g errgroup.Group
		for i := b[0]; i < b[1]; i++ {
			g.Go(func() error {
				if err := fn(ctx, items[i], i); err != nil {
					errs[i] = fmt.Errorf("item %d: %w", i, err)
				}
				return nil
			})
		}
		_ = g.Wait()

		progress.AddProcessed(b[1] - b[0])
		if p.onProgress != nil {
			p.onProgress(progress)
		}
	}

	return errors.Join(errs...)
}

// CalculateBatches returns the [start, end) bounds of each chunk.
func (p *Processor[T]) CalculateBatches(totalItems int) [][2]int {
	n := totalItems / p.chunkSize
	if totalItems%p.chunkSize > 0 {
		n++
	}
	out := make([][2]int, n)
	for i := range n {
		start := i * p.chunkSize
		out[i] = [2]int{start, min(start+p.chunkSize, totalItems)}
	}
	return out
}
