package batch

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

const percentMultiplier = 100

// Progress tracks chunk processing. It is safe for concurrent use.
type Progress struct {
	totalItems       int
	processedItems   int
	totalBatches     int
	processedBatches int
	batchSize        int
	startTime        time.Time
	lastUpdateTime   time.Time
	clock            clockwork.Clock

	mu sync.RWMutex
}

// ProgressSnapshot is an immutable view of Progress.
type ProgressSnapshot struct {
	TotalItems       int
	ProcessedItems   int
	TotalBatches     int
	ProcessedBatches int
	BatchSize        int
	StartTime        time.Time
	LastUpdateTime   time.Time
	PercentComplete  float64
	ElapsedTime      time.Duration
	ItemsPerSecond   float64
}

// NewProgress creates a tracker. A nil clock selects the real clock.
func NewProgress(totalItems, totalBatches, batchSize int, clock clockwork.Clock) *Progress {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	now := clock.Now()
	return &Progress{
		totalItems:     totalItems,
		totalBatches:   totalBatches,
		batchSize:      batchSize,
		startTime:      now,
		lastUpdateTime: now,
		clock:          clock,
	}
}

// AddProcessed records one finished chunk of n items.
func (p *Progress) AddProcessed(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.processedItems += n
	p.processedBatches++
	p.lastUpdateTime = p.clock.Now()
}

// PercentComplete returns completion in the range 0..100.
func (p *Progress) PercentComplete() float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.percentComplete()
}

// IsComplete reports whether every item has been processed.
func (p *Progress) IsComplete() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.processedItems >= p.totalItems
}

// EstimatedTimeRemaining extrapolates from the average time per item so far.
// Returns 0 before the first chunk completes.
func (p *Progress) EstimatedTimeRemaining() time.Duration {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.processedItems == 0 {
		return 0
	}
	perItem := p.clock.Since(p.startTime) / time.Duration(p.processedItems)
	return perItem * time.Duration(p.totalItems-p.processedItems)
}

// Snapshot returns a copy of the current state.
func (p *Progress) Snapshot() ProgressSnapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()

	elapsed := p.clock.Since(p.startTime)
	var rate float64
	if s := elapsed.Seconds(); s > 0 {
		rate = float64(p.processedItems) / s
	}
	return ProgressSnapshot{
		TotalItems:       p.totalItems,
		ProcessedItems:   p.processedItems,
		TotalBatches:     p.totalBatches,
		ProcessedBatches: p.processedBatches,
		BatchSize:        p.batchSize,
		StartTime:        p.startTime,
		LastUpdateTime:   p.lastUpdateTime,
		PercentComplete:  p.percentComplete(),
		ElapsedTime:      elapsed,
		ItemsPerSecond:   rate,
	}
}

func (p *Progress) percentComplete() float64 {
	if p.totalItems == 0 {
		return 0
	}
	return float64(p.processedItems) / float64(p.totalItems) * percentMultiplier
}
