package bloom

import (
	"context"
	"sync"

	"github.com/bits-and-blooms/bloom/v3"
)

// LookupFunc reports authoritatively whether key has been recorded.
type LookupFunc func(ctx context.Context, key string) (bool, error)

// ReplayFilter puts a bloom filter in front of an authoritative lookup.
// A negative filter answer skips the lookup; a positive one is confirmed by it.
type ReplayFilter struct {
	filter *bloom.BloomFilter
	lookup LookupFunc
	fpRate float64
	mu     sync.RWMutex

	totalQueries   uint64
	bloomRejected  uint64
	falsePositives uint64
}

// NewReplayFilter creates a filter sized for expectedItems.
func NewReplayFilter(lookup LookupFunc, expectedItems uint, falsePositiveRate float64) *ReplayFilter {
	if expectedItems == 0 {
		expectedItems = 100000
	}
	if falsePositiveRate <= 0 || falsePositiveRate >= 1 {
		falsePositiveRate = 0.01
	}

	return &ReplayFilter{
		filter: bloom.NewWithEstimates(expectedItems, falsePositiveRate),
		lookup: lookup,
		fpRate: falsePositiveRate,
	}
}

// Seen reports whether key was recorded before.
func (rf *ReplayFilter) Seen(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	rf.mu.Lock()
	rf.totalQueries++
	if !rf.filter.TestString(key) {
		rf.bloomRejected++
		rf.mu.Unlock()
		return false, nil
	}
	rf.mu.Unlock()

	if rf.lookup == nil {
		return true, nil
	}

	seen, err := rf.lookup(ctx, key)
	if err != nil {
		return false, err
	}
	if !seen {
		rf.mu.Lock()
		rf.falsePositives++
		rf.mu.Unlock()
	}
	return seen, nil
}

// Add records key in the filter.
func (rf *ReplayFilter) Add(key string) {
	rf.mu.Lock()
	rf.filter.AddString(key)
	rf.mu.Unlock()
}

// Reset clears the filter and its statistics.
func (rf *ReplayFilter) Reset() {
	rf.mu.Lock()
	defer rf.mu.Unlock()

	rf.filter = bloom.NewWithEstimates(uint(rf.filter.Cap()), rf.fpRate)
	rf.totalQueries = 0
	rf.bloomRejected = 0
	rf.falsePositives = 0
}

// Stats returns statistics about filter effectiveness.
func (rf *ReplayFilter) Stats() FilterStats {
	rf.mu.RLock()
	defer rf.mu.RUnlock()

	rejectionRate := 0.0
	falsePositiveRate := 0.0

	if rf.totalQueries > 0 {
		rejectionRate = float64(rf.bloomRejected) / float64(rf.totalQueries)
		queried := rf.totalQueries - rf.bloomRejected
		if queried > 0 {
			falsePositiveRate = float64(rf.falsePositives) / float64(queried)
		}
	}

	return FilterStats{
		TotalQueries:      rf.totalQueries,
		BloomRejected:     rf.bloomRejected,
		FalsePositives:    rf.falsePositives,
		RejectionRate:     rejectionRate,
		FalsePositiveRate: falsePositiveRate,
		FilterCapacity:    uint(rf.filter.Cap()),
	}
}

// FilterStats holds statistics about bloom filter performance.
type FilterStats struct {
	TotalQueries      uint64
	BloomRejected     uint64
	FalsePositives    uint64
	RejectionRate     float64
	FalsePositiveRate float64
	FilterCapacity    uint
}
