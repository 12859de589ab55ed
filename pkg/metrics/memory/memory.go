package memory

import (
	"sync"
	"time"

	"bank-settlement/pkg/metrics"
)

// MemoryCollector implements MetricsCollector for in-memory testing.
type MemoryCollector struct {
	mu sync.RWMutex

	transitions   map[string]int64
	settlements   map[string]int64
	inbound       map[string]int64
	circuitStates map[string]metrics.CircuitState
	cacheHits     map[string]int64
	cacheMisses   map[string]int64

	passes           int64
	refreshes        int64
	failedRefreshes  int64
	directorySize    int
	queueDepth       int
	droppedEvents    int64
	publishedEvents  int64
	failedPublishes  int64
	settlementTiming []time.Duration
}

// NewMemoryCollector creates a new in-memory metrics collector.
func NewMemoryCollector() *MemoryCollector {
	return &MemoryCollector{
		transitions:   make(map[string]int64),
		settlements:   make(map[string]int64),
		inbound:       make(map[string]int64),
		circuitStates: make(map[string]metrics.CircuitState),
		cacheHits:     make(map[string]int64),
		cacheMisses:   make(map[string]int64),
	}
}

func (mc *MemoryCollector) RecordTransition(from, to string) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.transitions[from+"->"+to]++
}

func (mc *MemoryCollector) RecordSettlement(outcome string, duration time.Duration) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.settlements[outcome]++
	mc.settlementTiming = append(mc.settlementTiming, duration)
}

func (mc *MemoryCollector) RecordPass(transactions int, duration time.Duration) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.passes++
}

func (mc *MemoryCollector) RecordDirectoryRefresh(success bool, banks int, duration time.Duration) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	if success {
		mc.refreshes++
		mc.directorySize = banks
	} else {
		mc.failedRefreshes++
	}
}

func (mc *MemoryCollector) RecordInbound(outcome string) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.inbound[outcome]++
}

func (mc *MemoryCollector) RecordCircuitState(name string, state metrics.CircuitState) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.circuitStates[name] = state
}

func (mc *MemoryCollector) RecordQueueDepth(depth int) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.queueDepth = depth
}

func (mc *MemoryCollector) RecordEventDropped() {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.droppedEvents++
}

func (mc *MemoryCollector) RecordEventPublished(success bool, duration time.Duration) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	if success {
		mc.publishedEvents++
	} else {
		mc.failedPublishes++
	}
}

func (mc *MemoryCollector) RecordCacheLookup(cache string, hit bool) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	if hit {
		mc.cacheHits[cache]++
	} else {
		mc.cacheMisses[cache]++
	}
}

// Snapshot is a point-in-time copy of everything recorded.
type Snapshot struct {
	Transitions     map[string]int64
	Settlements     map[string]int64
	Inbound         map[string]int64
	CircuitStates   map[string]metrics.CircuitState
	CacheHits       map[string]int64
	CacheMisses     map[string]int64
	Passes          int64
	Refreshes       int64
	FailedRefreshes int64
	DirectorySize   int
	QueueDepth      int
	DroppedEvents   int64
	PublishedEvents int64
	FailedPublishes int64
}

// Snapshot returns a copy of the collected metrics.
func (mc *MemoryCollector) Snapshot() Snapshot {
	mc.mu.RLock()
	defer mc.mu.RUnlock()

	return Snapshot{
		Transitions:     copyCounts(mc.transitions),
		Settlements:     copyCounts(mc.settlements),
		Inbound:         copyCounts(mc.inbound),
		CircuitStates:   copyStates(mc.circuitStates),
		CacheHits:       copyCounts(mc.cacheHits),
		CacheMisses:     copyCounts(mc.cacheMisses),
		Passes:          mc.passes,
		Refreshes:       mc.refreshes,
		FailedRefreshes: mc.failedRefreshes,
		DirectorySize:   mc.directorySize,
		QueueDepth:      mc.queueDepth,
		DroppedEvents:   mc.droppedEvents,
		PublishedEvents: mc.publishedEvents,
		FailedPublishes: mc.failedPublishes,
	}
}

func copyCounts(in map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func copyStates(in map[string]metrics.CircuitState) map[string]metrics.CircuitState {
	out := make(map[string]metrics.CircuitState, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

var _ metrics.MetricsCollector = (*MemoryCollector)(nil)
