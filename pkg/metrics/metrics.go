package metrics

import (
	"time"
)

// MetricsCollector defines the interface for collecting settlement metrics.
// Implementations can export metrics to various backends (Prometheus, in-memory for tests).
type MetricsCollector interface {
	// Outbound settlement
	RecordTransition(from, to string)
	RecordSettlement(outcome string, duration time.Duration)
	RecordPass(transactions int, duration time.Duration)

	// Bank directory
	RecordDirectoryRefresh(success bool, banks int, duration time.Duration)

	// Inbound settlement, outcome is "credited" or an error classification
	RecordInbound(outcome string)

	// Circuit breaker
	RecordCircuitState(name string, state CircuitState)

	// Event publishing
	RecordQueueDepth(depth int)
	RecordEventDropped()
	RecordEventPublished(success bool, duration time.Duration)

	// TTL caches (verification keys, exchange rates)
	RecordCacheLookup(cache string, hit bool)
}

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	// CircuitClosed means the circuit breaker is allowing requests through.
	CircuitClosed CircuitState = iota
	// CircuitOpen means the circuit breaker is blocking requests.
	CircuitOpen
	// CircuitHalfOpen means the circuit breaker is testing if the service has recovered.
	CircuitHalfOpen
)

// String returns the string representation of the circuit state.
func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// NoOpCollector is a no-op implementation of MetricsCollector.
// It's used as the default collector when metrics are not needed.
type NoOpCollector struct{}

func (NoOpCollector) RecordTransition(from, to string)                                      {}
func (NoOpCollector) RecordSettlement(outcome string, duration time.Duration)               {}
func (NoOpCollector) RecordPass(transactions int, duration time.Duration)                   {}
func (NoOpCollector) RecordDirectoryRefresh(success bool, banks int, duration time.Duration) {}
func (NoOpCollector) RecordInbound(outcome string)                                          {}
func (NoOpCollector) RecordCircuitState(name string, state CircuitState)                    {}
func (NoOpCollector) RecordQueueDepth(depth int)                                            {}
func (NoOpCollector) RecordEventDropped()                                                   {}
func (NoOpCollector) RecordEventPublished(success bool, duration time.Duration)             {}
func (NoOpCollector) RecordCacheLookup(cache string, hit bool)                              {}

// OrNoOp returns c, or NoOpCollector when c is nil.
func OrNoOp(c MetricsCollector) MetricsCollector {
	if c == nil {
		return NoOpCollector{}
	}
	return c
}
