package prometheus

import (
	"strconv"
	"time"

	"bank-settlement/pkg/metrics"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusCollector implements MetricsCollector for Prometheus.
type PrometheusCollector struct {
	namespace string

	// Outbound
	transitions       *prometheus.CounterVec
	settlements       *prometheus.CounterVec
	settlementLatency *prometheus.HistogramVec
	passes            prometheus.Counter
	passSize          prometheus.Histogram
	passLatency       prometheus.Histogram

	// Directory
	refreshes       *prometheus.CounterVec
	directorySize   prometheus.Gauge
	refreshDuration prometheus.Histogram

	// Inbound
	inbound *prometheus.CounterVec

	// Circuit breaker
	circuitOpens *prometheus.CounterVec
	circuitState *prometheus.GaugeVec

	// Events
	queueDepth     prometheus.Gauge
	droppedEvents  prometheus.Counter
	publishedTotal *prometheus.CounterVec
	publishLatency prometheus.Histogram

	// Caches
	cacheLookups *prometheus.CounterVec
}

// NewPrometheusCollector creates a new Prometheus metrics collector.
func NewPrometheusCollector(namespace string) *PrometheusCollector {
	return &PrometheusCollector{
		namespace: namespace,
		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "transaction_transitions_total",
				Help:      "Total number of transaction status transitions",
			},
			[]string{"from", "to"},
		),
		settlements: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "settlement_attempts_total",
				Help:      "Total number of outbound settlement attempts by outcome",
			},
			[]string{"outcome"},
		),
		settlementLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "settlement_attempt_duration_seconds",
				Help:      "Outbound settlement attempt latency",
				Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
			},
			[]string{"outcome"},
		),
		passes: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "processor_passes_total",
				Help:      "Total number of processing passes",
			},
		),
		passSize: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "processor_pass_transactions",
				Help:      "Pending transactions seen per pass",
				Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
			},
		),
		passLatency: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "processor_pass_duration_seconds",
				Help:      "Processing pass latency",
				Buckets:   prometheus.ExponentialBuckets(0.001, 2, 15),
			},
		),
		refreshes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "directory_refreshes_total",
				Help:      "Total number of bank directory refreshes",
			},
			[]string{"status"},
		),
		directorySize: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "directory_banks",
				Help:      "Number of banks in the current directory snapshot",
			},
		),
		refreshDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "directory_refresh_duration_seconds",
				Help:      "Bank directory refresh latency",
				Buckets:   prometheus.DefBuckets,
			},
		),
		inbound: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "inbound_transfers_total",
				Help:      "Total number of inbound transfers by outcome",
			},
			[]string{"outcome"},
		),
		circuitOpens: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "circuit_opens_total",
				Help:      "Total number of circuit breaker opens per breaker",
			},
			[]string{"breaker"},
		),
		circuitState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "circuit_state",
				Help:      "Current circuit breaker state (0=closed, 1=open, 2=half-open)",
			},
			[]string{"breaker"},
		),
		queueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "event_queue_depth",
				Help:      "Current event publisher queue depth",
			},
		),
		droppedEvents: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_dropped_total",
				Help:      "Total number of events dropped due to backpressure",
			},
		),
		publishedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_published_total",
				Help:      "Total number of published events",
			},
			[]string{"status"},
		),
		publishLatency: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "event_publish_duration_seconds",
				Help:      "Event publish latency",
				Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 15),
			},
		),
		cacheLookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_lookups_total",
				Help:      "Total number of TTL cache lookups",
			},
			[]string{"cache", "result"},
		),
	}
}

// Register registers all metrics with the given Prometheus registerer.
func (pc *PrometheusCollector) Register(registry prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		pc.transitions,
		pc.settlements,
		pc.settlementLatency,
		pc.passes,
		pc.passSize,
		pc.passLatency,
		pc.refreshes,
		pc.directorySize,
		pc.refreshDuration,
		pc.inbound,
		pc.circuitOpens,
		pc.circuitState,
		pc.queueDepth,
		pc.droppedEvents,
		pc.publishedTotal,
		pc.publishLatency,
		pc.cacheLookups,
	}

	for _, collector := range collectors {
		if err := registry.Register(collector); err != nil {
			return err
		}
	}

	return nil
}

// RecordTransition records a transaction status change.
func (pc *PrometheusCollector) RecordTransition(from, to string) {
	pc.transitions.WithLabelValues(from, to).Inc()
}

// RecordSettlement records one outbound settlement attempt.
func (pc *PrometheusCollector) RecordSettlement(outcome string, duration time.Duration) {
	pc.settlements.WithLabelValues(outcome).Inc()
	pc.settlementLatency.WithLabelValues(outcome).Observe(duration.Seconds())
}

// RecordPass records a completed processing pass.
func (pc *PrometheusCollector) RecordPass(transactions int, duration time.Duration) {
	pc.passes.Inc()
	pc.passSize.Observe(float64(transactions))
	pc.passLatency.Observe(duration.Seconds())
}

// RecordDirectoryRefresh records a bank directory refresh.
func (pc *PrometheusCollector) RecordDirectoryRefresh(success bool, banks int, duration time.Duration) {
	pc.refreshes.WithLabelValues(strconv.FormatBool(success)).Inc()
	if success {
		pc.directorySize.Set(float64(banks))
	}
	pc.refreshDuration.Observe(duration.Seconds())
}

// RecordInbound records the outcome of an inbound transfer.
func (pc *PrometheusCollector) RecordInbound(outcome string) {
	pc.inbound.WithLabelValues(outcome).Inc()
}

// RecordCircuitState records the current circuit breaker state.
func (pc *PrometheusCollector) RecordCircuitState(name string, state metrics.CircuitState) {
	pc.circuitState.WithLabelValues(name).Set(float64(state))
	if state == metrics.CircuitOpen {
		pc.circuitOpens.WithLabelValues(name).Inc()
	}
}

// RecordQueueDepth records the current event queue depth.
func (pc *PrometheusCollector) RecordQueueDepth(depth int) {
	pc.queueDepth.Set(float64(depth))
}

// RecordEventDropped records a dropped event.
func (pc *PrometheusCollector) RecordEventDropped() {
	pc.droppedEvents.Inc()
}

// RecordEventPublished records an event publish attempt.
func (pc *PrometheusCollector) RecordEventPublished(success bool, duration time.Duration) {
	status := "success"
	if !success {
		status = "error"
	}
	pc.publishedTotal.WithLabelValues(status).Inc()
	pc.publishLatency.Observe(duration.Seconds())
}

// RecordCacheLookup records a TTL cache hit or miss.
func (pc *PrometheusCollector) RecordCacheLookup(cache string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	pc.cacheLookups.WithLabelValues(cache, result).Inc()
}
