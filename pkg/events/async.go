package events

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"bank-settlement/pkg/logging"
	"bank-settlement/pkg/metrics"

	"go.uber.org/zap"
)

// Errors returned by AsyncPublisher.
var (
	// ErrQueueFull is returned when the queue stayed full for MaxWaitTime
	ErrQueueFull = errors.New("events: queue full, event dropped")

	// ErrPublisherClosed is returned after Close
	ErrPublisherClosed = errors.New("events: publisher is closed")
)

// AsyncConfig configures the async publisher.
type AsyncConfig struct {
	// QueueSize is the bounded queue size (default: 1000)
	QueueSize int

	// Workers is the number of delivery goroutines (default: 2)
	Workers int

	// MaxWaitTime is how long Publish waits on a full queue (default: 10ms)
	MaxWaitTime time.Duration

	// DeliveryTimeout bounds one delivery to the wrapped publisher (default: 5s)
	DeliveryTimeout time.Duration

	// MetricsInterval is how often queue depth is reported (default: 5s)
	MetricsInterval time.Duration
}

// AsyncStats reports delivery counters.
type AsyncStats struct {
	QueueDepth int
	Enqueued   int64
	Dropped    int64
	Delivered  int64
	Failed     int64
}

// AsyncPublisher hands events to a wrapped Publisher from a worker pool,
// so settlement never waits on the broker.
type AsyncPublisher struct {
	next    Publisher
	queue   chan Event
	config  AsyncConfig
	metrics metrics.MetricsCollector
	logger  *logging.Logger

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	enqueued  int64
	dropped   int64
	delivered int64
	failed    int64
}

// NewAsyncPublisher starts workers delivering to next. Close must be called.
func NewAsyncPublisher(next Publisher, config AsyncConfig, collector metrics.MetricsCollector, logger *logging.Logger) *AsyncPublisher {
	if config.QueueSize <= 0 {
		config.QueueSize = 1000
	}
	if config.Workers <= 0 {
		config.Workers = 2
	}
	if config.MaxWaitTime == 0 {
		config.MaxWaitTime = 10 * time.Millisecond
	}
	if config.DeliveryTimeout <= 0 {
		config.DeliveryTimeout = 5 * time.Second
	}
	if config.MetricsInterval <= 0 {
		config.MetricsInterval = 5 * time.Second
	}

	p := &AsyncPublisher{
		next:    next,
		queue:   make(chan Event, config.QueueSize),
		config:  config,
		metrics: metrics.OrNoOp(collector),
		logger:  logging.OrNop(logger).Named("events"),
		done:    make(chan struct{}),
	}

	for i := 0; i < config.Workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}

	p.wg.Add(1)
	go p.reportMetrics()

	return p
}

// Publish enqueues event. If the queue is full it waits up to MaxWaitTime
// and then drops the event with ErrQueueFull.
func (p *AsyncPublisher) Publish(ctx context.Context, event Event) error {
	select {
	case <-p.done:
		return ErrPublisherClosed
	default:
	}

	timer := time.NewTimer(p.config.MaxWaitTime)
	defer timer.Stop()

	select {
	case p.queue <- event:
		atomic.AddInt64(&p.enqueued, 1)
		return nil
	case <-timer.C:
		atomic.AddInt64(&p.dropped, 1)
		p.metrics.RecordEventDropped()
		p.logger.Warn("event dropped",
			zap.String("type", string(event.Type)),
			zap.String("transaction_id", event.TransactionID),
		)
		return ErrQueueFull
	case <-ctx.Done():
		return ctx.Err()
	case <-p.done:
		return ErrPublisherClosed
	}
}

func (p *AsyncPublisher) worker() {
	defer p.wg.Done()

	for {
		select {
		case event := <-p.queue:
			p.deliver(event)
		case <-p.done:
			// drain what is already queued
			for {
				select {
				case event := <-p.queue:
					p.deliver(event)
				default:
					return
				}
			}
		}
	}
}

func (p *AsyncPublisher) deliver(event Event) {
	ctx, cancel := context.WithTimeout(context.Background(), p.config.DeliveryTimeout)
	defer cancel()

	start := time.Now()
	err := p.next.Publish(ctx, event)
	p.metrics.RecordEventPublished(err == nil, time.Since(start))

	if err != nil {
		atomic.AddInt64(&p.failed, 1)
		p.logger.Error("event delivery failed",
			zap.String("type", string(event.Type)),
			zap.String("transaction_id", event.TransactionID),
			zap.Error(err),
		)
		return
	}
	atomic.AddInt64(&p.delivered, 1)
}

func (p *AsyncPublisher) reportMetrics() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.config.MetricsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.metrics.RecordQueueDepth(len(p.queue))
		case <-p.done:
			return
		}
	}
}

// Close stops accepting events, delivers everything queued and closes the
// wrapped publisher.
func (p *AsyncPublisher) Close() error {
	var err error
	p.closeOnce.Do(func() {
		close(p.done)
		p.wg.Wait()
		p.metrics.RecordQueueDepth(0)
		err = p.next.Close()
	})
	return err
}

// Stats returns current counters.
func (p *AsyncPublisher) Stats() AsyncStats {
	return AsyncStats{
		QueueDepth: len(p.queue),
		Enqueued:   atomic.LoadInt64(&p.enqueued),
		Dropped:    atomic.LoadInt64(&p.dropped),
		Delivered:  atomic.LoadInt64(&p.delivered),
		Failed:     atomic.LoadInt64(&p.failed),
	}
}
