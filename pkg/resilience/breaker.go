package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"bank-settlement/pkg/logging"
	"bank-settlement/pkg/metrics"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

var (
	// ErrCircuitOpen is returned when the breaker rejects a call without attempting it
	ErrCircuitOpen = errors.New("circuit breaker open")

	// ErrTimeout is returned when a call exceeds the configured timeout
	ErrTimeout = errors.New("timeout")
)

// Breaker guards calls to one remote collaborator with a circuit breaker
// and a per-call timeout.
type Breaker struct {
	name    string
	cb      *gobreaker.CircuitBreaker
	timeout time.Duration
	metrics metrics.MetricsCollector
	logger  *logging.Logger
}

// NewBreaker creates a breaker named name.
func NewBreaker(name string, config Config, collector metrics.MetricsCollector, logger *logging.Logger) *Breaker {
	b := &Breaker{
		name:    name,
		timeout: config.Timeout,
		metrics: metrics.OrNoOp(collector),
		logger:  logging.OrNop(logger).Named("resilience").With(zap.String("breaker", name)),
	}

	cbConfig := config.CircuitBreakerConfig
	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: cbConfig.MaxRequests,
		Interval:    cbConfig.Interval,
		Timeout:     cbConfig.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if cbConfig.ReadyToTrip != nil {
				return cbConfig.ReadyToTrip(Counts{
					Requests:             counts.Requests,
					TotalSuccesses:       counts.TotalSuccesses,
					TotalFailures:        counts.TotalFailures,
					ConsecutiveSuccesses: counts.ConsecutiveSuccesses,
					ConsecutiveFailures:  counts.ConsecutiveFailures,
				})
			}
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: cbConfig.IsSuccessful,
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			b.logger.Warn("circuit breaker state changed",
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
			b.metrics.RecordCircuitState(name, toCircuitState(to))
		},
	}

	b.cb = gobreaker.NewCircuitBreaker(settings)
	return b
}

// Name returns the breaker name.
func (b *Breaker) Name() string {
	return b.name
}

// State returns the current breaker state.
func (b *Breaker) State() metrics.CircuitState {
	return toCircuitState(b.cb.State())
}

// Do runs fn through the breaker with the configured timeout applied to ctx.
func (b *Breaker) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	callCtx := ctx
	if b.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, b.timeout)
		defer cancel()
	}

	start := time.Now()
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, fn(callCtx)
	})
	if err == nil {
		return nil
	}

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		b.logger.Debug("call rejected", zap.String("state", b.cb.State().String()))
		return fmt.Errorf("%s: %w", b.name, ErrCircuitOpen)
	}

	if ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		b.logger.Debug("call timed out",
			zap.Duration("timeout", b.timeout),
			zap.Duration("elapsed", time.Since(start)),
		)
		return fmt.Errorf("%s: %w after %s", b.name, ErrTimeout, b.timeout)
	}

	return err
}

func toCircuitState(s gobreaker.State) metrics.CircuitState {
	switch s {
	case gobreaker.StateOpen:
		return metrics.CircuitOpen
	case gobreaker.StateHalfOpen:
		return metrics.CircuitHalfOpen
	default:
		return metrics.CircuitClosed
	}
}

// BreakerSet lazily creates one Breaker per key, e.g. per peer bank host.
type BreakerSet struct {
	mu       sync.Mutex
	breakers map[string]*Breaker
	prefix   string
	config   Config
	metrics  metrics.MetricsCollector
	logger   *logging.Logger
}

// NewBreakerSet creates a set whose breakers share config and are named prefix+key.
func NewBreakerSet(prefix string, config Config, collector metrics.MetricsCollector, logger *logging.Logger) *BreakerSet {
	return &BreakerSet{
		breakers: make(map[string]*Breaker),
		prefix:   prefix,
		config:   config,
		metrics:  collector,
		logger:   logger,
	}
}

// For returns the breaker for key, creating it on first use.
func (s *BreakerSet) For(key string) *Breaker {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.breakers[key]
	if !ok {
		b = NewBreaker(s.prefix+key, s.config, s.metrics, s.logger)
		s.breakers[key] = b
	}
	return b
}

// Len returns the number of breakers created so far.
func (s *BreakerSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.breakers)
}
