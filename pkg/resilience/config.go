package resilience

import (
	"time"
)

// Config configures the circuit breaker and call timeout for one remote collaborator.
type Config struct {
	// Timeout bounds every call made through the breaker. 0 disables it.
	Timeout time.Duration

	// CircuitBreakerConfig configures the circuit breaker behavior
	CircuitBreakerConfig CircuitBreakerConfig
}

// CircuitBreakerConfig configures circuit breaker behavior.
type CircuitBreakerConfig struct {
	// MaxRequests allowed through while half-open.
	MaxRequests uint32

	// Interval is the cyclic period of the closed state after which counts are cleared.
	// If Interval is 0, counts are never cleared while closed.
	Interval time.Duration

	// Timeout is the period of the open state after which the state becomes half-open.
	Timeout time.Duration

	// ReadyToTrip is called with a copy of Counts whenever a request fails.
	// If nil, the breaker trips after 5 consecutive failures.
	ReadyToTrip func(counts Counts) bool

	// IsSuccessful decides whether a returned error counts against the breaker.
	// If nil, every non-nil error is a failure.
	IsSuccessful func(err error) bool
}

// Counts holds the numbers of requests and their successes/failures.
type Counts struct {
	Requests             uint32
	TotalSuccesses       uint32
	TotalFailures        uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

// DefaultConfig returns the defaults used for the registry and peer banks.
func DefaultConfig() Config {
	return Config{
		Timeout: 5 * time.Second,
		CircuitBreakerConfig: CircuitBreakerConfig{
			MaxRequests: 1,
			Interval:    60 * time.Second,
			Timeout:     10 * time.Second,
			ReadyToTrip: func(counts Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		},
	}
}

// WithTimeout returns a copy of the config with the specified call timeout.
func (c Config) WithTimeout(timeout time.Duration) Config {
	c.Timeout = timeout
	return c
}

// WithCircuitBreakerTimeout returns a copy of the config with the specified open-state period.
func (c Config) WithCircuitBreakerTimeout(timeout time.Duration) Config {
	c.CircuitBreakerConfig.Timeout = timeout
	return c
}

// WithIsSuccessful returns a copy of the config that classifies errors with fn.
func (c Config) WithIsSuccessful(fn func(err error) bool) Config {
	c.CircuitBreakerConfig.IsSuccessful = fn
	return c
}
