// Package circuitbreaker wraps sony/gobreaker with project defaults.
package circuitbreaker

import (
	"time"

	"github.com/sony/gobreaker/v2"
)

// Config aliases gobreaker settings so callers only import this package.
type Config = gobreaker.Settings

// CircuitBreaker guards calls returning T against a failing dependency.
type CircuitBreaker[T any] struct {
	cb *gobreaker.CircuitBreaker[T]
}

// DefaultConfig returns breaker settings tuned for RPC endpoints: trip after
// five consecutive failures, half-open after 30 seconds.
func DefaultConfig(name string) Config {
	return Config{
		Name:        name,
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	}
}

// New creates a circuit breaker with the given settings.
func New[T any](cfg Config) *CircuitBreaker[T] {
	return &CircuitBreaker[T]{cb: gobreaker.NewCircuitBreaker[T](cfg)}
}

// Execute runs fn through the breaker.
func (c *CircuitBreaker[T]) Execute(fn func() (T, error)) (T, error) {
	return c.cb.Execute(fn)
}

// State returns the breaker's current state.
func (c *CircuitBreaker[T]) State() gobreaker.State {
	return c.cb.State()
}

// IsOpen reports whether the breaker currently rejects calls.
func (c *CircuitBreaker[T]) IsOpen() bool {
	return c.cb.State() == gobreaker.StateOpen
}
