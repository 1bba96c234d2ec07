package watchbus

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/mirkobrombin/go-huddle/v1/clock"
)

var ErrCircuitOpen = errors.New("circuit breaker is open")

type state int

const (
	stateClosed state = iota
	stateOpen
	stateHalfOpen
)

// CircuitBreaker decorates a WatchBus so that a failing transport stops
// receiving publishes until a cool-down has elapsed. Watch and Unwatch pass
// through untouched.
type CircuitBreaker struct {
	bus       WatchBus
	clock     clock.Clock
	mu        sync.Mutex
	state     state
	failures  int
	threshold int
	timeout   time.Duration
	lastFail  time.Time
}

// NewCircuitBreaker returns a CircuitBreaker that opens after threshold
// consecutive publish failures and probes again after timeout.
func NewCircuitBreaker(bus WatchBus, threshold int, timeout time.Duration, clk clock.Clock) *CircuitBreaker {
	if threshold <= 0 {
		threshold = 1
	}
	if clk == nil {
		clk = clock.System()
	}
	return &CircuitBreaker{
		bus:       bus,
		clock:     clk,
		threshold: threshold,
		timeout:   timeout,
		state:     stateClosed,
	}
}

// IsHealthy returns true unless the circuit is open and cooling down.
func (cb *CircuitBreaker) IsHealthy() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == stateOpen {
		return cb.clock.Now().Sub(cb.lastFail) > cb.timeout
	}
	return true
}

func (cb *CircuitBreaker) allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case stateClosed:
		return true
	case stateOpen:
		if cb.clock.Now().Sub(cb.lastFail) > cb.timeout {
			cb.state = stateHalfOpen
			return true
		}
		return false
	}
	// half-open: a single probe is already in flight
	return false
}

func (cb *CircuitBreaker) onSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = stateClosed
	cb.failures = 0
}

func (cb *CircuitBreaker) onFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.lastFail = cb.clock.Now()
	cb.failures++
	if cb.state == stateHalfOpen || cb.failures >= cb.threshold {
		cb.state = stateOpen
	}
}

// Publish forwards to the wrapped bus unless the circuit is open.
func (cb *CircuitBreaker) Publish(ctx context.Context, key string, data []byte) error {
	if !cb.allow() {
		return ErrCircuitOpen
	}
	if err := cb.bus.Publish(ctx, key, data); err != nil {
		cb.onFailure()
		return err
	}
	cb.onSuccess()
	return nil
}

func (cb *CircuitBreaker) Watch(ctx context.Context, key string) (chan []byte, error) {
	return cb.bus.Watch(ctx, key)
}

func (cb *CircuitBreaker) Unwatch(ctx context.Context, key string, ch chan []byte) error {
	return cb.bus.Unwatch(ctx, key, ch)
}
