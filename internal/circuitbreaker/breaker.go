package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/SkynetNext/push-gateway/internal/metrics"
)

// ErrOpen is returned by Execute while the breaker rejects calls
var ErrOpen = errors.New("circuit breaker open")

// State represents circuit breaker state
type State int32

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Breaker fails calls fast after maxFailures consecutive failures. After
// timeout one probe call is let through; its result closes or reopens it.
type Breaker struct {
	name        string
	maxFailures int64
	timeout     time.Duration

	mu          sync.RWMutex
	state       int32 // State (atomic)
	failures    int64 // Consecutive failures (atomic)
	probing     int32 // 1 while the half-open probe is in flight
	lastFailure time.Time
}

// NewBreaker creates a new circuit breaker. name labels its state metric.
func NewBreaker(name string, maxFailures int64, timeout time.Duration) *Breaker {
	b := &Breaker{
		name:        name,
		maxFailures: maxFailures,
		timeout:     timeout,
		state:       int32(StateClosed),
	}
	b.publish()
	return b
}

// Allow checks if the circuit breaker allows the call
func (b *Breaker) Allow() bool {
	switch State(atomic.LoadInt32(&b.state)) {
	case StateClosed:
		return true
	case StateOpen:
		b.mu.RLock()
		lastFailure := b.lastFailure
		b.mu.RUnlock()
		if time.Since(lastFailure) < b.timeout {
			return false
		}
		if atomic.CompareAndSwapInt32(&b.state, int32(StateOpen), int32(StateHalfOpen)) {
			b.publish()
		}
		fallthrough
	case StateHalfOpen:
		// Only one probe at a time
		return atomic.CompareAndSwapInt32(&b.probing, 0, 1)
	default:
		return false
	}
}

// RecordSuccess records a successful call
func (b *Breaker) RecordSuccess() {
	atomic.StoreInt64(&b.failures, 0)
	if atomic.CompareAndSwapInt32(&b.state, int32(StateHalfOpen), int32(StateClosed)) {
		b.publish()
	}
	atomic.StoreInt32(&b.probing, 0)
}

// RecordFailure records a failed call
func (b *Breaker) RecordFailure() {
	failures := atomic.AddInt64(&b.failures, 1)
	b.mu.Lock()
	b.lastFailure = time.Now()
	b.mu.Unlock()

	state := State(atomic.LoadInt32(&b.state))
	if state == StateHalfOpen || failures >= b.maxFailures {
		atomic.StoreInt32(&b.state, int32(StateOpen))
		b.publish()
	}
	atomic.StoreInt32(&b.probing, 0)
}

// Execute runs fn when the breaker allows it and records the outcome.
// Context cancellation by the caller does not count as a failure.
func (b *Breaker) Execute(fn func() error) error {
	if !b.Allow() {
		return ErrOpen
	}
	err := fn()
	switch {
	case err == nil:
		b.RecordSuccess()
	case errors.Is(err, context.Canceled):
		atomic.StoreInt32(&b.probing, 0)
	default:
		b.RecordFailure()
	}
	return err
}

// State returns the current state
func (b *Breaker) State() State {
	return State(atomic.LoadInt32(&b.state))
}

func (b *Breaker) publish() {
	metrics.CircuitBreakerState.WithLabelValues(b.name).Set(float64(atomic.LoadInt32(&b.state)))
}
