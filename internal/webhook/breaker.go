// Package webhook delivers event notifications to external endpoints,
// guarded by a process-wide circuit breaker.
package webhook

import (
	"errors"
	"sync"
	"time"
)

// BreakerState is the circuit breaker state.
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrBreakerOpen is returned when a call is short-circuited without being
// attempted.
var ErrBreakerOpen = errors.New("webhook: circuit breaker open")

// Breaker is a three-state circuit breaker. One instance guards all
// outbound notification traffic for the process: if the endpoint is down,
// every session's notifications fail identically, so sharing avoids
// redundant probing storms.
type Breaker struct {
	mu           sync.Mutex
	state        BreakerState
	failures     int
	threshold    int
	resetTimeout time.Duration
	nextAttempt  time.Time
	probing      bool

	// now is swappable for tests.
	now func() time.Time
}

// NewBreaker creates a breaker that opens after threshold consecutive
// failures and allows a trial call after resetTimeout.
func NewBreaker(threshold int, resetTimeout time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 3
	}
	if resetTimeout <= 0 {
		resetTimeout = 30 * time.Second
	}
	return &Breaker{
		state:        BreakerClosed,
		threshold:    threshold,
		resetTimeout: resetTimeout,
		now:          time.Now,
	}
}

// Execute runs fn under the breaker. While open, fn is not invoked and
// ErrBreakerOpen is returned. Once the reset timeout elapses exactly one
// caller gets a half-open trial; its outcome alone decides closed vs. open.
func (b *Breaker) Execute(fn func() error) error {
	if !b.allow() {
		return ErrBreakerOpen
	}

	err := fn()
	b.record(err)
	return err
}

// allow decides whether a call may proceed, transitioning open → half-open
// when the reset timeout has elapsed.
func (b *Breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		return true
	case BreakerOpen:
		if b.now().Before(b.nextAttempt) {
			return false
		}
		b.state = BreakerHalfOpen
		b.probing = true
		return true
	case BreakerHalfOpen:
		// A probe is already in flight; only one trial call is allowed.
		if b.probing {
			return false
		}
		b.probing = true
		return true
	}
	return false
}

// record applies a call outcome to the breaker state.
func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == BreakerHalfOpen {
		b.probing = false
		if err == nil {
			b.state = BreakerClosed
			b.failures = 0
		} else {
			b.state = BreakerOpen
			b.nextAttempt = b.now().Add(b.resetTimeout)
		}
		return
	}

	if err == nil {
		b.failures = 0
		return
	}

	b.failures++
	if b.failures >= b.threshold {
		b.state = BreakerOpen
		b.nextAttempt = b.now().Add(b.resetTimeout)
	}
}

// State returns the current breaker state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
