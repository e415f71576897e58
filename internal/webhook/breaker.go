package webhook

import (
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned without touching the network while the breaker is open.
var ErrCircuitOpen = errors.New("webhook circuit open")

// BreakerState is closed or open.
type BreakerState string

const (
	BreakerClosed BreakerState = "closed"
	BreakerOpen   BreakerState = "open"
)

// Breaker counts failed attempts across all deliveries. Reaching the threshold
// opens it for the cooldown and resets the count; any success closes it.
type Breaker struct {
	mu        sync.Mutex
	threshold int
	cooldown  time.Duration
	failures  int
	openUntil time.Time
	now       func() time.Time
}

// NewBreaker returns a closed breaker. A threshold <= 0 disables it.
func NewBreaker(threshold int, cooldown time.Duration, now func() time.Time) *Breaker {
	if now == nil {
		now = time.Now
	}
	return &Breaker{threshold: threshold, cooldown: cooldown, now: now}
}

// Allow reports whether a delivery may touch the network.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.now().Before(b.openUntil)
}

// RecordSuccess closes the breaker.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.openUntil = time.Time{}
}

// RecordFailure counts one failed attempt and reports whether it opened the breaker.
func (b *Breaker) RecordFailure() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.threshold <= 0 {
		return false
	}
	b.failures++
	if b.failures >= b.threshold {
		b.openUntil = b.now().Add(b.cooldown)
		b.failures = 0
		return true
	}
	return false
}

// State returns the current state and failure count.
func (b *Breaker) State() (BreakerState, int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.now().Before(b.openUntil) {
		return BreakerOpen, b.failures
	}
	return BreakerClosed, b.failures
}
