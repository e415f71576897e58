package webhook

import (
	"math/rand"
	"time"
)

// FailureKind classifies a failed attempt.
type FailureKind int

const (
	FailureNone FailureKind = iota
	// FailureTransient covers network errors, timeouts and non-2xx responses.
	FailureTransient
	// FailureCircuitOpen means the breaker rejected the attempt.
	FailureCircuitOpen
	// FailureConfig means the dispatcher cannot deliver at all.
	FailureConfig
)

// Action is what the delivery loop does next.
type Action int

const (
	ActionDone Action = iota
	ActionRetry
	ActionGiveUp
)

// RetryPolicy computes exponential backoff with jitter.
type RetryPolicy struct {
	MaxRetries int
	Base       time.Duration
	MaxDelay   time.Duration
	Jitter     time.Duration
	// Rand returns a value in [0, n). Defaults to math/rand.
	Rand func(n int64) int64
}

// Decide is a pure function of the attempt index and failure kind.
func (p RetryPolicy) Decide(attempt int, kind FailureKind) Action {
	switch kind {
	case FailureNone:
		return ActionDone
	case FailureCircuitOpen, FailureConfig:
		return ActionGiveUp
	}
	if attempt >= p.MaxRetries {
		return ActionGiveUp
	}
	return ActionRetry
}

// Delay returns base*2^attempt capped at MaxDelay, plus jitter.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	delay := p.Base
	for i := 0; i < attempt; i++ {
		delay *= 2
		if p.MaxDelay > 0 && delay >= p.MaxDelay {
			delay = p.MaxDelay
			break
		}
	}
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	if p.Jitter > 0 {
		rnd := p.Rand
		if rnd == nil {
			rnd = rand.Int63n
		}
		delay += time.Duration(rnd(int64(p.Jitter)))
	}
	return delay
}
