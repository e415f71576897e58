package channel

import (
	"math/rand"
	"time"
)

// ReconnectPolicy computes reconnect delays. Attempts grow the delay as
// base*2^n up to Max; once MaxAttempts is reached the next wait is the full
// Cooldown and the attempt counter starts over.
type ReconnectPolicy struct {
	Base        time.Duration
	Max         time.Duration
	MaxAttempts int
	Cooldown    time.Duration
	Jitter      time.Duration
	Rand        func(n int64) int64
}

// Next returns the wait before the next connect, the updated attempt count, and
// whether the wait is a cooldown.
func (p ReconnectPolicy) Next(attempts int) (time.Duration, int, bool) {
	if p.MaxAttempts > 0 && attempts >= p.MaxAttempts {
		return p.Cooldown, 0, true
	}
	delay := p.Base
	for i := 0; i < attempts; i++ {
		delay *= 2
		if delay >= p.Max {
			delay = p.Max
			break
		}
	}
	if delay > p.Max {
		delay = p.Max
	}
	if p.Jitter > 0 {
		rnd := p.Rand
		if rnd == nil {
			rnd = rand.Int63n
		}
		delay += time.Duration(rnd(int64(p.Jitter)))
	}
	return delay, attempts + 1, false
}
