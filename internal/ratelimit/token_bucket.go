// Package ratelimit throttles local key input before it reaches the control
// channel.
package ratelimit

import (
	"sync"
	"time"
)

type Clock interface {
	Now() time.Time
}

type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

// TokenBucket admits bursts of up to burst events and refills at rate events
// per second. It is implemented as a theoretical-arrival-time scheduler, so
// no background refill is needed. A rate <= 0 admits everything.
type TokenBucket struct {
	mu sync.Mutex

	clock    Clock
	interval time.Duration
	burst    int64

	// tat is when the bucket would be full again.
	tat time.Time
}

func NewTokenBucket(clock Clock, burst, rate int64) *TokenBucket {
	if clock == nil {
		clock = RealClock{}
	}
	if burst < 1 {
		burst = 1
	}
	var interval time.Duration
	if rate > 0 {
		interval = time.Second / time.Duration(rate)
	}
	return &TokenBucket{
		clock:    clock,
		interval: interval,
		burst:    burst,
		tat:      clock.Now(),
	}
}

func (b *TokenBucket) Allow() bool {
	return b.AllowN(1)
}

// AllowN consumes n tokens if all of them are available. n <= 0 always
// succeeds.
func (b *TokenBucket) AllowN(n int64) bool {
	if n <= 0 || b.interval <= 0 {
		return true
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock.Now()
	tat := b.tat
	if tat.Before(now) {
		tat = now
	}
	next := tat.Add(time.Duration(n) * b.interval)
	if next.Sub(now) > time.Duration(b.burst)*b.interval {
		return false
	}
	b.tat = next
	return true
}
