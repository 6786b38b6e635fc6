package governance

import (
	"time"
)

// tokenBucket implements a token bucket used by burst mode. It is guarded by
// the owning Throttler's mutex.
type tokenBucket struct {
	rate       float64   // tokens per second
	capacity   float64   // maximum burst size
	tokens     float64   // current available tokens
	lastRefill time.Time // last time tokens were refilled
}

// newTokenBucket creates a token bucket with the specified rate and capacity.
func newTokenBucket(rps, burstSize int, now time.Time) *tokenBucket {
	if rps <= 0 {
		rps = DefaultMaxUpdatesPerSecond
	}
	if burstSize <= 0 {
		burstSize = rps // Default burst = rate
	}

	return &tokenBucket{
		rate:       float64(rps),
		capacity:   float64(burstSize),
		tokens:     float64(burstSize), // Start with full bucket
		lastRefill: now,
	}
}

// configure updates the bucket's rate and capacity.
func (tb *tokenBucket) configure(rps, burstSize int) {
	if rps <= 0 {
		rps = DefaultMaxUpdatesPerSecond
	}
	if burstSize <= 0 {
		burstSize = rps
	}

	oldCapacity := tb.capacity
	tb.rate = float64(rps)
	tb.capacity = float64(burstSize)

	// If new capacity is higher, grant more tokens proportionally
	if tb.capacity > oldCapacity {
		tb.tokens += tb.capacity - oldCapacity
	}
	if tb.tokens > tb.capacity {
		tb.tokens = tb.capacity
	}
}

// take attempts to consume one token from the bucket.
func (tb *tokenBucket) take(now time.Time) bool {
	tb.refill(now)

	if tb.tokens >= 1.0 {
		tb.tokens -= 1.0
		return true
	}
	return false
}

// wait returns how long until the next token is available.
func (tb *tokenBucket) wait(now time.Time) time.Duration {
	tb.refill(now)
	if tb.tokens >= 1.0 {
		return 0
	}
	missing := 1.0 - tb.tokens
	return time.Duration(missing / tb.rate * float64(time.Second))
}

// refill adds tokens to the bucket based on elapsed time.
func (tb *tokenBucket) refill(now time.Time) {
	if now.Before(tb.lastRefill) {
		return
	}
	elapsed := now.Sub(tb.lastRefill).Seconds()

	tb.tokens += elapsed * tb.rate
	if tb.tokens > tb.capacity {
		tb.tokens = tb.capacity
	}
	tb.lastRefill = now
}
