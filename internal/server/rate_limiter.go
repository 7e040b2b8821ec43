package server

import (
	"math"
	"sync"
	"time"
)

// rateLimiter is a per-connection token bucket guarding the event handlers
// against floods. It is independent of channel slow mode.
type rateLimiter struct {
	mu       sync.Mutex
	tokens   float64
	capacity float64
	perSec   float64
	last     time.Time
	now      func() time.Time
}

func newRateLimiter(burst int, refill time.Duration) *rateLimiter {
	if burst <= 0 {
		burst = 1
	}
	if refill <= 0 {
		refill = time.Second
	}
	return &rateLimiter{
		tokens:   float64(burst),
		capacity: float64(burst),
		perSec:   float64(burst) / refill.Seconds(),
		last:     time.Now(),
		now:      time.Now,
	}
}

// take spends one token. When the bucket is empty it spends nothing and
// returns how long until the next token is available.
func (rl *rateLimiter) take() (wait time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	if elapsed := now.Sub(rl.last).Seconds(); elapsed > 0 {
		rl.tokens = math.Min(rl.capacity, rl.tokens+elapsed*rl.perSec)
	}
	rl.last = now

	if rl.tokens >= 1 {
		rl.tokens--
		return 0
	}
	return max(time.Nanosecond, time.Duration((1-rl.tokens)/rl.perSec*float64(time.Second)))
}

// retryAfterSeconds rounds a wait up to whole seconds, at least one.
func retryAfterSeconds(wait time.Duration) int {
	return max(1, int(math.Ceil(wait.Seconds())))
}
