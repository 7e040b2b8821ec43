package server

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func newTestLimiter(burst int, refill time.Duration) (*rateLimiter, func(time.Duration)) {
	rl := newRateLimiter(burst, refill)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }
	rl.last = now
	return rl, func(d time.Duration) { now = now.Add(d) }
}

func TestRateLimiterBurstAndRefill(t *testing.T) {
	rl, advance := newTestLimiter(3, 3*time.Second)

	for i := range 3 {
		assert.Zero(t, rl.take(), "event %d within burst", i)
	}
	assert.Equal(t, time.Second, rl.take())

	advance(400 * time.Millisecond)
	assert.InDelta(t, float64(600*time.Millisecond), float64(rl.take()), float64(time.Microsecond))

	advance(700 * time.Millisecond)
	assert.Zero(t, rl.take(), "a token refills after a second")
	assert.Positive(t, rl.take())

	advance(time.Hour)
	for range 3 {
		assert.Zero(t, rl.take())
	}
	assert.Positive(t, rl.take(), "refill is capped at capacity")
}

func TestRateLimiterRejectedEventsSpendNothing(t *testing.T) {
	rl, advance := newTestLimiter(1, time.Second)
	assert.Zero(t, rl.take())
	for range 10 {
		assert.Positive(t, rl.take())
	}
	advance(time.Second)
	assert.Zero(t, rl.take())
}

func TestRateLimiterNormalizesArguments(t *testing.T) {
	rl := newRateLimiter(0, 0)
	assert.Equal(t, 1.0, rl.capacity)
	assert.Equal(t, 1.0, rl.perSec)
}

func TestRetryAfterSeconds(t *testing.T) {
	assert.Equal(t, 1, retryAfterSeconds(time.Nanosecond))
	assert.Equal(t, 1, retryAfterSeconds(time.Second))
	assert.Equal(t, 2, retryAfterSeconds(1100*time.Millisecond))
}
