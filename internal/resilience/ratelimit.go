package resilience

import (
	"context"
	"sync"
	"time"
)

// RateLimiter is a single-token bucket: callers are spaced at least interval
// apart. The first Wait returns immediately.
type RateLimiter struct {
	rate     float64 // tokens per second
	tokens   float64
	lastTime time.Time
	mu       sync.Mutex
}

// NewRateLimiter allows one operation per interval. A zero interval disables
// limiting.
func NewRateLimiter(interval time.Duration) *RateLimiter {
	rl := &RateLimiter{tokens: 1, lastTime: time.Now()}
	if interval > 0 {
		rl.rate = 1 / interval.Seconds()
	}
	return rl
}

// Wait blocks until a token is available or ctx is cancelled.
func (rl *RateLimiter) Wait(ctx context.Context) error {
	if rl == nil || rl.rate == 0 {
		return ctx.Err()
	}
	for {
		rl.mu.Lock()
		now := time.Now()
		rl.tokens += now.Sub(rl.lastTime).Seconds() * rl.rate
		if rl.tokens > 1 {
			rl.tokens = 1
		}
		rl.lastTime = now

		if rl.tokens >= 1 {
			rl.tokens--
			rl.mu.Unlock()
			return nil
		}
		wait := time.Duration((1 - rl.tokens) / rl.rate * float64(time.Second))
		rl.mu.Unlock()

		if wait < time.Millisecond {
			wait = time.Millisecond
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}
