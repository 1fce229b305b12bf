package ipc

import (
	"sync"
	"time"

	"hwkeysd/internal/clock"
)

// rateLimiter is a token bucket guarding one client's write requests.
// A nil limiter allows everything.
type rateLimiter struct {
	mu           sync.Mutex
	clock        clock.Clock
	rate         float64 // tokens per second
	burst        float64
	tokens       float64
	lastRefill   time.Time
	blockedUntil time.Time
}

// newRateLimiter returns nil when rate is not positive.
func newRateLimiter(rate float64, burst int, clk clock.Clock) *rateLimiter {
	if rate <= 0 {
		return nil
	}
	if burst < 1 {
		burst = 1
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &rateLimiter{
		clock:      clk,
		rate:       rate,
		burst:      float64(burst),
		tokens:     float64(burst),
		lastRefill: clk.Now(),
	}
}

// Allow takes a token if one is available.
func (r *rateLimiter) Allow() bool {
	if r == nil {
		return true
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	if now.Before(r.blockedUntil) {
		return false
	}

	r.tokens += now.Sub(r.lastRefill).Seconds() * r.rate
	if r.tokens > r.burst {
		r.tokens = r.burst
	}
	r.lastRefill = now

	if r.tokens >= 1 {
		r.tokens--
		return true
	}
	return false
}

// Block refuses every request for d.
func (r *rateLimiter) Block(d time.Duration) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.blockedUntil = r.clock.Now().Add(d)
}
