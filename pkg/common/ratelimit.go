package common

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter paces outbound calls to a downstream service. The configured
// rate can be temporarily lowered when the service asks callers to back off
// and is restored on the next healthy response.
type RateLimiter struct {
	mu        sync.Mutex
	limiter   *rate.Limiter
	rps       float64
	burst     int
	throttled bool
}

// NewRateLimiter creates a RateLimiter allowing rps requests per second with
// bursts of up to burst requests.
func NewRateLimiter(rps float64, burst int) *RateLimiter {
	return &RateLimiter{
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
		rps:     rps,
		burst:   burst,
	}
}

// Wait blocks until a request may proceed or ctx is done.
func (rl *RateLimiter) Wait(ctx context.Context) error {
	rl.mu.Lock()
	l := rl.limiter
	rl.mu.Unlock()
	return l.Wait(ctx)
}

// Throttle drops the limiter to one request per retryAfter. Non-positive
// durations are ignored.
func (rl *RateLimiter) Throttle(retryAfter time.Duration) {
	if retryAfter <= 0 {
		return
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.limiter.SetLimit(rate.Every(retryAfter))
	rl.limiter.SetBurst(1)
	rl.throttled = true
}

// Restore returns a throttled limiter to its configured rate. It reports
// whether the limiter was throttled.
func (rl *RateLimiter) Restore() bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if !rl.throttled {
		return false
	}
	rl.limiter.SetLimit(rate.Limit(rl.rps))
	rl.limiter.SetBurst(rl.burst)
	rl.throttled = false
	return true
}

// Throttled reports whether Throttle is in effect.
func (rl *RateLimiter) Throttled() bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return rl.throttled
}
