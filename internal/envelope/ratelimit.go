// internal/envelope/ratelimit.go
package envelope

import (
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter enforces the advisory per-transport frame rate (spec.md
// §4.1: more than 20 frames/s sustained over a 1s sliding window closes
// the transport with 1013). It is a thin token bucket: refill rate equals
// the configured frames/sec, burst equals the window's frame budget, so a
// client that stays within budget never gets throttled, and one that
// bursts past it is flagged on the very frame that crosses the line.
type RateLimiter struct {
	limiter *rate.Limiter
}

// NewRateLimiter builds a limiter allowing maxFramesPerWindow frames per
// window (default from config: 20 frames / 1s).
func NewRateLimiter(maxFramesPerWindow int, window time.Duration) *RateLimiter {
	r := rate.Limit(float64(maxFramesPerWindow) / window.Seconds())
	return &RateLimiter{limiter: rate.NewLimiter(r, maxFramesPerWindow)}
}

// Allow reports whether the current frame is within the rate budget. It
// never blocks.
func (r *RateLimiter) Allow() bool {
	return r.limiter.Allow()
}
