// Package ratelimit provides the single process-global pacing token every
// outbound broker/market call must acquire before issuing a request.
//
// Design rules (from spec):
//   - One token shared by every goroutine, regardless of which subsystem
//     issues the call.
//   - Acquire may sleep until now - last_call_ts >= MinInterval.
//   - Goal: eliminate broker "401 invalid crumb" throttling errors.
package ratelimit

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// DefaultMinInterval is the spec's default minimum spacing between calls.
const DefaultMinInterval = 1 * time.Second

// Limiter paces calls to a shared minimum interval using a single-token
// bucket. It is safe for concurrent use by multiple goroutines.
type Limiter struct {
	rl *rate.Limiter
}

// New creates a Limiter enforcing at least minInterval between successive
// Wait calls. minInterval is clamped to the spec's configurable [0.5s, 2.0s]
// range if outside it, falling back to DefaultMinInterval when zero.
func New(minInterval time.Duration) *Limiter {
	if minInterval <= 0 {
		minInterval = DefaultMinInterval
	}
	if minInterval < 500*time.Millisecond {
		minInterval = 500 * time.Millisecond
	}
	if minInterval > 2*time.Second {
		minInterval = 2 * time.Second
	}
	// Burst of 1: a single global token, no call ever bypasses pacing.
	return &Limiter{rl: rate.NewLimiter(rate.Every(minInterval), 1)}
}

// Wait blocks the caller until a token is available or ctx is cancelled.
func (l *Limiter) Wait(ctx context.Context) error {
	return l.rl.Wait(ctx)
}

// SetMinInterval updates the pacing interval at runtime (used by config
// hot-reload). Existing in-flight Wait calls are unaffected.
func (l *Limiter) SetMinInterval(minInterval time.Duration) {
	if minInterval <= 0 {
		minInterval = DefaultMinInterval
	}
	l.rl.SetLimit(rate.Every(minInterval))
}
