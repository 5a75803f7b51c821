// Package retrypolicy provides bounded exponential backoff with jitter for
// broker/market calls, generalizing the teacher pack's retry clients
// (eddiefleurent's internal/retry.Client) into a policy usable by any
// endpoint class rather than one hand-rolled per broker method.
package retrypolicy

import (
	"context"
	"log"
	"math/rand"
	"time"

	"github.com/jpillora/backoff"

	"github.com/nitinkhare/kotakneo-rsidip-engine/internal/errs"
)

// Config controls attempt count and backoff shape.
type Config struct {
	MaxAttempts int           // total attempts including the first, default 3
	BaseDelay   time.Duration // default 1s
	MaxDelay    time.Duration // ceiling on any single backoff sleep
}

// DefaultConfig matches spec §4.3: up to 3 attempts, base 1s, jitter in [0,0.25].
var DefaultConfig = Config{
	MaxAttempts: 3,
	BaseDelay:   1 * time.Second,
	MaxDelay:    30 * time.Second,
}

// Policy runs a function with retry-on-transient-error semantics.
type Policy struct {
	cfg    Config
	logger *log.Logger
}

// New creates a Policy. A zero Config falls back to DefaultConfig.
func New(cfg Config, logger *log.Logger) *Policy {
	if cfg.MaxAttempts <= 0 {
		cfg = DefaultConfig
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = DefaultConfig.BaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = DefaultConfig.MaxDelay
	}
	if logger == nil {
		logger = log.New(log.Writer(), "", log.LstdFlags)
	}
	return &Policy{cfg: cfg, logger: logger}
}

// Run invokes fn, retrying on errs.Retryable errors with delay =
// base*2^(n-1)*(1+jitter in [0,0.25)), up to cfg.MaxAttempts total attempts.
// errs.InsufficientData/NoData and other terminal kinds are returned
// immediately without a retry.
func (p *Policy) Run(ctx context.Context, fn func(ctx context.Context) error) error {
	b := &backoff.Backoff{
		Min:    p.cfg.BaseDelay,
		Max:    p.cfg.MaxDelay,
		Factor: 2,
	}

	var lastErr error
	for attempt := 1; attempt <= p.cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}

		if !errs.Retryable(lastErr) {
			return lastErr
		}
		if attempt == p.cfg.MaxAttempts {
			break
		}

		delay := b.Duration()
		delay += time.Duration(rand.Float64() * 0.25 * float64(delay))
		if delay > p.cfg.MaxDelay {
			delay = p.cfg.MaxDelay
		}
		p.logger.Printf("[retry] attempt %d/%d failed: %v — retrying in %v", attempt, p.cfg.MaxAttempts, lastErr, delay)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return lastErr
}
