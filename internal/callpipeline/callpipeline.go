// Package callpipeline composes the four cross-cutting protections every
// outbound broker/market call must pass through, replacing the ad hoc
// retry/decorator wrappers scattered across the teacher's broker methods
// with one first-class, reusable pipeline (spec §9 re-architecture note).
//
// Order: RateLimiter.Wait -> CircuitBreaker.Execute -> RetryPolicy.Run ->
// SessionGuard.WithAuth -> fn. Pacing happens once per Call, before the
// breaker is consulted; the
// circuit breaker wraps the whole retried sequence so a tripped breaker
// fails the entire call fast, and auth-error recovery happens on the
// innermost attempt so a mid-retry token expiry is handled without
// aborting the retry budget.
package callpipeline

import (
	"context"

	"github.com/nitinkhare/kotakneo-rsidip-engine/internal/circuit"
	"github.com/nitinkhare/kotakneo-rsidip-engine/internal/ratelimit"
	"github.com/nitinkhare/kotakneo-rsidip-engine/internal/retrypolicy"
	"github.com/nitinkhare/kotakneo-rsidip-engine/internal/session"
)

// Pipeline wires the four protections together around a single runtime.
type Pipeline struct {
	RateLimiter *ratelimit.Limiter
	Breakers    *circuit.Registry
	Retry       *retrypolicy.Policy
	Session     *session.Guard
}

// New builds a Pipeline from its four components. Any may be nil to disable
// that layer (useful in tests).
func New(rl *ratelimit.Limiter, breakers *circuit.Registry, retry *retrypolicy.Policy, guard *session.Guard) *Pipeline {
	return &Pipeline{RateLimiter: rl, Breakers: breakers, Retry: retry, Session: guard}
}

// Call executes fn for the given endpoint class through the full pipeline
// and returns its typed result.
func Call[T any](ctx context.Context, p *Pipeline, class circuit.Class, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T

	if p.RateLimiter != nil {
		if err := p.RateLimiter.Wait(ctx); err != nil {
			return zero, err
		}
	}

	attempt := func(ctx context.Context) (T, error) {
		var result T
		call := func(ctx context.Context) error {
			var err error
			result, err = fn(ctx)
			return err
		}

		authed := call
		if p.Session != nil {
			authed = func(ctx context.Context) error {
				return p.Session.WithAuth(ctx, call)
			}
		}

		retried := authed
		if p.Retry != nil {
			retried = func(ctx context.Context) error {
				return p.Retry.Run(ctx, authed)
			}
		}

		if err := retried(ctx); err != nil {
			return zero, err
		}
		return result, nil
	}

	if p.Breakers == nil {
		return attempt(ctx)
	}

	raw, err := p.Breakers.Execute(ctx, class, func(ctx context.Context) (any, error) {
		res, callErr := attempt(ctx)
		return res, callErr
	})
	if err != nil {
		return zero, err
	}
	typed, _ := raw.(T)
	return typed, nil
}
