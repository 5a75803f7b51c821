// Package circuit provides per-endpoint-class fault isolation on top of
// github.com/sony/gobreaker, promoting the circuit breaker the teacher pack
// only exercised in tests (eddiefleurent-scranton_strangler's broker test
// helper) into production wiring.
//
// States {closed, open, half-open}. Transitions: 3 consecutive failures
// trips the breaker; it fails fast for 60s; the next request after that is
// let through in half-open; success closes it again, failure re-opens it.
package circuit

import (
	"context"
	"time"

	"github.com/sony/gobreaker"

	"github.com/nitinkhare/kotakneo-rsidip-engine/internal/errs"
)

// Class names the family of broker/market endpoints a breaker isolates.
type Class string

const (
	ClassHistoricalOHLCV Class = "historical_ohlcv"
	ClassFundamentals     Class = "fundamentals"
	ClassOrderOps         Class = "order_ops"
)

// DefaultFailureThreshold and DefaultCooldown match spec §4.3.
const (
	DefaultFailureThreshold = 3
	DefaultCooldown         = 60 * time.Second
)

// Registry owns one gobreaker.CircuitBreaker per endpoint Class.
type Registry struct {
	breakers map[Class]*gobreaker.CircuitBreaker
}

// NewRegistry creates breakers for the standard set of endpoint classes.
func NewRegistry() *Registry {
	r := &Registry{breakers: make(map[Class]*gobreaker.CircuitBreaker)}
	for _, c := range []Class{ClassHistoricalOHLCV, ClassFundamentals, ClassOrderOps} {
		r.breakers[c] = newBreaker(c)
	}
	return r
}

func newBreaker(class Class) *gobreaker.CircuitBreaker {
	settings := gobreaker.Settings{
		Name:        string(class),
		MaxRequests: 1, // one trial call while half-open
		Interval:    0, // never reset consecutive-failure counts on a timer; only on success
		Timeout:     DefaultCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= DefaultFailureThreshold
		},
	}
	return gobreaker.NewCircuitBreaker(settings)
}

// Execute runs fn through the breaker for the given class. InsufficientData
// and NoData errors are passed through without counting as failures (spec
// §8 invariant 8), by reporting them to gobreaker as a "success" from the
// breaker's point of view even though the call itself failed.
func (r *Registry) Execute(ctx context.Context, class Class, fn func(ctx context.Context) (any, error)) (any, error) {
	b, ok := r.breakers[class]
	if !ok {
		b = newBreaker(class)
		r.breakers[class] = b
	}

	result, err := b.Execute(func() (any, error) {
		res, callErr := fn(ctx)
		if callErr != nil && !errs.CountsAsFailure(callErr) {
			// Returning (nil, nil) would mask the real error from the
			// caller, so instead we wrap it so gobreaker.Execute still
			// reports nil error to its own accounting via a sentinel,
			// while the real error is recovered below.
			return ignoredFailureResult{res, callErr}, nil
		}
		return res, callErr
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return nil, errs.Newf(errs.CircuitOpen, "%s circuit open: %w", class, err)
		}
		return result, err
	}

	if ignored, ok := result.(ignoredFailureResult); ok {
		return ignored.value, ignored.err
	}
	return result, nil
}

// ignoredFailureResult carries a call's real error through gobreaker.Execute
// without incrementing its failure counter.
type ignoredFailureResult struct {
	value any
	err   error
}

// State reports the current breaker state for a class (for status/debug).
func (r *Registry) State(class Class) gobreaker.State {
	b, ok := r.breakers[class]
	if !ok {
		return gobreaker.StateClosed
	}
	return b.State()
}
