// Package errs defines the error-kind taxonomy shared by every subsystem.
//
// Every error that crosses a subsystem boundary is wrapped in a TradingError
// so that retry, circuit-breaking, and notification policy can all branch on
// Kind alone instead of string-matching broker messages in more than one
// place.
package errs

import "fmt"

// Kind classifies an error for retry/circuit/notification policy.
type Kind string

const (
	// AuthExpired means the broker rejected the session token.
	AuthExpired Kind = "auth_expired"
	// RateLimited means the broker is throttling this client.
	RateLimited Kind = "rate_limited"
	// Transient covers network errors, timeouts, and 5xx responses.
	Transient Kind = "transient"
	// CircuitOpen means the endpoint class is cooling down; the call was not attempted.
	CircuitOpen Kind = "circuit_open"
	// InsufficientData means fewer historical bars were returned than required.
	InsufficientData Kind = "insufficient_data"
	// NoData means the endpoint returned zero rows without error.
	NoData Kind = "no_data"
	// InsufficientFunds means affordable_qty < desired qty.
	InsufficientFunds Kind = "insufficient_funds"
	// DuplicateOrder means the broker already has an equivalent order open.
	DuplicateOrder Kind = "duplicate_order"
	// BrokerReject means the broker rejected the order for validation reasons.
	BrokerReject Kind = "broker_reject"
	// PersistenceError means the ledger could not be read or written.
	PersistenceError Kind = "persistence_error"
	// ManualTrade means a holdings/ledger divergence was detected.
	ManualTrade Kind = "manual_trade"
)

// TradingError wraps an underlying error with a classification Kind.
type TradingError struct {
	Kind Kind
	Err  error
}

func (e *TradingError) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *TradingError) Unwrap() error { return e.Err }

// New wraps err with the given Kind. Returns nil if err is nil.
func New(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &TradingError{Kind: kind, Err: err}
}

// Newf wraps a formatted error with the given Kind.
func Newf(kind Kind, format string, args ...any) error {
	return &TradingError{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// KindOf extracts the Kind from err, walking the Unwrap chain. Returns
// ("", false) if no TradingError is found.
func KindOf(err error) (Kind, bool) {
	for err != nil {
		if te, ok := err.(*TradingError); ok {
			return te.Kind, true
		}
		unwrapper, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = unwrapper.Unwrap()
	}
	return "", false
}

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}

// Retryable reports whether an error kind should be retried by RetryPolicy.
// InsufficientData/NoData and hard validation errors are never retried.
func Retryable(err error) bool {
	k, ok := KindOf(err)
	if !ok {
		// Unclassified errors are treated as transient network noise —
		// matching the teacher's retry client, which retries anything
		// that isn't explicitly recognized as terminal.
		return true
	}
	switch k {
	case AuthExpired, RateLimited, Transient:
		return true
	default:
		return false
	}
}

// CountsAsFailure reports whether an error should increment a CircuitBreaker's
// failure counter. InsufficientData/NoData never do (spec §8 invariant 8).
func CountsAsFailure(err error) bool {
	if err == nil {
		return false
	}
	k, ok := KindOf(err)
	if !ok {
		return true
	}
	switch k {
	case InsufficientData, NoData:
		return false
	default:
		return true
	}
}
