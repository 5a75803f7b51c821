package circuit

import (
	"context"
	"errors"
	"testing"

	"github.com/sony/gobreaker"

	"github.com/nitinkhare/kotakneo-rsidip-engine/internal/errs"
)

func TestRegistry_TripsAfterConsecutiveFailures(t *testing.T) {
	r := NewRegistry()
	ctx := context.Background()

	for i := 0; i < DefaultFailureThreshold; i++ {
		_, err := r.Execute(ctx, ClassHistoricalOHLCV, func(ctx context.Context) (any, error) {
			return nil, errs.New(errs.Transient, errors.New("boom"))
		})
		if err == nil {
			t.Fatalf("attempt %d: expected error", i)
		}
	}

	if r.State(ClassHistoricalOHLCV) != gobreaker.StateOpen {
		t.Errorf("expected breaker to be open after %d consecutive failures", DefaultFailureThreshold)
	}

	_, err := r.Execute(ctx, ClassHistoricalOHLCV, func(ctx context.Context) (any, error) {
		t.Fatal("fn should not be invoked while circuit is open")
		return nil, nil
	})
	if !errs.Is(err, errs.CircuitOpen) {
		t.Errorf("expected CircuitOpen error, got %v", err)
	}
}

func TestRegistry_InsufficientDataDoesNotTripBreaker(t *testing.T) {
	r := NewRegistry()
	ctx := context.Background()

	for i := 0; i < DefaultFailureThreshold*2; i++ {
		_, err := r.Execute(ctx, ClassHistoricalOHLCV, func(ctx context.Context) (any, error) {
			return nil, errs.New(errs.InsufficientData, errors.New("only 50 bars"))
		})
		if !errs.Is(err, errs.InsufficientData) {
			t.Fatalf("expected InsufficientData to propagate unchanged, got %v", err)
		}
	}

	if r.State(ClassHistoricalOHLCV) != gobreaker.StateClosed {
		t.Errorf("expected breaker to remain closed: InsufficientData must not count as a failure")
	}
}

func TestRegistry_SuccessResets(t *testing.T) {
	r := NewRegistry()
	ctx := context.Background()

	_, _ = r.Execute(ctx, ClassOrderOps, func(ctx context.Context) (any, error) {
		return nil, errs.New(errs.Transient, errors.New("boom"))
	})
	_, err := r.Execute(ctx, ClassOrderOps, func(ctx context.Context) (any, error) {
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if r.State(ClassOrderOps) != gobreaker.StateClosed {
		t.Errorf("expected breaker to stay closed after a success")
	}
}

func TestRegistry_IndependentPerClass(t *testing.T) {
	r := NewRegistry()
	ctx := context.Background()

	for i := 0; i < DefaultFailureThreshold; i++ {
		_, _ = r.Execute(ctx, ClassFundamentals, func(ctx context.Context) (any, error) {
			return nil, errs.New(errs.Transient, errors.New("boom"))
		})
	}
	if r.State(ClassFundamentals) != gobreaker.StateOpen {
		t.Fatal("expected fundamentals breaker open")
	}
	if r.State(ClassOrderOps) != gobreaker.StateClosed {
		t.Errorf("expected order_ops breaker to be unaffected by fundamentals failures")
	}
}
