package resilience

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/tanyalab/resolver/internal/domain"
)

func testWrapper(maxRetries uint) *Wrapper {
	return NewWrapper(Config{
		Name:             "dep",
		Timeout:          time.Second,
		MaxRetries:       maxRetries,
		RetryBaseDelay:   time.Millisecond,
		RetryMaxJitter:   time.Millisecond,
		FailureThreshold: 100, // keep the breaker out of retry tests
		Cooldown:         time.Minute,
	}, nil)
}

func TestWrapper_SuccessFirstAttempt(t *testing.T) {
	w := testWrapper(3)
	calls := 0
	err := w.Execute(context.Background(), func(ctx context.Context) error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestWrapper_RetriesTransientUntilSuccess(t *testing.T) {
	w := testWrapper(3)
	calls := 0
	err := w.Execute(context.Background(), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return fmt.Errorf("flaky: %w", domain.ErrUnavailable)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestWrapper_ExhaustsBudgetOnPersistentTransient(t *testing.T) {
	w := testWrapper(2)
	calls := 0
	err := w.Execute(context.Background(), func(ctx context.Context) error {
		calls++
		return domain.ErrRateLimited
	})
	if !errors.Is(err, domain.ErrRateLimited) {
		t.Fatalf("expected surfaced transient error, got %v", err)
	}
	if calls != 3 { // first attempt + 2 retries
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestWrapper_NeverRetriesPermanent(t *testing.T) {
	w := testWrapper(5)
	calls := 0
	err := w.Execute(context.Background(), func(ctx context.Context) error {
		calls++
		return domain.ErrInvalidRequest
	})
	if !errors.Is(err, domain.ErrInvalidRequest) {
		t.Fatalf("expected permanent error, got %v", err)
	}
	if calls != 1 {
		t.Errorf("permanent error must not be retried, calls=%d", calls)
	}
}

func TestWrapper_NotFoundPassesThroughWithoutRetry(t *testing.T) {
	w := testWrapper(5)
	calls := 0
	err := w.Execute(context.Background(), func(ctx context.Context) error {
		calls++
		return domain.ErrNotFound
	})
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if calls != 1 {
		t.Errorf("miss must not be retried, calls=%d", calls)
	}
	if w.Breaker().State() != StateClosed {
		t.Error("miss must not affect breaker state")
	}
}

func TestWrapper_OpenCircuitSkipsDownstream(t *testing.T) {
	w := NewWrapper(Config{
		Name:             "dep",
		Timeout:          time.Second,
		MaxRetries:       0,
		RetryBaseDelay:   time.Millisecond,
		FailureThreshold: 2,
		Cooldown:         time.Hour,
	}, nil)

	calls := 0
	fail := func(ctx context.Context) error {
		calls++
		return domain.ErrUnavailable
	}
	_ = w.Execute(context.Background(), fail)
	_ = w.Execute(context.Background(), fail)

	if w.Breaker().State() != StateOpen {
		t.Fatalf("expected open breaker, got %s", w.Breaker().State())
	}

	before := calls
	err := w.Execute(context.Background(), fail)
	if !errors.Is(err, domain.ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
	if calls != before {
		t.Errorf("open circuit must not invoke the downstream, calls went %d -> %d", before, calls)
	}
}

func TestWrapper_PerAttemptTimeout(t *testing.T) {
	w := NewWrapper(Config{
		Name:             "dep",
		Timeout:          20 * time.Millisecond,
		MaxRetries:       0,
		RetryBaseDelay:   time.Millisecond,
		FailureThreshold: 100,
		Cooldown:         time.Minute,
	}, nil)

	err := w.Execute(context.Background(), func(ctx context.Context) error {
		select {
		case <-time.After(time.Second):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestDo_ReturnsTypedResult(t *testing.T) {
	w := testWrapper(1)
	got, err := Do(context.Background(), w, func(ctx context.Context) (int, error) {
		return 42, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 42 {
		t.Errorf("expected 42, got %d", got)
	}
}
