package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"kitebridge/internal/apperr"
)

func TestRetry_SucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), 3, time.Millisecond, apperr.IsTransient, func(context.Context) error {
		calls++
		if calls < 3 {
			return apperr.ErrRateLimited
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestRetry_StopsOnPermanentError(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), 5, time.Millisecond, apperr.IsTransient, func(context.Context) error {
		calls++
		return apperr.ErrInvalidOrder
	})
	if !errors.Is(err, apperr.ErrInvalidOrder) {
		t.Fatalf("expected invalid order, got %v", err)
	}
	if calls != 1 {
		t.Errorf("permanent errors must not be retried, got %d calls", calls)
	}
}

func TestRetry_ReturnsLastErrorWhenExhausted(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), 2, time.Millisecond, nil, func(context.Context) error {
		calls++
		return apperr.ErrUnavailable
	})
	if !errors.Is(err, apperr.ErrUnavailable) || calls != 2 {
		t.Errorf("expected 2 calls ending in unavailable, got %d / %v", calls, err)
	}
}

func TestRetry_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Retry(ctx, 10, 50*time.Millisecond, nil, func(context.Context) error {
		calls++
		cancel()
		return apperr.ErrUnavailable
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("expected cancellation to stop retries, got %d calls", calls)
	}
}

func TestRateLimiter_SpacesCalls(t *testing.T) {
	rl := NewRateLimiter(20 * time.Millisecond)
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 4; i++ {
		if err := rl.Wait(ctx); err != nil {
			t.Fatal(err)
		}
	}
	// first is free, three more need ~60ms
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Errorf("expected calls spaced out, took only %v", elapsed)
	}
}

func TestRateLimiter_ZeroIntervalDisabled(t *testing.T) {
	rl := NewRateLimiter(0)
	start := time.Now()
	for i := 0; i < 100; i++ {
		rl.Wait(context.Background())
	}
	if time.Since(start) > 50*time.Millisecond {
		t.Error("disabled limiter should not block")
	}
}

func TestRateLimiter_Cancelled(t *testing.T) {
	rl := NewRateLimiter(time.Hour)
	rl.Wait(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := rl.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
}
