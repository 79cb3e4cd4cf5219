package provider

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestIsRetryable(t *testing.T) {
	if IsRetryable(nil) {
		t.Error("nil error is not retryable")
	}
	if IsRetryable(errors.New("schema mismatch")) {
		t.Error("plain errors are not retryable")
	}
	if !IsRetryable(Transient(errors.New("429"))) {
		t.Error("transient errors are retryable")
	}
	if IsRetryable(context.Canceled) {
		t.Error("cancellation is never retryable")
	}

	// Wrapping preserves classification.
	wrapped := errors.Join(errors.New("outer"), Transient(errors.New("inner")))
	if !IsRetryable(wrapped) {
		t.Error("wrapped transient errors are retryable")
	}
}

func TestCallWithRetryEventuallySucceeds(t *testing.T) {
	cfg := RetryConfig{Attempts: 3, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond}

	attempts := 0
	err := CallWithRetry(context.Background(), cfg, func(context.Context) error {
		attempts++
		if attempts < 3 {
			return Transient(errors.New("flaky"))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("CallWithRetry: %v", err)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

func TestCallWithRetryExhaustsAttempts(t *testing.T) {
	cfg := RetryConfig{Attempts: 2, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond}

	attempts := 0
	failure := Transient(errors.New("down"))
	err := CallWithRetry(context.Background(), cfg, func(context.Context) error {
		attempts++
		return failure
	})
	if !errors.Is(err, failure) {
		t.Errorf("expected last error, got %v", err)
	}
	if attempts != 2 {
		t.Errorf("attempts = %d, want 2", attempts)
	}
}

func TestCallWithRetryStopsOnPermanentError(t *testing.T) {
	cfg := RetryConfig{Attempts: 5, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond}

	attempts := 0
	err := CallWithRetry(context.Background(), cfg, func(context.Context) error {
		attempts++
		return errors.New("bad request")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if attempts != 1 {
		t.Errorf("permanent errors must not retry: attempts = %d", attempts)
	}
}
