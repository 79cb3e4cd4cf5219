package provider

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/avast/retry-go/v4"
)

// TransientError marks a provider failure as retryable (network loss,
// 429, 5xx). Adapters wrap such failures so the core can retry without
// knowing backend error shapes.
type TransientError struct {
	Err error
}

// Error returns the error message.
func (e *TransientError) Error() string {
	return fmt.Sprintf("transient provider error: %v", e.Err)
}

// Unwrap returns the underlying error.
func (e *TransientError) Unwrap() error {
	return e.Err
}

// Transient wraps an error as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// IsRetryable reports whether a provider call failure should be retried.
// Context cancellation is never retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var transient *TransientError
	return errors.As(err, &transient)
}

// RetryConfig bounds the retry loop for transient provider errors.
type RetryConfig struct {
	Attempts     uint
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

// DefaultRetryConfig returns the default retry bounds.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		Attempts:     3,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     8 * time.Second,
	}
}

// CallWithRetry runs fn, retrying transient failures with exponential
// backoff up to the configured attempt count. The last error is
// returned on exhaustion.
func CallWithRetry(ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) error) error {
	if cfg.Attempts == 0 {
		cfg = DefaultRetryConfig()
	}

	return retry.Do(
		func() error { return fn(ctx) },
		retry.RetryIf(IsRetryable),
		retry.Attempts(cfg.Attempts),
		retry.Delay(cfg.InitialDelay),
		retry.MaxDelay(cfg.MaxDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
	)
}
