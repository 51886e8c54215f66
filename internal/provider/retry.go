package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net"
	"net/http"
	"time"
)

// StatusError is a non-2xx response from a provider API.
type StatusError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: HTTP %d: %s", e.Provider, e.StatusCode, truncate(e.Body, 300))
}

// Retryable reports whether the status indicates a transient failure.
func (e *StatusError) Retryable() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

// IsRetryable classifies an error as transient: 5xx and 429 responses,
// network errors, and per-attempt timeouts. Cancellation is never retried.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Retryable()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// RetryPolicy configures Retry.
type RetryPolicy struct {
	MaxRetries int           // retries after the first attempt
	BaseDelay  time.Duration // backoff unit (default: 1s)
	// AttemptTimeout bounds each attempt; 0 leaves attempts bounded only by ctx.
	AttemptTimeout time.Duration
	Logger         *slog.Logger
}

// Retry runs fn until it succeeds, fails permanently, or retries run out.
// Backoff grows quadratically with jitter. Each attempt gets its own timeout
// derived from ctx, so one slow attempt does not consume the whole budget.
func Retry[T any](ctx context.Context, p RetryPolicy, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if p.BaseDelay <= 0 {
		p.BaseDelay = time.Second
	}
	if p.Logger == nil {
		p.Logger = slog.Default()
	}

	var lastErr error
	for attempt := 0; attempt <= p.MaxRetries; attempt++ {
		if attempt > 0 {
			base := time.Duration(attempt*attempt) * p.BaseDelay
			jitter := time.Duration(rand.Int64N(int64(base/2 + 1)))
			backoff := base + jitter
			p.Logger.Warn("retrying request", "attempt", attempt+1, "backoff", backoff, "error", lastErr)
			select {
			case <-ctx.Done():
				return zero, ctx.Err()
			case <-time.After(backoff):
			}
		}

		attemptCtx, cancel := ctx, context.CancelFunc(func() {})
		if p.AttemptTimeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, p.AttemptTimeout)
		}
		v, err := fn(attemptCtx)
		cancel()
		if err == nil {
			return v, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return zero, err
		}
		if !IsRetryable(err) {
			return zero, err
		}
	}
	return zero, fmt.Errorf("giving up after %d retries: %w", p.MaxRetries, lastErr)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
