package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"
)

func fastPolicy(retries int) RetryPolicy {
	return RetryPolicy{MaxRetries: retries, BaseDelay: time.Millisecond, Logger: testLogger()}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"500", &StatusError{StatusCode: 500}, true},
		{"503 wrapped", fmt.Errorf("call: %w", &StatusError{StatusCode: 503}), true},
		{"429", &StatusError{StatusCode: 429}, true},
		{"400", &StatusError{StatusCode: 400}, false},
		{"401", &StatusError{StatusCode: 401}, false},
		{"deadline", context.DeadlineExceeded, true},
		{"canceled", context.Canceled, false},
		{"net error", &net.OpError{Op: "dial", Err: errors.New("connection refused")}, true},
		{"plain", errors.New("bad input"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.want {
				t.Fatalf("IsRetryable(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestRetry_SucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	v, err := Retry(context.Background(), fastPolicy(2), func(ctx context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", &StatusError{Provider: "test", StatusCode: 502}
		}
		return "ok", nil
	})
	if err != nil || v != "ok" {
		t.Fatalf("expected ok, got %q, %v", v, err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestRetry_GivesUp(t *testing.T) {
	calls := 0
	_, err := Retry(context.Background(), fastPolicy(2), func(ctx context.Context) (int, error) {
		calls++
		return 0, &StatusError{Provider: "test", StatusCode: 429}
	})
	var se *StatusError
	if !errors.As(err, &se) || se.StatusCode != 429 {
		t.Fatalf("expected wrapped 429, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 1 attempt + 2 retries, got %d", calls)
	}
}

func TestRetry_PermanentErrorIsNotRetried(t *testing.T) {
	calls := 0
	_, err := Retry(context.Background(), fastPolicy(5), func(ctx context.Context) (int, error) {
		calls++
		return 0, &StatusError{Provider: "test", StatusCode: 401}
	})
	if err == nil || calls != 1 {
		t.Fatalf("expected one failing call, got %d calls, err %v", calls, err)
	}
}

func TestRetry_AttemptTimeout(t *testing.T) {
	p := fastPolicy(1)
	p.AttemptTimeout = 10 * time.Millisecond
	calls := 0
	_, err := Retry(context.Background(), p, func(ctx context.Context) (int, error) {
		calls++
		<-ctx.Done()
		return 0, ctx.Err()
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if calls != 2 {
		t.Fatalf("timed-out attempt should be retried, got %d calls", calls)
	}
}

func TestRetry_ParentCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	_, err := Retry(ctx, fastPolicy(5), func(ctx context.Context) (int, error) {
		calls++
		cancel()
		return 0, &StatusError{StatusCode: 500}
	})
	if err == nil || calls != 1 {
		t.Fatalf("cancelled parent should stop retries, got %d calls, err %v", calls, err)
	}
}
