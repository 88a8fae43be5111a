package feed

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestClassification(t *testing.T) {
	cases := []struct {
		name  string
		err   error
		fatal bool
	}{
		{"connection", fmt.Errorf("open: %w", ErrConnection), false},
		{"auth", fmt.Errorf("init: %w", ErrAuthentication), true},
		{"unsupported", ErrUnsupported, true},
		{"rate limited", &RateLimitedError{RetryAfter: time.Second}, false},
		{"other", errors.New("boom"), false},
		{"nil", nil, false},
	}
	for _, tc := range cases {
		if got := Fatal(tc.err); got != tc.fatal {
			t.Fatalf("%s: fatal = %v, want %v", tc.name, got, tc.fatal)
		}
	}
}

func TestRetryAfter(t *testing.T) {
	err := fmt.Errorf("read: %w", &RateLimitedError{RetryAfter: 3 * time.Second})
	d, ok := RetryAfter(err)
	if !ok || d != 3*time.Second {
		t.Fatalf("unexpected retry after %v %v", d, ok)
	}
	if _, ok := RetryAfter(ErrConnection); ok {
		t.Fatalf("connection error should not carry a delay")
	}
}

func TestTimeout(t *testing.T) {
	ctx := context.Background()
	err := Timeout(ctx, context.DeadlineExceeded)
	if !errors.Is(err, ErrConnection) {
		t.Fatalf("expected connection failure, got %v", err)
	}

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	if err := Timeout(cancelled, context.Canceled); !errors.Is(err, context.Canceled) {
		t.Fatalf("caller cancellation should pass through, got %v", err)
	}
}
