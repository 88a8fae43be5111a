package feed

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrConnection is a transport or library initialisation failure. Retryable.
	ErrConnection = errors.New("feed: connection failure")
	// ErrAuthentication needs operator intervention. Fatal.
	ErrAuthentication = errors.New("feed: authentication failure")
	// ErrUnsupported is returned by clients that cannot run on this platform.
	ErrUnsupported = errors.New("feed: unsupported on this platform")
)

// RateLimitedError asks the caller to wait RetryAfter before the next call.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("feed: rate limited, retry after %s", e.RetryAfter)
}

// Fatal reports whether err must halt ingestion. Every other error is retried
// from the watermark.
func Fatal(err error) bool {
	return errors.Is(err, ErrAuthentication) || errors.Is(err, ErrUnsupported)
}

// RetryAfter returns the vendor requested delay, if any.
func RetryAfter(err error) (time.Duration, bool) {
	var rl *RateLimitedError
	if errors.As(err, &rl) {
		return rl.RetryAfter, true
	}
	return 0, false
}

// Timeout converts a deadline overrun on a single call into ErrConnection
// while leaving caller cancellation untouched.
func Timeout(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: call timed out: %v", ErrConnection, err)
	}
	return err
}
