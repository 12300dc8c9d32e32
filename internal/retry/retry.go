// Package retry holds the backoff helpers shared by the forwarding providers.
package retry

import (
	"context"
	"strconv"
	"time"
)

// MaxRetries is the maximum number of retry attempts for transient failures.
const MaxRetries = 3

// BaseDelay is the initial delay for exponential backoff.
const BaseDelay = 1 * time.Second

// Backoff returns the exponential backoff delay for the given attempt number.
// Delays are: 1s, 2s, 4s
func Backoff(attempt int) time.Duration {
	delay := BaseDelay
	for i := 0; i < attempt; i++ {
		delay *= 2
	}
	return delay
}

// AfterDelay parses a Retry-After header value in seconds. It falls back to
// Backoff if the header is missing or unparseable.
func AfterDelay(retryAfter string, attempt int) time.Duration {
	if retryAfter == "" {
		return Backoff(attempt)
	}

	seconds, err := strconv.Atoi(retryAfter)
	if err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}

	return Backoff(attempt)
}

// Sleep waits for the specified duration or until the context is cancelled.
func Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
