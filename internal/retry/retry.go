// Package retry holds the explicit retry policy passed into storage and
// network calls.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"strings"
	"time"
)

// Policy decides how often and how long to retry a failing call.
type Policy struct {
	MaxAttempts int                             // total attempts including the first
	Backoff     func(attempt int) time.Duration // delay before attempt n (n >= 1)
	Retryable   func(err error) bool            // nil: retry every error
}

// Default retry configuration for storage and webhook calls.
const (
	DefaultMaxAttempts = 3
	baseRetryDelay     = 1 * time.Second
	maxRetryDelay      = 30 * time.Second
)

// DefaultPolicy retries transient network failures three times with
// exponential backoff and jitter.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: DefaultMaxAttempts,
		Backoff:     ExponentialBackoff(baseRetryDelay, maxRetryDelay),
		Retryable:   IsTransient,
	}
}

// ExponentialBackoff returns base * 2^(attempt-1), capped at max, plus 0-25% jitter.
func ExponentialBackoff(base, max time.Duration) func(int) time.Duration {
	return func(attempt int) time.Duration {
		if attempt < 1 {
			attempt = 1
		}
		delay := float64(base) * math.Pow(2, float64(attempt-1))
		if delay > float64(max) {
			delay = float64(max)
		}
		jitter := delay * 0.25 * rand.Float64()
		return time.Duration(delay + jitter)
	}
}

// Do runs fn until it succeeds, returns a non-retryable error, or the
// policy's attempts are exhausted. The last error is returned wrapped.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 && p.Backoff != nil {
			select {
			case <-ctx.Done():
				return fmt.Errorf("retry cancelled after %d attempts: %w", attempt, lastErr)
			case <-time.After(p.Backoff(attempt)):
			}
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if p.Retryable != nil && !p.Retryable(lastErr) {
			return lastErr
		}
		if ctx.Err() != nil {
			return lastErr
		}
	}

	return fmt.Errorf("failed after %d attempts: %w", attempts, lastErr)
}

// StatusError is returned by HTTP helpers for non-2xx responses.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.StatusCode, truncate(e.Body, 200))
}

// IsTransient checks whether err is a network-level failure or an HTTP
// status worth retrying.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return IsRetryableStatus(se.StatusCode)
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "deadline exceeded") ||
		strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "EOF") ||
		strings.Contains(errStr, "broken pipe")
}

// IsRetryableStatus checks if an HTTP status code is worth retrying.
func IsRetryableStatus(status int) bool {
	return status == http.StatusTooManyRequests ||
		status == http.StatusRequestTimeout ||
		status == http.StatusInternalServerError ||
		status == http.StatusBadGateway ||
		status == http.StatusServiceUnavailable ||
		status == http.StatusGatewayTimeout
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
