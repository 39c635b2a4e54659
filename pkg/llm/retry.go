package llm

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
	"golang.org/x/sync/semaphore"
)

// RetryConfig bounds the backend-level retry policy (spec.md §4.1).
type RetryConfig struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultRetryConfig mirrors the defaults used throughout the example
// pack's backoff.NewExponentialBackOff() call sites.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:      3,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     10 * time.Second,
	}
}

// caller bounds in-flight requests with a semaphore, retries transient
// failures with exponential backoff, and trips a circuit breaker so a
// persistently failing backend is skipped without re-paying the full
// retry budget on every call.
//
// Grounded on sony/gobreaker (a direct dependency in jordigilh-kubernaut's
// go.mod, adopted here for the same "wrap an unreliable remote
// dependency" role) layered on top of cenkalti/backoff/v4 (pulled in by
// tarsy, semspec and elephant) and golang.org/x/sync/semaphore (present
// across the whole example pack).
type caller struct {
	name    string
	sem     *semaphore.Weighted
	breaker *gobreaker.CircuitBreaker
	retry   RetryConfig
}

func newCaller(name string, maxConcurrent int, retry RetryConfig) *caller {
	if maxConcurrent <= 0 {
		maxConcurrent = 4
	}
	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	}
	return &caller{
		name:    name,
		sem:     semaphore.NewWeighted(int64(maxConcurrent)),
		breaker: gobreaker.NewCircuitBreaker(settings),
		retry:   retry,
	}
}

// do runs fn under the semaphore and breaker, retrying retryable errors
// with exponential backoff. A *Error with Class == ErrRateLimit and a
// positive RetryAfter overrides the backoff interval for the next
// attempt, honoring the server's Retry-After header.
func (c *caller) do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer c.sem.Release(1)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.retry.InitialInterval
	bo.MaxInterval = c.retry.MaxInterval

	var lastErr error
	for attempt := 0; attempt <= c.retry.MaxRetries; attempt++ {
		_, err := c.breaker.Execute(func() (interface{}, error) {
			return nil, fn(ctx)
		})

		if err == nil {
			return nil
		}
		lastErr = err

		if errors.Is(err, gobreaker.ErrOpenState) {
			return newErr(ErrGeneric, c.name, op, err)
		}
		if !IsRetryable(err) || attempt == c.retry.MaxRetries {
			return err
		}

		wait := bo.NextBackOff()
		var rlErr *Error
		if errors.As(err, &rlErr) && rlErr.Class == ErrRateLimit && rlErr.RetryAfter > 0 {
			wait = time.Duration(rlErr.RetryAfter) * time.Second
		}
		slog.Warn("retrying backend call", "backend", c.name, "operation", op, "attempt", attempt+1, "wait", wait)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return lastErr
}
