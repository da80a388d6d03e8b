package twinstore

import (
	"context"
	"errors"

	"golang.org/x/time/rate"

	"github.com/eclipse-ditto/ditto-sub092/internal/retry"
	"github.com/eclipse-ditto/ditto-sub092/query"
	"github.com/eclipse-ditto/ditto-sub092/thing"
)

// RetryableError marks a fetch fault as transient.
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string { return "twinstore: transient: " + e.Err.Error() }

func (e *RetryableError) Unwrap() error { return e.Err }

// Retryable marks err as transient so that WithRetry attempts the fetch again.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &RetryableError{Err: err}
}

// IsRetryable reports whether err was marked with Retryable.
func IsRetryable(err error) bool {
	var re *RetryableError
	return errors.As(err, &re)
}

// FetcherFunc adapts a function to ResultFetcher.
type FetcherFunc func(ctx context.Context, id string, fields query.Fields) (thing.Thing, error)

func (f FetcherFunc) Fetch(ctx context.Context, id string, fields query.Fields) (thing.Thing, error) {
	return f(ctx, id, fields)
}

// WithRetry retries transient fetch faults with backoff. Out-of-sync results
// and unmarked errors are returned after the first attempt.
func WithRetry(f ResultFetcher, cfg retry.Config) ResultFetcher {
	cfg.ShouldRetry = IsRetryable
	return FetcherFunc(func(ctx context.Context, id string, fields query.Fields) (thing.Thing, error) {
		doc, err := retry.DoWithResult(ctx, cfg, func(ctx context.Context) (thing.Thing, error) {
			return f.Fetch(ctx, id, fields)
		})
		if err != nil && IsRetryable(err) {
			// Attempts are used up; the fault is no longer transient to callers.
			var re *RetryableError
			errors.As(err, &re)
			return nil, re.Err
		}
		return doc, err
	})
}

// WithRateLimit bounds the rate of fetches reaching f.
func WithRateLimit(f ResultFetcher, limiter *rate.Limiter) ResultFetcher {
	if limiter == nil {
		return f
	}
	return FetcherFunc(func(ctx context.Context, id string, fields query.Fields) (thing.Thing, error) {
		if err := limiter.Wait(ctx); err != nil {
			return nil, err
		}
		return f.Fetch(ctx, id, fields)
	})
}
