package services

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy bounds transient-failure retries for collaborator calls.
type RetryPolicy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxElapsedTime  time.Duration
}

// DefaultRetryPolicy is tuned for short HTTP collaborator calls.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     30 * time.Second,
		MaxElapsedTime:  2 * time.Minute,
	}
}

// Retry runs op with exponential backoff until it succeeds, returns a
// permanent classification, or the policy's elapsed budget runs out. Errors
// matching ErrValidation, ErrConfiguration, or ErrNotFound abort immediately.
// A DelayedError's server-requested wait is served before the next attempt.
func Retry(ctx context.Context, policy RetryPolicy, op func() error) error {
	wrapped := func() error {
		err := op()
		if err == nil {
			return nil
		}
		if IsPermanent(err) {
			return backoff.Permanent(err)
		}
		var delayed *DelayedError
		if errors.As(err, &delayed) && delayed.Delay > 0 {
			wait := delayed.Delay
			if policy.MaxInterval > 0 && wait > policy.MaxInterval {
				wait = policy.MaxInterval
			}
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return backoff.Permanent(ctx.Err())
			}
		}
		return err
	}

	b := backoff.NewExponentialBackOff()
	if policy.InitialInterval > 0 {
		b.InitialInterval = policy.InitialInterval
	}
	if policy.MaxInterval > 0 {
		b.MaxInterval = policy.MaxInterval
	}
	b.MaxElapsedTime = policy.MaxElapsedTime

	return backoff.Retry(wrapped, backoff.WithContext(b, ctx))
}
