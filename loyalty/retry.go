package loyalty

import (
	"context"
	"log"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// RetryPolicy bounds how often a whole transaction is re-run after the
// storage engine reports ErrConcurrentModification. Every other error is
// returned after the first attempt.
type RetryPolicy struct {
	MaxAttempts     uint
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     3,
		InitialInterval: 20 * time.Millisecond,
		MaxInterval:     250 * time.Millisecond,
	}
}

// Do runs fn until it succeeds, fails permanently, or attempts run out.
// The error of the last attempt is returned unchanged.
func (p RetryPolicy) Do(ctx context.Context, fn func() error) error {
	attempts := p.MaxAttempts
	if attempts == 0 {
		attempts = 1
	}

	b := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		b.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		b.MaxInterval = p.MaxInterval
	}

	var lastErr error
	var try uint
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		try++
		lastErr = fn()
		if lastErr == nil {
			return struct{}{}, nil
		}
		if !IsRetryable(lastErr) {
			return struct{}{}, backoff.Permanent(lastErr)
		}
		if try < attempts {
			log.Printf("[Retry] attempt %d/%d conflicted: %v", try, attempts, lastErr)
		}
		return struct{}{}, lastErr
	}, backoff.WithBackOff(b), backoff.WithMaxTries(attempts))

	if err == nil {
		return nil
	}
	if lastErr != nil {
		return lastErr
	}
	return err
}
