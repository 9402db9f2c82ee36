package core

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"
)

// RetryPolicy bounds how often a delivery is attempted. MaxAttempts counts
// the first try, so 1 disables retries.
type RetryPolicy struct {
	MaxAttempts       int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier float64
	JitterFraction    float64
}

// DefaultRetryPolicy makes a single attempt.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:       1,
		InitialBackoff:    500 * time.Millisecond,
		MaxBackoff:        30 * time.Second,
		BackoffMultiplier: 2.0,
		JitterFraction:    0.1,
	}
}

// retryWithBackoff runs op until it succeeds, returns an error that
// retryable rejects, or runs out of attempts. The last error is returned.
func retryWithBackoff(ctx context.Context, p RetryPolicy, retryable func(error) bool, op func(attempt int) error) error {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if p.BackoffMultiplier < 1 {
		p.BackoffMultiplier = 1
	}

	var lastErr error
	backoff := p.InitialBackoff
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		lastErr = op(attempt)
		if lastErr == nil {
			return nil
		}
		if errors.Is(lastErr, context.Canceled) || ctx.Err() != nil {
			return lastErr
		}
		if attempt >= p.MaxAttempts || (retryable != nil && !retryable(lastErr)) {
			break
		}

		jitter := time.Duration(float64(backoff) * p.JitterFraction * (rand.Float64()*2 - 1))
		sleep := backoff + jitter
		if sleep < 0 {
			sleep = backoff
		}

		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return lastErr
		case <-timer.C:
		}

		backoff = time.Duration(float64(backoff) * p.BackoffMultiplier)
		if p.MaxBackoff > 0 && backoff > p.MaxBackoff {
			backoff = p.MaxBackoff
		}
	}
	return lastErr
}
