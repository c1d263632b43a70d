package service

import (
	"context"
	"time"
)

// RetryPolicy configures an exponential backoff retry loop.
type RetryPolicy struct {
	Attempts       int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
}

// DefaultRetryPolicy performs a single attempt with no backoff.
var DefaultRetryPolicy = RetryPolicy{Attempts: 1, InitialBackoff: 0, MaxBackoff: 0, Multiplier: 1}

// Retry runs fn up to policy.Attempts times, sleeping with exponential
// backoff between attempts. It returns nil on the first success, or the
// last error if every attempt fails. Sleeping is interrupted by ctx.
func Retry(ctx context.Context, policy RetryPolicy, fn func() error) error {
	attempts := policy.Attempts
	if attempts < 1 {
		attempts = 1
	}
	mult := policy.Multiplier
	if mult <= 0 {
		mult = 1
	}
	backoff := policy.InitialBackoff

	var lastErr error
	for i := 0; i < attempts; i++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		if backoff > 0 {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		backoff = time.Duration(float64(backoff) * mult)
		if policy.MaxBackoff > 0 && backoff > policy.MaxBackoff {
			backoff = policy.MaxBackoff
		}
	}
	return lastErr
}
