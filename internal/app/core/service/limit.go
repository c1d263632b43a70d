package service

import "context"

// DefaultListLimit and MaxListLimit bound paginated list endpoints
// (the HTTP market/inbox listings) absent an explicit page size.
const (
	DefaultListLimit = 20
	MaxListLimit     = 100
)

// ClampLimit returns requested if it is in (0, max], def if requested is
// <= 0, and max if requested exceeds it.
func ClampLimit(requested, def, max int) int {
	switch {
	case requested <= 0:
		return def
	case requested > max:
		return max
	default:
		return requested
	}
}

// Limiter bounds concurrent execution of a family of tasks via a buffered
// channel semaphore. Used by the EventQueue's per-event relay fan-out to
// respect a configured concurrency cap.
type Limiter struct {
	tokens chan struct{}
}

// NewLimiter creates a Limiter permitting up to n concurrent acquisitions.
// n <= 0 is treated as 1.
func NewLimiter(n int) *Limiter {
	if n <= 0 {
		n = 1
	}
	return &Limiter{tokens: make(chan struct{}, n)}
}

// Acquire blocks until a slot is free or ctx is done.
func (l *Limiter) Acquire(ctx context.Context) error {
	select {
	case l.tokens <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release frees a slot acquired with Acquire.
func (l *Limiter) Release() {
	select {
	case <-l.tokens:
	default:
	}
}
