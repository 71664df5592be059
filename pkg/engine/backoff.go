package engine

import (
	"context"
	"math"
	"time"
)

// BackoffPolicy bounds infrastructure retries. It is injected into the
// development loop and the orchestrator so retry behavior is testable
// independently of the oracle.
type BackoffPolicy struct {
	// MaxRetries is the retry ceiling per stage invocation. Exhausting
	// it converts the infrastructure error into one task attempt failure.
	MaxRetries int `json:"max_retries"`

	// BaseDelay is the first retry delay. Rate-limited errors use a
	// larger effective base.
	BaseDelay time.Duration `json:"base_delay"`

	// MaxDelay caps the exponential growth.
	MaxDelay time.Duration `json:"max_delay"`
}

// DefaultBackoffPolicy returns the default infrastructure retry policy.
func DefaultBackoffPolicy() BackoffPolicy {
	return BackoffPolicy{
		MaxRetries: 3,
		BaseDelay:  time.Second,
		MaxDelay:   time.Minute,
	}
}

// Delay computes the backoff delay for the given zero-based retry
// attempt. Rate-limited errors back off from a larger base.
func (p BackoffPolicy) Delay(attempt int, err error) time.Duration {
	base := p.BaseDelay
	if base <= 0 {
		base = time.Second
	}
	if CodeOf(err) == ErrCodeRateLimited {
		base *= 5
	}

	delay := time.Duration(float64(base) * math.Pow(2, float64(attempt)))
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}

	// Spread retries slightly so callers do not resynchronize.
	jitter := time.Duration(float64(delay) * 0.25)
	return delay + jitter/2
}

// sleep waits for d or until the context is done.
func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
