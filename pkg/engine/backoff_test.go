package engine

import (
	"testing"
	"time"
)

func TestBackoffPolicy_Delay_ExponentialGrowth(t *testing.T) {
	policy := BackoffPolicy{MaxRetries: 5, BaseDelay: time.Second, MaxDelay: time.Hour}
	err := NewInfraError("timeout", nil).WithCode(ErrCodeTimeout)

	prev := time.Duration(0)
	for attempt := 0; attempt < 4; attempt++ {
		delay := policy.Delay(attempt, err)
		if delay <= prev {
			t.Errorf("Expected delay to grow at attempt %d: prev=%s got=%s", attempt, prev, delay)
		}
		prev = delay
	}
}

func TestBackoffPolicy_Delay_JitterBounds(t *testing.T) {
	policy := BackoffPolicy{MaxRetries: 3, BaseDelay: time.Second, MaxDelay: time.Minute}
	err := NewInfraError("timeout", nil).WithCode(ErrCodeTimeout)

	// attempt 2: base 4s, plus at most 12.5% jitter.
	delay := policy.Delay(2, err)
	if delay < 4*time.Second {
		t.Errorf("Expected at least 4s, got %s", delay)
	}
	if delay > 4*time.Second+500*time.Millisecond {
		t.Errorf("Expected at most 4.5s, got %s", delay)
	}
}

func TestBackoffPolicy_Delay_CappedAtMax(t *testing.T) {
	policy := BackoffPolicy{MaxRetries: 10, BaseDelay: time.Second, MaxDelay: 8 * time.Second}
	err := NewInfraError("timeout", nil).WithCode(ErrCodeTimeout)

	delay := policy.Delay(10, err)
	// Cap plus jitter headroom.
	if delay > 8*time.Second+time.Second {
		t.Errorf("Expected delay capped near 8s, got %s", delay)
	}
}

func TestBackoffPolicy_Delay_RateLimitedBacksOffHarder(t *testing.T) {
	policy := BackoffPolicy{MaxRetries: 3, BaseDelay: time.Second, MaxDelay: time.Hour}

	plain := policy.Delay(0, NewInfraError("timeout", nil).WithCode(ErrCodeTimeout))
	limited := policy.Delay(0, NewInfraError("throttled", nil).WithCode(ErrCodeRateLimited))

	if limited <= plain {
		t.Errorf("Expected rate-limited delay > plain delay: %s vs %s", limited, plain)
	}
}

func TestBackoffPolicy_Delay_ZeroBaseUsesDefault(t *testing.T) {
	policy := BackoffPolicy{}
	delay := policy.Delay(0, NewInfraError("timeout", nil))
	if delay < time.Second {
		t.Errorf("Expected at least the default base delay, got %s", delay)
	}
}
