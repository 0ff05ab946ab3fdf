package workflow

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/ruteri/agent-identity-provisioner/interfaces"
)

// RetryPolicy bounds retries of retryable step failures.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 4,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    8 * time.Second,
	}
}

// Backoff returns the wait before attempt n+1 after n failed attempts:
// the base delay doubled per attempt with up to 10% jitter, capped at MaxDelay.
func (p RetryPolicy) Backoff(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	backoff := float64(p.BaseDelay) * math.Pow(2, float64(n-1))
	jitter := rand.Float64() * backoff * 0.1
	wait := time.Duration(backoff + jitter)
	if p.MaxDelay > 0 && (wait > p.MaxDelay || wait < 0) {
		wait = p.MaxDelay
	}
	return wait
}

// Do runs f until it succeeds, fails with a non-retryable error or MaxAttempts is reached.
// onRetry is called before each wait. Returns the number of attempts made and the last error.
func (p RetryPolicy) Do(ctx context.Context, f func() error, onRetry func(attempt int, wait time.Duration, err error)) (int, error) {
	maxAttempts := p.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		lastErr = f()
		if lastErr == nil {
			return attempt, nil
		}
		if ctx.Err() != nil || !interfaces.IsRetryable(interfaces.KindOf(lastErr)) || attempt == maxAttempts {
			return attempt, lastErr
		}

		wait := p.Backoff(attempt)
		if onRetry != nil {
			onRetry(attempt, wait, lastErr)
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return attempt, lastErr
		case <-timer.C:
		}
	}
	return maxAttempts, lastErr
}
