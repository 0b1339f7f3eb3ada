package scheduler

import (
	"math"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// retryDelay returns how long to wait before re-submitting a task that has
// already been retried retryCount times: Backoff * BackoffMultiplier^retryCount.
func retryDelay(policy RetryPolicy, retryCount int) time.Duration {
	multiplier := policy.BackoffMultiplier
	if multiplier < 1 {
		multiplier = 1
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = policy.Backoff
	b.Multiplier = multiplier
	b.RandomizationFactor = 0
	b.MaxInterval = time.Duration(math.MaxInt64)
	b.MaxElapsedTime = 0 // Never stop; maxAttempts bounds retries
	b.Reset()

	delay := b.NextBackOff()
	for i := 0; i < retryCount; i++ {
		delay = b.NextBackOff()
	}
	if delay < 0 {
		return 0
	}
	return delay
}

// shouldRetry reports whether a failed task still has attempts left.
func shouldRetry(task *Task) bool {
	return task.RetryCount < task.RetryPolicy.MaxAttempts
}
