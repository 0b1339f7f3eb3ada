package memory

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// BreakerConfig configures the circuit breaker in front of the backend.
type BreakerConfig struct {
	Failures uint32        // Consecutive failures that open the breaker (default 5)
	Timeout  time.Duration // How long the breaker stays open (default 30s)
}

// RetryConfig configures backend write retries.
type RetryConfig struct {
	MaxRetries      uint64        // Retries after the first attempt; zero disables retrying
	InitialInterval time.Duration // Delay before the first retry (default 50ms)
}

func newBreaker(cfg BreakerConfig, log *zap.Logger) *gobreaker.CircuitBreaker {
	if cfg.Failures == 0 {
		cfg.Failures = 5
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "memory-backend",
		MaxRequests: 1, // One probe request while half-open
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.Failures
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Info("circuit breaker state change",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
		IsSuccessful: func(err error) bool {
			// Caller cancellation is not a backend failure
			return err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
		},
	})
}

// storeWithRetry writes to the backend through the breaker, retrying with
// exponential backoff. An open breaker ends the attempt immediately.
func storeWithRetry(ctx context.Context, b Manager, cb *gobreaker.CircuitBreaker, cfg RetryConfig, key string, value []byte, opts StoreOptions) error {
	operation := func() error {
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}

		_, err := cb.Execute(func() (interface{}, error) {
			return nil, b.Store(ctx, key, value, opts)
		})
		if err != nil {
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				return backoff.Permanent(err)
			}
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}
		return nil
	}

	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = 50 * time.Millisecond
	}
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = cfg.InitialInterval
	policy.RandomizationFactor = 0.5
	policy.Multiplier = 2

	return backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(policy, cfg.MaxRetries), ctx))
}

// retrieveThroughBreaker reads from the backend through the breaker.
func retrieveThroughBreaker(ctx context.Context, b Manager, cb *gobreaker.CircuitBreaker, key string) ([]byte, error) {
	result, err := cb.Execute(func() (interface{}, error) {
		return b.Retrieve(ctx, key)
	})
	if err != nil {
		return nil, err
	}
	data, _ := result.([]byte)
	return data, nil
}
