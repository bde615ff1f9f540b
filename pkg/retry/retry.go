// Package retry provides a bounded-attempt wrapper for asynchronous
// operations with exponential backoff. The search client uses it for
// transient provider failures; the job layer applies the same shape with a
// single attempt and a deterministic fallback.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Default retry configuration constants.
const (
	defaultMaxAttempts     = 3
	defaultInitialInterval = 200 * time.Millisecond
	defaultMaxInterval     = 2 * time.Second
)

// Config bounds a retried operation.
type Config struct {
	// MaxAttempts caps total attempts, including the first one.
	MaxAttempts uint64
	// InitialInterval is the first backoff delay.
	InitialInterval time.Duration
	// MaxInterval caps the backoff delay.
	MaxInterval time.Duration
	// AttemptTimeout bounds each individual attempt; zero means no
	// per-attempt deadline beyond the caller's context.
	AttemptTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts == 0 {
		c.MaxAttempts = defaultMaxAttempts
	}
	if c.InitialInterval <= 0 {
		c.InitialInterval = defaultInitialInterval
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = defaultMaxInterval
	}
	return c
}

// Permanent marks err as non-retryable; Do returns it immediately.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// Do runs op until it succeeds, returns a permanent error, the attempt
// budget is exhausted, or ctx is canceled. The last error is returned.
func Do[T any](ctx context.Context, cfg Config, op func(ctx context.Context) (T, error)) (T, error) {
	cfg = cfg.withDefaults()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = cfg.InitialInterval
	bo.MaxInterval = cfg.MaxInterval

	var out T
	attempt := func() error {
		attemptCtx := ctx
		if cfg.AttemptTimeout > 0 {
			var cancel context.CancelFunc
			attemptCtx, cancel = context.WithTimeout(ctx, cfg.AttemptTimeout)
			defer cancel()
		}

		v, err := op(attemptCtx)
		if err != nil {
			return err
		}
		out = v
		return nil
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(bo, cfg.MaxAttempts-1), ctx)
	if err := backoff.Retry(attempt, policy); err != nil {
		var zero T
		return zero, err
	}
	return out, nil
}
