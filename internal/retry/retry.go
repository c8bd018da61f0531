package retry

import (
	"context"
	"fmt"
	"time"
)

// Config represents retry configuration
type Config struct {
	MaxRetries int
	RetryDelay time.Duration

	// OnRetry, if set, is called after every failed attempt that will be retried
	OnRetry func(attempt int, err error, delay time.Duration)
}

// Do executes fn until it succeeds, the attempts are exhausted or ctx is done.
// The delay doubles after every failed attempt.
func Do(ctx context.Context, cfg Config, fn func(ctx context.Context) error) error {
	attempts := cfg.MaxRetries
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if i == attempts-1 {
			break
		}

		delay := time.Duration(1<<uint(i)) * cfg.RetryDelay
		if cfg.OnRetry != nil {
			cfg.OnRetry(i+1, err, delay)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	return fmt.Errorf("failed after %d attempts: %w", attempts, lastErr)
}
