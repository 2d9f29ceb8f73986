package remote

import (
	"context"
	"fmt"
	"time"

	"imagedecloner/internal/errs"
)

// RetryConfig holds retry configuration for service calls
type RetryConfig struct {
	MaxRetries        int           // Maximum number of retries for reads (default: 3)
	InitialBackoff    time.Duration // Initial backoff duration (default: 500ms)
	MaxBackoff        time.Duration // Maximum backoff duration (default: 10s)
	BackoffMultiplier float64       // Backoff multiplier (default: 2.0)
	Timeout           time.Duration // Per-attempt timeout (default: 30s)
}

// DefaultRetryConfig returns the default retry configuration
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:        3,
		InitialBackoff:    500 * time.Millisecond,
		MaxBackoff:        10 * time.Second,
		BackoffMultiplier: 2.0,
		Timeout:           30 * time.Second,
	}
}

// withDefaults fills zero fields from DefaultRetryConfig. MaxRetries is
// taken as given, so zero disables retries.
func (c RetryConfig) withDefaults() RetryConfig {
	d := DefaultRetryConfig()
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = d.InitialBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = d.MaxBackoff
	}
	if c.BackoffMultiplier < 1 {
		c.BackoffMultiplier = d.BackoffMultiplier
	}
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
	return c
}

// call runs fn under the concurrency limit, the rate limit and a
// per-attempt timeout. Transient failures are retried up to retries times
// with exponential backoff; anything else, auth failures included, is
// returned at once.
func (c *Client) call(ctx context.Context, op, id string, retries int, fn func(context.Context) error) error {
	if c.sem != nil {
		if err := c.sem.Acquire(ctx, 1); err != nil {
			return err
		}
		defer c.sem.Release(1)
	}

	var lastErr error
	backoff := c.retry.InitialBackoff

	for attempt := 0; attempt <= retries; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return errs.IO(op, id, err)
		}

		// Create timeout context for this attempt
		attemptCtx, cancel := context.WithTimeout(ctx, c.retry.Timeout)
		err := fn(attemptCtx)
		cancel()

		if err == nil {
			if attempt > 0 {
				c.logger.Debug().Str("op", op).Str("id", id).Int("retries", attempt).Msg("succeeded after retry")
			}
			return nil
		}

		// The caller gave up; that is not a failure of the item.
		if ctx.Err() != nil {
			return ctx.Err()
		}

		lastErr = err
		if !errs.Retryable(err) {
			return err
		}
		if attempt == retries {
			break
		}

		c.logger.Debug().Err(err).Str("op", op).Str("id", id).
			Int("attempt", attempt+1).Dur("backoff", backoff).Msg("retrying")

		select {
		case <-time.After(backoff):
			backoff = time.Duration(float64(backoff) * c.retry.BackoffMultiplier)
			if backoff > c.retry.MaxBackoff {
				backoff = c.retry.MaxBackoff
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if retries == 0 {
		return lastErr
	}
	return fmt.Errorf("%s failed after %d attempts: %w", op, retries+1, lastErr)
}
