package exchange

import (
	"context"
	"time"

	"gridbot/logger"
)

const (
	retryAttempts = 3
	retryBackoff  = 500 * time.Millisecond
)

// Retry runs fn up to 3 times with linear backoff. Context cancellation
// and rate-limit timeouts are not retried; everything else is treated as
// a transient transport failure. The last error is returned unwrapped so
// callers can still classify it.
func Retry(ctx context.Context, op string, fn func() error) error {
	var err error
	for attempt := 1; attempt <= retryAttempts; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err == ErrRateLimit {
			return err
		}
		if attempt < retryAttempts {
			logger.Warnf("%s failed (attempt %d/%d): %v", op, attempt, retryAttempts, err)
			select {
			case <-time.After(time.Duration(attempt) * retryBackoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return err
}
