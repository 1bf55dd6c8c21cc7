// ABOUTME: Backoff retry helper for transient persistence failures.
// ABOUTME: Used at the orchestration boundary so storage blips are never silently dropped.

package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

const (
	retryAttempts    = 4
	retryBaseBackoff = 100 * time.Millisecond
)

// WithRetry runs fn, retrying with exponential backoff on error until the
// attempt budget is exhausted or ctx is cancelled. Each failed attempt is
// logged; the final error is returned wrapped with the operation name.
func WithRetry(ctx context.Context, logger *slog.Logger, op string, fn func() error) error {
	backoff := retryBaseBackoff
	var err error

	for attempt := 1; attempt <= retryAttempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if attempt == retryAttempts {
			break
		}
		logger.Warn("persistence call failed, retrying",
			"op", op,
			"attempt", attempt,
			"backoff", backoff,
			"error", err,
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return fmt.Errorf("%s: %w", op, err)
}
