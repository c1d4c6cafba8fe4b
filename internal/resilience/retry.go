package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// RetryConfig controls the backoff schedule of [Retry].
type RetryConfig struct {
	// MaxRetries is the number of retries after the initial attempt.
	// Default: 2.
	MaxRetries int

	// BaseDelay is the wait before the first retry. Default: 500ms.
	BaseDelay time.Duration

	// Factor multiplies the delay after each retry. Default: 2.
	Factor float64
}

// permanentError marks an error that must not be retried.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err so that [Retry] stops immediately instead of backing
// off. Use it for faults that cannot heal on their own, such as invalid
// credentials or a rejected request body.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err (or anything it wraps) was marked with
// [Permanent].
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

// Retry runs fn up to 1+MaxRetries times with exponential backoff between
// attempts. It stops early when fn succeeds, when fn returns an error marked
// with [Permanent], or when ctx is cancelled during a backoff wait. The last
// error from fn is returned unwrapped of any retry bookkeeping.
func Retry(ctx context.Context, cfg RetryConfig, name string, fn func(ctx context.Context) error) error {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	} else if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 2
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 500 * time.Millisecond
	}
	if cfg.Factor <= 1 {
		cfg.Factor = 2
	}

	delay := cfg.BaseDelay
	var lastErr error
	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			slog.Debug("retrying after failure",
				"name", name,
				"attempt", attempt,
				"delay", delay,
				"error", lastErr)
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return fmt.Errorf("resilience: retry %s: %w", name, ctx.Err())
			case <-timer.C:
			}
			delay = time.Duration(float64(delay) * cfg.Factor)
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if IsPermanent(err) {
			break
		}
	}
	return lastErr
}
