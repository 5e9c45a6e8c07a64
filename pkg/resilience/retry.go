package resilience

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrRetriesExhausted = errors.New("retries exhausted")
	ErrOfflineTimeout   = errors.New("timed out waiting for connectivity")
)

// RetryOptions configures Retry.
type RetryOptions struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int

	// Delay returns the wait before retry number attempt (0-based).
	Delay func(attempt int) time.Duration

	// Retryable classifies errors. Nil treats every error as retryable.
	Retryable func(error) bool

	// Online reports connectivity. While it returns false, failed attempts do
	// not consume the retry budget and Retry blocks in WaitOnline instead.
	Online func() bool

	// WaitOnline blocks until connectivity returns. It is bounded by OfflineTimeout.
	WaitOnline     func(ctx context.Context) error
	OfflineTimeout time.Duration

	// OnRetry is called before each backoff wait.
	OnRetry func(attempt int, err error, delay time.Duration)
}

// Retry runs op until it succeeds, fails with a non-retryable error, exhausts
// the retry budget, or ctx ends.
func Retry[T any](ctx context.Context, opts RetryOptions, op func(context.Context) (T, error)) (T, error) {
	var zero T
	var lastErr error
	retries := 0

	for {
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		if err := waitForConnectivity(ctx, opts, lastErr); err != nil {
			return zero, err
		}

		value, err := op(ctx)
		if err == nil {
			return value, nil
		}
		lastErr = err

		if ctxErr := ctx.Err(); ctxErr != nil {
			return zero, ctxErr
		}
		if opts.Retryable != nil && !opts.Retryable(err) {
			return zero, err
		}
		if opts.Online != nil && opts.WaitOnline != nil && !opts.Online() {
			// Offline failures are paid for by the reconnection wait, not the budget.
			continue
		}

		if retries >= opts.MaxRetries {
			return zero, fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, retries+1, err)
		}

		var delay time.Duration
		if opts.Delay != nil {
			delay = opts.Delay(retries)
		}
		if opts.OnRetry != nil {
			opts.OnRetry(retries+1, err, delay)
		}
		retries++

		if err := Sleep(ctx, delay); err != nil {
			return zero, err
		}
	}
}

func waitForConnectivity(ctx context.Context, opts RetryOptions, lastErr error) error {
	if opts.Online == nil || opts.Online() || opts.WaitOnline == nil {
		return nil
	}

	waitCtx := ctx
	if opts.OfflineTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, opts.OfflineTimeout)
		defer cancel()
	}

	err := opts.WaitOnline(waitCtx)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if lastErr != nil {
		return fmt.Errorf("%w: %w", ErrOfflineTimeout, lastErr)
	}
	return ErrOfflineTimeout
}
