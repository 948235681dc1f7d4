package engine

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/kozaktomas/photo-index/internal/vector"
	"go.uber.org/zap"
)

const (
	defaultRetryInterval = 50 * time.Millisecond
	maxRetryInterval     = 2 * time.Second
)

// retry runs fn until it succeeds, fails with an error that is not a
// storage failure, or the configured number of attempts is used up.
func (e *Engine) retry(ctx context.Context, op string, fn func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.opts.RetryInterval
	b.MaxInterval = maxRetryInterval
	b.MaxElapsedTime = 0

	attempts := uint64(e.opts.RetryAttempts - 1) //nolint:gosec // attempts is at least one
	policy := backoff.WithContext(backoff.WithMaxRetries(b, attempts), ctx)

	return backoff.RetryNotify(func() error {
		err := fn()
		if err == nil || errors.Is(err, vector.ErrStorageFailure) {
			return err
		}
		return backoff.Permanent(err)
	}, policy, func(err error, wait time.Duration) {
		e.log.Warn("storage operation failed, retrying",
			zap.String("op", op),
			zap.Duration("wait", wait),
			zap.Error(err))
	})
}
