package application

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/davarch/deploy-gate/internal/domain"
	"go.uber.org/zap"
)

// RetryPolicy bounds retries of transient collaborator failures.
type RetryPolicy struct {
	Attempts int
	Initial  time.Duration
	Max      time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Attempts: 4, Initial: 300 * time.Millisecond, Max: 5 * time.Second}
}

type retrier struct {
	log     *zap.Logger
	metrics domain.Metrics
	policy  RetryPolicy
}

// do runs fn until it succeeds, fails with a non-transient error, or the
// attempt limit is reached.
func (r retrier) do(ctx context.Context, op string, fn func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = r.policy.Initial
	if bo.InitialInterval <= 0 {
		bo.InitialInterval = 300 * time.Millisecond
	}
	bo.MaxInterval = r.policy.Max
	if bo.MaxInterval < bo.InitialInterval {
		bo.MaxInterval = bo.InitialInterval
	}
	bo.MaxElapsedTime = 0

	attempts := r.policy.Attempts
	if attempts < 1 {
		attempts = 1
	}
	b := backoff.WithContext(backoff.WithMaxRetries(bo, uint64(attempts-1)), ctx)

	return backoff.RetryNotify(func() error {
		err := fn()
		if err != nil && !domain.IsTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}, b, func(err error, next time.Duration) {
		r.log.Warn("transient failure, retrying",
			zap.String("op", op),
			zap.Duration("next", next),
			zap.Error(err),
		)
		r.metrics.Retried(op)
	})
}
