package transport

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy shapes in-call retries. The context deadline always wins.
type RetryPolicy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	// MaxRetries caps retries after the first attempt. Zero means no cap.
	MaxRetries uint64
}

// DefaultRetryPolicy retries from 500ms up to 10s between attempts.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     10 * time.Second,
	}
}

// run calls op until it succeeds, fails permanently per retryable, or ctx
// ends.
func (p RetryPolicy) run(ctx context.Context, retryable func(error) bool, op func(context.Context) error) error {
	exp := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		exp.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		exp.MaxInterval = p.MaxInterval
	}
	exp.MaxElapsedTime = 0

	var policy backoff.BackOff = exp
	if p.MaxRetries > 0 {
		policy = backoff.WithMaxRetries(policy, p.MaxRetries)
	}

	return backoff.Retry(func() error {
		err := op(ctx)
		if err != nil && !retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(policy, ctx))
}
