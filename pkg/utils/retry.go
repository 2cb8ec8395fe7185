package utils

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy bounds Retry. Zero values fall back to conservative defaults.
type RetryPolicy struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	out := p
	if out.MaxRetries < 0 {
		out.MaxRetries = 0
	}
	if out.InitialInterval <= 0 {
		out.InitialInterval = 50 * time.Millisecond
	}
	if out.MaxInterval <= 0 {
		out.MaxInterval = 2 * time.Second
	}
	return out
}

// Permanent marks err as not worth retrying; Retry returns it unwrapped.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// Retry runs op until it succeeds, returns a Permanent error, ctx is done, or
// MaxRetries retries were spent. The last error is returned on exhaustion.
func Retry(ctx context.Context, p RetryPolicy, op func(ctx context.Context) error) error {
	p = p.withDefaults()

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = p.InitialInterval
	exp.MaxInterval = p.MaxInterval
	exp.MaxElapsedTime = 0

	b := backoff.WithContext(backoff.WithMaxRetries(exp, uint64(p.MaxRetries)), ctx)
	return backoff.Retry(func() error { return op(ctx) }, b)
}
