package sync

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	DefaultRetries      = 3
	DefaultRetryBackoff = time.Second

	maxRetryInterval = 30 * time.Second
)

// RetryPolicy bounds how often a failed rclone invocation is repeated
type RetryPolicy struct {
	// Retries is the number of attempts after the first one
	Retries int
	// Backoff is the delay before the first retry, doubling afterwards
	Backoff time.Duration
}

func (p RetryPolicy) newBackOff(ctx context.Context) backoff.BackOffContext {
	initial := p.Backoff
	if initial <= 0 {
		initial = DefaultRetryBackoff
	}

	exp := &backoff.ExponentialBackOff{
		InitialInterval:     initial,
		RandomizationFactor: 0.1,
		Multiplier:          2,
		MaxInterval:         maxRetryInterval,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	exp.Reset()

	retries := p.Retries
	if retries < 0 {
		retries = 0
	}
	return backoff.WithContext(backoff.WithMaxRetries(exp, uint64(retries)), ctx)
}

// Do runs fn until it succeeds, returns an error for which retryable is
// false, the retries are exhausted or ctx is done. The last error is returned.
func (p RetryPolicy) Do(ctx context.Context, op string, retryable func(error) bool, fn func() error) error {
	attempt := 0
	return backoff.RetryNotify(
		func() error {
			attempt++
			err := fn()
			if err != nil && !retryable(err) {
				return backoff.Permanent(err)
			}
			return err
		},
		p.newBackOff(ctx),
		func(err error, next time.Duration) {
			slog.Warn("retrying", "op", op, "attempt", attempt, "next", next, "error", err)
		},
	)
}
