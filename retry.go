package yblocker

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// DefaultSyncAttempts is the total number of upload attempts per tick,
// the first attempt included.
const DefaultSyncAttempts = 3

// RetryPolicy runs an operation until it succeeds or the policy gives up.
type RetryPolicy interface {
	// Do calls op until it returns nil, a permanent error, or the attempt
	// budget is exhausted. It returns the last error.
	Do(ctx context.Context, op func(ctx context.Context) error) error
}

// BoundedRetry is a RetryPolicy with a fixed attempt budget and a
// pluggable delay schedule.
type BoundedRetry struct {
	// Attempts is the total number of calls, the first included.
	Attempts uint

	// BackOff yields the delay between attempts. Nil means retry
	// immediately.
	BackOff backoff.BackOff

	// Logger for retry events
	Logger *slog.Logger
}

// NewRetryPolicy creates a bounded retry policy. A nil b retries
// immediately with no delay.
func NewRetryPolicy(attempts int, b backoff.BackOff) *BoundedRetry {
	if attempts < 1 {
		attempts = 1
	}
	return &BoundedRetry{
		Attempts: uint(attempts), // #nosec G115 -- attempts is at least 1
		BackOff:  b,
		Logger:   slog.Default(),
	}
}

// Do implements RetryPolicy.
func (p *BoundedRetry) Do(ctx context.Context, op func(ctx context.Context) error) error {
	b := p.BackOff
	if b == nil {
		b = &backoff.ZeroBackOff{}
	}
	b.Reset()

	attempt := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		return struct{}{}, op(ctx)
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(p.Attempts),
		backoff.WithNotify(func(err error, d time.Duration) {
			p.Logger.Debug("retrying", "attempt", attempt, "of", p.Attempts, "delay", d, "error", err)
		}),
	)
	return err
}

// Permanent marks err so that a RetryPolicy stops retrying.
func Permanent(err error) error {
	return backoff.Permanent(err)
}
