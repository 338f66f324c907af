// Package retry runs an operation again on transient failures, with
// exponential backoff and jitter.
package retry

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"time"

	"bitpart/internal/domain"
)

// Policy bounds a retry loop. Retries is the number of extra attempts after
// the first one.
type Policy struct {
	Retries int
	// Base is the delay unit: attempt n waits n²·Base plus up to half of
	// that as jitter. Defaults to one second.
	Base time.Duration
	// Max caps a single delay. Defaults to 30s.
	Max time.Duration
	// Retryable decides whether err is worth another attempt. Defaults to
	// domain.IsRetryable.
	Retryable func(err error) bool
	Logger    *slog.Logger
}

// Backoff returns the delay before attempt (1-based).
func (p Policy) Backoff(attempt int) time.Duration {
	base := p.Base
	if base <= 0 {
		base = time.Second
	}
	limit := p.Max
	if limit <= 0 {
		limit = 30 * time.Second
	}
	d := time.Duration(attempt*attempt) * base
	d += time.Duration(rand.Int64N(int64(d/2) + 1))
	return min(d, limit)
}

// Do calls fn until it succeeds, fails permanently, runs out of retries or
// ctx ends. It returns the number of retries made and the last error.
func Do(ctx context.Context, p Policy, op string, fn func(ctx context.Context) error) (int, error) {
	retryable := p.Retryable
	if retryable == nil {
		retryable = domain.IsRetryable
	}
	var err error
	for attempt := 0; attempt <= p.Retries; attempt++ {
		if attempt > 0 {
			backoff := p.Backoff(attempt)
			if p.Logger != nil {
				p.Logger.Warn("retrying", "op", op, "attempt", attempt+1, "backoff", backoff, "err", err)
			}
			timer := time.NewTimer(backoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				return attempt - 1, err
			case <-timer.C:
			}
		}
		err = fn(ctx)
		if err == nil || !retryable(err) {
			return attempt, err
		}
	}
	return p.Retries, err
}
