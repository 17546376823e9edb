// Package retry re-runs a whole operation when it fails transiently.
// It never retries sub-steps; callers wrap an entire detect_all or
// daily_aggregation call.
package retry

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/revleak/internal/platform/apperr"
)

// Policy bounds the number of attempts and the backoff between them.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultPolicy returns three attempts starting at one second.
func DefaultPolicy() Policy {
	return Policy{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: 30 * time.Second}
}

// Do calls fn until it succeeds, returns a non-retryable error, the
// attempts are exhausted, or ctx is done. The last error is returned.
func Do(ctx context.Context, p Policy, logger zerolog.Logger, op string, fn func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = fn(ctx)
		if err == nil || !apperr.Retryable(err) || attempt == attempts {
			return err
		}

		delay := p.backoff(attempt)
		logger.Warn().Err(err).
			Str("op", op).
			Int("attempt", attempt).
			Dur("retry_in", delay).
			Msg("transient failure, retrying operation")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return err
}

func (p Policy) backoff(attempt int) time.Duration {
	delay := p.BaseDelay * time.Duration(1<<min(attempt-1, 10))
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	return delay
}
