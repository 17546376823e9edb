package main

import (
	"context"
	"errors"
	"time"

	"github.com/ehr/revleak/internal/domain/leak"
)

// nextRun returns the first instant at hour:00 in loc strictly after now.
func nextRun(now time.Time, hour int, loc *time.Location) time.Time {
	local := now.In(loc)
	run := time.Date(local.Year(), local.Month(), local.Day(), hour, 0, 0, 0, loc)
	if !run.After(local) {
		run = time.Date(local.Year(), local.Month(), local.Day()+1, hour, 0, 0, 0, loc)
	}
	return run
}

// previousDay is the calendar day before the one containing t, in loc.
func previousDay(t time.Time, loc *time.Location) time.Time {
	local := t.In(loc)
	return time.Date(local.Year(), local.Month(), local.Day()-1, 0, 0, 0, 0, loc)
}

// runNightly scans the previous day for each tenant at hour every night
// until ctx is cancelled. A failed tenant is logged and does not stop the
// others; the next night does not retry it.
func runNightly(ctx context.Context, a *app, hour int, tenants []string) {
	log := a.logger.With().Str("component", "nightly_scan").Logger()
	for {
		next := nextRun(time.Now(), hour, a.loc)
		log.Info().Time("next_run", next).Msg("nightly scan scheduled")

		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		day := previousDay(next, a.loc)
		for _, tenant := range tenants {
			res, err := a.scanDay(ctx, tenant, day)
			switch {
			case errors.Is(err, leak.ErrScanInProgress):
				log.Info().Str("tenant", tenant).Msg("another replica is scanning, skipping")
			case err != nil:
				log.Error().Err(err).Str("tenant", tenant).Time("day", day).Msg("nightly scan failed")
			default:
				log.Info().
					Str("tenant", tenant).
					Time("day", day).
					Int("created", len(res.Created)).
					Int("already_known", len(res.AlreadyKnown)).
					Msg("nightly scan complete")
			}
		}
	}
}
