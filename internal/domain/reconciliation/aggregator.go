// Package reconciliation compares, per calendar day, what the ledger says
// should have been collected with what was collected and what has been
// explained by resolved leaks.
package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/revleak/internal/domain/leak"
	"github.com/ehr/revleak/internal/domain/ledger"
	"github.com/ehr/revleak/internal/platform/apperr"
	"github.com/ehr/revleak/pkg/money"
)

// DefaultMaxSummaryDays bounds a single summary request.
const DefaultMaxSummaryDays = 366

// ResolvedSource totals the leaks closed out in a range. leak.Repository
// satisfies it.
type ResolvedSource interface {
	SumResolved(ctx context.Context, r ledger.TimeRange, attr leak.Attribution) (money.Amount, error)
}

type Config struct {
	Tolerance      money.Amount
	Location       *time.Location
	Attribution    leak.Attribution
	MaxSummaryDays int
}

type Aggregator struct {
	reader ledger.Reader
	leaks  ResolvedSource
	cache  ReportCache
	cfg    Config
	now    func() time.Time
	logger zerolog.Logger
}

func NewAggregator(reader ledger.Reader, leaks ResolvedSource, cache ReportCache, cfg Config, logger zerolog.Logger) *Aggregator {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.Attribution == "" {
		cfg.Attribution = leak.AttributeDetected
	}
	if cfg.MaxSummaryDays <= 0 {
		cfg.MaxSummaryDays = DefaultMaxSummaryDays
	}
	if cache == nil {
		cache = NewMemoryCache()
	}
	return &Aggregator{
		reader: reader,
		leaks:  leaks,
		cache:  cache,
		cfg:    cfg,
		now:    time.Now,
		logger: logger.With().Str("component", "reconciliation").Logger(),
	}
}

func (a *Aggregator) Location() *time.Location { return a.cfg.Location }

// ParseDay reads a YYYY-MM-DD date in the reconciliation timezone.
func (a *Aggregator) ParseDay(op, s string) (time.Time, error) {
	d, err := ledger.ParseDate(s, a.cfg.Location)
	if err != nil {
		return time.Time{}, apperr.Validation(op, "%s", err.Error())
	}
	return d, nil
}

// closed reports whether the day ended before today began.
func (a *Aggregator) closed(day ledger.TimeRange) bool {
	today := ledger.Day(a.now(), a.cfg.Location)
	return !day.To.After(today.From)
}

// Daily reconciles the calendar day containing date. Closed days are served
// from the cache when possible; today and future days are always computed.
func (a *Aggregator) Daily(ctx context.Context, date time.Time) (*Report, error) {
	const op = "daily_aggregation"
	day := ledger.Day(date, a.cfg.Location)
	key := day.From.Format(ledger.DateLayout)
	closed := a.closed(day)

	// gen is read before the ledger so an invalidation racing the compute
	// keeps the result out of the cache.
	cacheable := closed
	var gen int64
	if closed {
		cached, err := a.cache.Get(ctx, key)
		switch {
		case err == nil:
			return cached, nil
		case !errors.Is(err, ErrCacheMiss):
			a.logger.Warn().Err(err).Str("date", key).Msg("report cache read failed, recomputing")
		}
		if gen, err = a.cache.Generation(ctx, key); err != nil {
			a.logger.Warn().Err(err).Str("date", key).Msg("report generation read failed, not caching")
			cacheable = false
		}
	}

	totals, err := a.reader.DayTotals(ctx, day)
	if err != nil {
		return nil, apperr.Upstream(op, key, err)
	}
	resolved, err := a.leaks.SumResolved(ctx, day, a.cfg.Attribution)
	if err != nil {
		return nil, fmt.Errorf("%s: sum resolved leaks for %s: %w", op, key, err)
	}

	r := newReport(key, totals.Expected, totals.Actual, resolved, a.cfg.Tolerance)
	r.ComputedAt = a.now().UTC()
	r.Closed = closed

	if cacheable {
		stored, err := a.cache.Put(ctx, r, gen)
		switch {
		case err != nil:
			a.logger.Warn().Err(err).Str("date", key).Msg("failed to cache report")
		case !stored:
			a.logger.Debug().Str("date", key).Msg("report invalidated while computing, not cached")
		}
	}
	return r, nil
}

// Summary reconciles every day from from through to, inclusive, in order.
func (a *Aggregator) Summary(ctx context.Context, from, to time.Time) ([]*Report, error) {
	const op = "reconciliation_summary"
	first := ledger.Day(from, a.cfg.Location).From
	last := ledger.Day(to, a.cfg.Location).From
	if last.Before(first) {
		return nil, apperr.Validation(op, "from %s is after to %s",
			first.Format(ledger.DateLayout), last.Format(ledger.DateLayout))
	}

	var reports []*Report
	for d := first; !d.After(last); d = d.AddDate(0, 0, 1) {
		if len(reports) == a.cfg.MaxSummaryDays {
			return nil, apperr.Validation(op, "range exceeds %d days", a.cfg.MaxSummaryDays)
		}
		reports = append(reports, nil)
	}
	for i := range reports {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		r, err := a.Daily(ctx, first.AddDate(0, 0, i))
		if err != nil {
			return nil, err
		}
		reports[i] = r
	}
	return reports, nil
}

// Invalidate drops the cached report for the day containing date. Dropping a
// report that was BALANCED is logged at warn level: something changed a day
// that had already been signed off.
func (a *Aggregator) Invalidate(ctx context.Context, date time.Time) error {
	key := ledger.Day(date, a.cfg.Location).From.Format(ledger.DateLayout)
	removed, err := a.cache.Invalidate(ctx, key)
	if err != nil {
		return apperr.StoreWrite("invalidate_report", key, err)
	}
	switch {
	case removed == nil:
		a.logger.Debug().Str("date", key).Msg("no cached report to invalidate")
	case removed.Status == StatusBalanced:
		a.logger.Warn().
			Str("date", key).
			Int64("variance", int64(removed.Variance)).
			Msg("invalidated a balanced reconciliation report")
	default:
		a.logger.Info().Str("date", key).Msg("invalidated reconciliation report")
	}
	return nil
}

// InvalidateAt satisfies leak.ReportInvalidator.
func (a *Aggregator) InvalidateAt(ctx context.Context, t time.Time) error {
	return a.Invalidate(ctx, t)
}
