package leak

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ehr/revleak/internal/domain/ledger"
	"github.com/ehr/revleak/internal/platform/apperr"
	"github.com/ehr/revleak/internal/platform/db"
)

// ScannerActor is recorded as the actor of every creation event.
const ScannerActor = "system:scanner"

// ReportInvalidator drops the cached reconciliation report for the day
// containing t. Implemented by the reconciliation aggregator.
type ReportInvalidator interface {
	InvalidateAt(ctx context.Context, t time.Time) error
}

// ScanGuard serializes scans per key across processes. Acquire returns
// ErrScanInProgress when another holder has the key.
type ScanGuard interface {
	Acquire(ctx context.Context, key string) (release func(), err error)
}

var ErrScanInProgress = errors.New("a scan for this tenant is already running")

type ScannerConfig struct {
	Workers     int
	Attribution Attribution
}

// Scanner runs the rule engine over a ledger snapshot and records new
// findings. Running it again over the same or an overlapping range only
// reports what it already knows.
type Scanner struct {
	reader      ledger.Reader
	repo        Repository
	engine      *Engine
	cfg         ScannerConfig
	invalidator ReportInvalidator
	guard       ScanGuard
	now         func() time.Time
	logger      zerolog.Logger
}

func NewScanner(reader ledger.Reader, repo Repository, engine *Engine, cfg ScannerConfig, logger zerolog.Logger) *Scanner {
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.GOMAXPROCS(0)
	}
	if cfg.Attribution == "" {
		cfg.Attribution = AttributeDetected
	}
	return &Scanner{
		reader: reader,
		repo:   repo,
		engine: engine,
		cfg:    cfg,
		now:    func() time.Time { return time.Now().UTC() },
		logger: logger.With().Str("component", "leak_scanner").Logger(),
	}
}

func (s *Scanner) SetInvalidator(inv ReportInvalidator) { s.invalidator = inv }

func (s *Scanner) SetGuard(g ScanGuard) { s.guard = g }

// DetectAll scans every visit closed in tr against one ledger snapshot.
// On a store failure the returned result holds the leaks committed so far.
func (s *Scanner) DetectAll(ctx context.Context, tr ledger.TimeRange) (*ScanResult, error) {
	const op = "detect_all"
	if err := tr.Validate(); err != nil {
		return nil, apperr.Validation(op, "%s", err.Error())
	}

	if s.guard != nil {
		release, err := s.guard.Acquire(ctx, "scan:"+tenantKey(ctx))
		if err != nil {
			return nil, err
		}
		defer release()
	}

	log := s.logger.With().
		Str("tenant", tenantKey(ctx)).
		Time("range_from", tr.From).
		Time("range_to", tr.To).
		Logger()

	snap, err := s.reader.Snapshot(ctx, tr)
	if err != nil {
		return nil, apperr.Upstream(op, tr.String(), err)
	}

	found, err := s.evaluate(ctx, snap)
	if err != nil {
		return nil, err
	}

	result := &ScanResult{
		Range:         tr,
		SnapshotAt:    snap.TakenAt,
		VisitsScanned: len(snap.Visits),
		Created:       []LeakSummary{},
		AlreadyKnown:  []LeakSummary{},
	}
	var invalidationErrs []error
	for i, candidates := range found {
		visit := snap.Visits[i].Visit
		for _, c := range candidates {
			if err := ctx.Err(); err != nil {
				return result, err
			}
			l, ev := s.newLeak(c, visit)
			stored, created, err := s.repo.CreateIfAbsent(ctx, l, ev)
			if err != nil {
				log.Error().Err(err).Str("fingerprint", l.Fingerprint).Msg("failed to record leak")
				return result, apperr.StoreWrite(op, l.Fingerprint, err)
			}
			if !created {
				result.AlreadyKnown = append(result.AlreadyKnown, stored.Summary())
				continue
			}
			result.Created = append(result.Created, stored.Summary())
			if err := s.invalidate(ctx, stored); err != nil {
				invalidationErrs = append(invalidationErrs, err)
			}
		}
	}

	log.Info().
		Int("visits", result.VisitsScanned).
		Int("created", len(result.Created)).
		Int("already_known", len(result.AlreadyKnown)).
		Msg("leak scan complete")

	if len(invalidationErrs) > 0 {
		return result, apperr.StoreWrite(op, "reconciliation_cache", errors.Join(invalidationErrs...))
	}
	return result, nil
}

// DetectChunked scans tr in consecutive sub-ranges of at most chunk. On
// failure it returns the merged results of the completed sub-ranges, so
// re-running the same call resumes where it stopped.
func (s *Scanner) DetectChunked(ctx context.Context, tr ledger.TimeRange, chunk time.Duration) (*ScanResult, error) {
	if err := tr.Validate(); err != nil {
		return nil, apperr.Validation("detect_chunked", "%s", err.Error())
	}
	total := &ScanResult{Range: tr, Created: []LeakSummary{}, AlreadyKnown: []LeakSummary{}}
	for _, part := range tr.Split(chunk) {
		res, err := s.DetectAll(ctx, part)
		total.merge(res)
		if err != nil {
			return total, fmt.Errorf("chunk %s: %w", part, err)
		}
	}
	return total, nil
}

// evaluate runs the engine per visit on a bounded worker pool. The result
// is indexed like snap.Visits.
func (s *Scanner) evaluate(ctx context.Context, snap *ledger.Snapshot) ([][]Candidate, error) {
	out := make([][]Candidate, len(snap.Visits))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Workers)
	for i := range snap.Visits {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			out[i] = s.engine.Evaluate(snap.Visits[i])
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Scanner) newLeak(c Candidate, visit ledger.Visit) (*RevenueLeak, Event) {
	now := s.now()
	l := &RevenueLeak{
		ID:            uuid.New(),
		Fingerprint:   Fingerprint(c),
		VisitID:       c.VisitID,
		Type:          c.Type,
		Amount:        c.Amount,
		ReferenceIDs:  append([]uuid.UUID(nil), c.ReferenceIDs...),
		VisitClosedAt: visit.ClosedAt,
		DetectedAt:    now,
		Status:        StatusOpen,
		Version:       1,
	}
	ev := Event{
		LeakID:     l.ID,
		Version:    1,
		ToStatus:   StatusOpen,
		Actor:      ScannerActor,
		OccurredAt: now,
	}
	return l, ev
}

func (s *Scanner) invalidate(ctx context.Context, l *RevenueLeak) error {
	if s.invalidator == nil {
		return nil
	}
	if err := s.invalidator.InvalidateAt(ctx, l.AttributedAt(s.cfg.Attribution)); err != nil {
		s.logger.Error().Err(err).Str("leak_id", l.ID.String()).Msg("failed to invalidate reconciliation report")
		return err
	}
	return nil
}

func tenantKey(ctx context.Context) string {
	if t := db.TenantFromContext(ctx); t != "" {
		return t
	}
	return "default"
}
