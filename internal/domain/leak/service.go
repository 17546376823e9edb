package leak

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/revleak/internal/domain/ledger"
	"github.com/ehr/revleak/internal/platform/apperr"
	"github.com/ehr/revleak/pkg/pagination"
)

// Service is the entry point used by the HTTP handler and the CLI.
type Service struct {
	repo    Repository
	scanner *Scanner
	tracker *Tracker
}

func NewService(repo Repository, scanner *Scanner, tracker *Tracker) *Service {
	return &Service{repo: repo, scanner: scanner, tracker: tracker}
}

func (s *Service) DetectAll(ctx context.Context, tr ledger.TimeRange) (*ScanResult, error) {
	return s.scanner.DetectAll(ctx, tr)
}

func (s *Service) DetectChunked(ctx context.Context, tr ledger.TimeRange, chunk time.Duration) (*ScanResult, error) {
	return s.scanner.DetectChunked(ctx, tr, chunk)
}

func (s *Service) GetLeak(ctx context.Context, id uuid.UUID) (*RevenueLeak, error) {
	l, err := s.repo.GetByID(ctx, id)
	if errors.Is(err, ErrLeakNotFound) {
		return nil, apperr.NotFound("get_leak", id.String())
	}
	if err != nil {
		return nil, fmt.Errorf("get leak %s: %w", id, err)
	}
	return l, nil
}

func (s *Service) History(ctx context.Context, id uuid.UUID) ([]Event, error) {
	events, err := s.repo.Events(ctx, id)
	if errors.Is(err, ErrLeakNotFound) {
		return nil, apperr.NotFound("leak_history", id.String())
	}
	if err != nil {
		return nil, fmt.Errorf("leak history %s: %w", id, err)
	}
	return events, nil
}

// ListLeaks returns one page ordered by (detected_at, id). The listing is
// read-only and may be called at any time.
func (s *Service) ListLeaks(ctx context.Context, f ListFilter) (*Page, error) {
	const op = "list_leaks"
	if f.From != nil && f.To != nil && !f.From.Before(*f.To) {
		return nil, apperr.Validation(op, "from must be before to")
	}
	p := ListParams{
		Status: f.Status,
		Type:   f.Type,
		From:   f.From,
		To:     f.To,
		Limit:  pagination.ClampLimit(f.Limit),
	}
	if f.Cursor != "" {
		at, id, err := decodeLeakCursor(f.Cursor)
		if err != nil {
			return nil, apperr.Validation(op, "%s", err.Error())
		}
		p.AfterTime, p.AfterID = &at, &id
	}

	limit := p.Limit
	p.Limit = limit + 1
	items, err := s.repo.List(ctx, p)
	if err != nil {
		return nil, fmt.Errorf("list leaks: %w", err)
	}
	page := &Page{Items: items}
	if len(items) > limit {
		page.Items = items[:limit]
		page.HasMore = true
		last := page.Items[limit-1]
		page.NextCursor = encodeLeakCursor(last)
	}
	if page.Items == nil {
		page.Items = []*RevenueLeak{}
	}
	return page, nil
}

// Summary groups the leaks detected in tr by type and status.
func (s *Service) Summary(ctx context.Context, tr ledger.TimeRange) (*Summary, error) {
	if err := tr.Validate(); err != nil {
		return nil, apperr.Validation("get_leak_summary", "%s", err.Error())
	}
	cells, err := s.repo.Summarize(ctx, tr)
	if err != nil {
		return nil, fmt.Errorf("summarize leaks: %w", err)
	}
	sum := &Summary{Range: tr, Cells: cells}
	if sum.Cells == nil {
		sum.Cells = []SummaryCell{}
	}
	for _, c := range cells {
		sum.TotalCount += c.Count
		sum.TotalAmount += c.Amount
	}
	return sum, nil
}

func (s *Service) Resolve(ctx context.Context, req TransitionRequest) (*RevenueLeak, error) {
	return s.tracker.Transition(ctx, req)
}

func encodeLeakCursor(l *RevenueLeak) string {
	return pagination.EncodeCursor(l.DetectedAt.UTC().Format(time.RFC3339Nano), l.ID.String())
}

func decodeLeakCursor(token string) (time.Time, uuid.UUID, error) {
	c, err := pagination.DecodeCursor(token)
	if err != nil {
		return time.Time{}, uuid.Nil, err
	}
	at, err := time.Parse(time.RFC3339Nano, c.Value)
	if err != nil {
		return time.Time{}, uuid.Nil, fmt.Errorf("invalid cursor position: %w", err)
	}
	id, err := uuid.Parse(c.ID)
	if err != nil {
		return time.Time{}, uuid.Nil, fmt.Errorf("invalid cursor position: %w", err)
	}
	return at, id, nil
}
