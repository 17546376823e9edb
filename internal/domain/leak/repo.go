package leak

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/ehr/revleak/internal/domain/ledger"
	"github.com/ehr/revleak/pkg/money"
)

var (
	ErrLeakNotFound = errors.New("revenue leak not found")
	ErrStaleVersion = errors.New("stale leak version")
)

// Repository is the leak store. It is the only shared mutable state of the
// engine: inserts are atomic on fingerprint and updates are a
// compare-and-swap on version.
type Repository interface {
	// CreateIfAbsent inserts l together with its creation event unless a
	// leak with the same fingerprint exists. It returns the stored leak and
	// whether this call created it.
	CreateIfAbsent(ctx context.Context, l *RevenueLeak, ev Event) (*RevenueLeak, bool, error)
	GetByID(ctx context.Context, id uuid.UUID) (*RevenueLeak, error)
	// UpdateVersioned replaces the mutable fields of l and appends ev iff the
	// stored version still equals expected. l.Version must be expected+1.
	UpdateVersioned(ctx context.Context, l *RevenueLeak, expected int, ev Event) error
	// List returns up to p.Limit leaks ordered by (detected_at, id).
	List(ctx context.Context, p ListParams) ([]*RevenueLeak, error)
	Summarize(ctx context.Context, r ledger.TimeRange) ([]SummaryCell, error)
	// SumResolved totals RESOLVED and WAIVED leaks whose attribution
	// timestamp falls inside r.
	SumResolved(ctx context.Context, r ledger.TimeRange, attr Attribution) (money.Amount, error)
	Events(ctx context.Context, leakID uuid.UUID) ([]Event, error)
}
