package leak

import (
	"time"

	"github.com/google/uuid"

	"github.com/ehr/revleak/internal/domain/ledger"
	"github.com/ehr/revleak/pkg/money"
)

type Type string

const (
	TypeDuplicateCharge Type = "DUPLICATE_CHARGE"
	TypeUnbilledService Type = "UNBILLED_SERVICE"
	TypePriceMismatch   Type = "PRICE_MISMATCH"
	TypeUnderpriced     Type = "UNDERPRICED"
	TypeUnpaidInvoice   Type = "UNPAID_INVOICE"
)

// Types lists every leak type in rule priority order.
var Types = []Type{
	TypeDuplicateCharge,
	TypeUnbilledService,
	TypePriceMismatch,
	TypeUnderpriced,
	TypeUnpaidInvoice,
}

func ParseType(s string) (Type, bool) {
	for _, t := range Types {
		if string(t) == s {
			return t, true
		}
	}
	return "", false
}

type Status string

const (
	StatusOpen          Status = "OPEN"
	StatusInvestigating Status = "INVESTIGATING"
	StatusResolved      Status = "RESOLVED"
	StatusWaived        Status = "WAIVED"
)

var Statuses = []Status{StatusOpen, StatusInvestigating, StatusResolved, StatusWaived}

func ParseStatus(s string) (Status, bool) {
	for _, st := range Statuses {
		if string(st) == s {
			return st, true
		}
	}
	return "", false
}

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusResolved || s == StatusWaived
}

// Attribution selects which timestamp assigns a leak to a reconciliation day.
type Attribution string

const (
	AttributeDetected    Attribution = "detected_at"
	AttributeVisitClosed Attribution = "visit_closed"
)

// RevenueLeak is a detected discrepancy between what was delivered,
// billed and collected for a visit.
type RevenueLeak struct {
	ID             uuid.UUID    `json:"id"`
	Fingerprint    string       `json:"fingerprint"`
	VisitID        uuid.UUID    `json:"visit_id"`
	Type           Type         `json:"leak_type"`
	Amount         money.Amount `json:"amount"`
	ReferenceIDs   []uuid.UUID  `json:"reference_ids"`
	VisitClosedAt  time.Time    `json:"visit_closed_at"`
	DetectedAt     time.Time    `json:"detected_at"`
	Status         Status       `json:"status"`
	ResolvedBy     *string      `json:"resolved_by,omitempty"`
	ResolvedAt     *time.Time   `json:"resolved_at,omitempty"`
	ResolutionNote *string      `json:"resolution_note,omitempty"`
	Version        int          `json:"version"`
}

// AttributedAt returns the instant that places the leak on a reconciliation day.
func (l *RevenueLeak) AttributedAt(attr Attribution) time.Time {
	if attr == AttributeVisitClosed {
		return l.VisitClosedAt
	}
	return l.DetectedAt
}

func (l *RevenueLeak) Summary() LeakSummary {
	return LeakSummary{
		ID:          l.ID,
		Fingerprint: l.Fingerprint,
		VisitID:     l.VisitID,
		Type:        l.Type,
		Amount:      l.Amount,
		Status:      l.Status,
		DetectedAt:  l.DetectedAt,
	}
}

func (l *RevenueLeak) clone() *RevenueLeak {
	cp := *l
	cp.ReferenceIDs = append([]uuid.UUID(nil), l.ReferenceIDs...)
	if l.ResolvedBy != nil {
		v := *l.ResolvedBy
		cp.ResolvedBy = &v
	}
	if l.ResolvedAt != nil {
		v := *l.ResolvedAt
		cp.ResolvedAt = &v
	}
	if l.ResolutionNote != nil {
		v := *l.ResolutionNote
		cp.ResolutionNote = &v
	}
	return &cp
}

// LeakSummary is the compact form returned by scans.
type LeakSummary struct {
	ID          uuid.UUID    `json:"id"`
	Fingerprint string       `json:"fingerprint"`
	VisitID     uuid.UUID    `json:"visit_id"`
	Type        Type         `json:"leak_type"`
	Amount      money.Amount `json:"amount"`
	Status      Status       `json:"status"`
	DetectedAt  time.Time    `json:"detected_at"`
}

// Event is one immutable entry of a leak's audit trail. FromStatus is nil
// for the creation event.
type Event struct {
	LeakID     uuid.UUID `json:"leak_id"`
	Version    int       `json:"version"`
	FromStatus *Status   `json:"from_status,omitempty"`
	ToStatus   Status    `json:"to_status"`
	Actor      string    `json:"actor"`
	Note       string    `json:"note,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Candidate is a rule finding before it is fingerprinted and stored.
type Candidate struct {
	VisitID      uuid.UUID
	Type         Type
	Amount       money.Amount
	ReferenceIDs []uuid.UUID
}

type ScanResult struct {
	Range         ledger.TimeRange `json:"range"`
	SnapshotAt    time.Time        `json:"snapshot_at"`
	VisitsScanned int              `json:"visits_scanned"`
	Created       []LeakSummary    `json:"created"`
	AlreadyKnown  []LeakSummary    `json:"already_known"`
}

func (r *ScanResult) merge(o *ScanResult) {
	if o == nil {
		return
	}
	if r.SnapshotAt.IsZero() || o.SnapshotAt.After(r.SnapshotAt) {
		r.SnapshotAt = o.SnapshotAt
	}
	r.VisitsScanned += o.VisitsScanned
	r.Created = append(r.Created, o.Created...)
	r.AlreadyKnown = append(r.AlreadyKnown, o.AlreadyKnown...)
}

// ListFilter narrows a leak listing. Zero values mean "any".
type ListFilter struct {
	Status *Status
	Type   *Type
	From   *time.Time
	To     *time.Time
	Cursor string
	Limit  int
}

// ListParams is the store-level form of ListFilter, with the cursor decoded.
type ListParams struct {
	Status    *Status
	Type      *Type
	From      *time.Time
	To        *time.Time
	AfterTime *time.Time
	AfterID   *uuid.UUID
	Limit     int
}

type Page struct {
	Items      []*RevenueLeak `json:"items"`
	NextCursor string         `json:"next_cursor,omitempty"`
	HasMore    bool           `json:"has_more"`
}

// SummaryCell is one (type, status) bucket of a leak summary.
type SummaryCell struct {
	Type   Type         `json:"leak_type"`
	Status Status       `json:"status"`
	Count  int          `json:"count"`
	Amount money.Amount `json:"amount"`
}

type Summary struct {
	Range       ledger.TimeRange `json:"range"`
	Cells       []SummaryCell    `json:"cells"`
	TotalCount  int              `json:"total_count"`
	TotalAmount money.Amount     `json:"total_amount"`
}
