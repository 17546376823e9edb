package ledger

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/revleak/pkg/money"
)

// Service order and invoice statuses as written by the host application.
const (
	OrderStatusFinal = "final"

	InvoiceStatusDraft          = "draft"
	InvoiceStatusIssued         = "issued"
	InvoiceStatusBalanced       = "balanced"
	InvoiceStatusCancelled      = "cancelled"
	InvoiceStatusEnteredInError = "entered-in-error"
)

// DateLayout is the wire format of a calendar date.
const DateLayout = "2006-01-02"

// TimeRange is the half-open interval [From, To).
type TimeRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// Validate rejects zero and inverted ranges.
func (r TimeRange) Validate() error {
	if r.From.IsZero() || r.To.IsZero() {
		return fmt.Errorf("range bounds are required")
	}
	if !r.From.Before(r.To) {
		return fmt.Errorf("range start %s must be before end %s", r.From.Format(time.RFC3339), r.To.Format(time.RFC3339))
	}
	return nil
}

// Contains reports whether t falls inside the range.
func (r TimeRange) Contains(t time.Time) bool {
	return !t.Before(r.From) && t.Before(r.To)
}

// Split cuts the range into consecutive sub-ranges no longer than chunk.
// A non-positive chunk returns the range unchanged.
func (r TimeRange) Split(chunk time.Duration) []TimeRange {
	if chunk <= 0 {
		return []TimeRange{r}
	}
	var out []TimeRange
	for from := r.From; from.Before(r.To); from = from.Add(chunk) {
		to := from.Add(chunk)
		if to.After(r.To) {
			to = r.To
		}
		out = append(out, TimeRange{From: from, To: to})
	}
	return out
}

func (r TimeRange) String() string {
	return r.From.Format(time.RFC3339) + "/" + r.To.Format(time.RFC3339)
}

// Day returns the calendar day containing date in loc as a TimeRange.
func Day(date time.Time, loc *time.Location) TimeRange {
	d := date.In(loc)
	start := time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, loc)
	return TimeRange{From: start, To: start.AddDate(0, 0, 1)}
}

// ParseDate reads a YYYY-MM-DD date as midnight in loc.
func ParseDate(s string, loc *time.Location) (time.Time, error) {
	d, err := time.ParseInLocation(DateLayout, s, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q, expected YYYY-MM-DD", s)
	}
	return d, nil
}

type Visit struct {
	ID        uuid.UUID `db:"id" json:"id"`
	PatientID uuid.UUID `db:"patient_id" json:"patient_id"`
	ClosedAt  time.Time `db:"closed_at" json:"closed_at"`
}

type ServiceOrder struct {
	ID           uuid.UUID    `db:"id" json:"id"`
	VisitID      uuid.UUID    `db:"visit_id" json:"visit_id"`
	ServiceCode  string       `db:"service_code" json:"service_code"`
	CatalogPrice money.Amount `db:"catalog_price" json:"catalog_price"`
	Status       string       `db:"status" json:"status"`
}

// Finalized reports whether the order is a billable fact.
func (o ServiceOrder) Finalized() bool {
	return o.Status == OrderStatusFinal
}

type InvoiceLine struct {
	ID             uuid.UUID    `db:"id" json:"id"`
	InvoiceID      uuid.UUID    `db:"invoice_id" json:"invoice_id"`
	ServiceOrderID uuid.UUID    `db:"service_order_id" json:"service_order_id"`
	Sequence       int          `db:"sequence" json:"sequence"`
	BilledAmount   money.Amount `db:"billed_amount" json:"billed_amount"`
}

type Invoice struct {
	ID       uuid.UUID     `db:"id" json:"id"`
	VisitID  uuid.UUID     `db:"visit_id" json:"visit_id"`
	Status   string        `db:"status" json:"status"`
	IssuedAt time.Time     `db:"issued_at" json:"issued_at"`
	Lines    []InvoiceLine `json:"lines"`
}

// Void reports whether the invoice has been cancelled or entered in error.
// Void invoices are not billing facts.
func (inv Invoice) Void() bool {
	return inv.Status == InvoiceStatusCancelled || inv.Status == InvoiceStatusEnteredInError
}

type Payment struct {
	ID         uuid.UUID    `db:"id" json:"id"`
	InvoiceID  uuid.UUID    `db:"invoice_id" json:"invoice_id"`
	Amount     money.Amount `db:"amount" json:"amount"`
	ReceivedAt time.Time    `db:"received_at" json:"received_at"`
}

// VisitFacts bundles one visit's billing facts as of a snapshot.
type VisitFacts struct {
	Visit    Visit          `json:"visit"`
	Orders   []ServiceOrder `json:"orders"`
	Invoices []Invoice      `json:"invoices"`
	Payments []Payment      `json:"payments"`
}

// Snapshot is a single point-in-time read of every visit closed in Range.
type Snapshot struct {
	TakenAt time.Time    `json:"taken_at"`
	Range   TimeRange    `json:"range"`
	Visits  []VisitFacts `json:"visits"`
}

// DayTotals holds the ledger side of one reconciliation day.
type DayTotals struct {
	Range    TimeRange    `json:"range"`
	Expected money.Amount `json:"expected"` // catalog prices of final orders on visits closed in Range
	Actual   money.Amount `json:"actual"`   // payments received in Range
}
