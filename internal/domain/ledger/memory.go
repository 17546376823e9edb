package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryLedger is an in-memory Reader. Reads return deep copies taken under
// a read lock, so later mutation never leaks into an earlier snapshot.
type MemoryLedger struct {
	mu      sync.RWMutex
	visits  map[uuid.UUID]*VisitFacts
	failErr error
	now     func() time.Time
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{visits: make(map[uuid.UUID]*VisitFacts), now: time.Now}
}

// PutVisit inserts or replaces a visit and all of its facts.
func (m *MemoryLedger) PutVisit(vf VisitFacts) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := copyFacts(vf)
	m.visits[vf.Visit.ID] = &c
}

// AddPayment records a payment against an invoice of a known visit.
// It returns false if no visit owns the invoice.
func (m *MemoryLedger) AddPayment(p Payment) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, vf := range m.visits {
		for _, inv := range vf.Invoices {
			if inv.ID == p.InvoiceID {
				vf.Payments = append(vf.Payments, p)
				return true
			}
		}
	}
	return false
}

// SetFailure makes every read fail with err until it is cleared with nil.
func (m *MemoryLedger) SetFailure(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failErr = err
}

func (m *MemoryLedger) Snapshot(_ context.Context, tr TimeRange) (*Snapshot, error) {
	if err := tr.Validate(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.failErr != nil {
		return nil, m.failErr
	}

	snap := &Snapshot{TakenAt: m.now(), Range: tr}
	for _, vf := range m.visits {
		if tr.Contains(vf.Visit.ClosedAt) {
			snap.Visits = append(snap.Visits, copyFacts(*vf))
		}
	}
	return snap, nil
}

func (m *MemoryLedger) DayTotals(_ context.Context, tr TimeRange) (*DayTotals, error) {
	if err := tr.Validate(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.failErr != nil {
		return nil, m.failErr
	}

	totals := &DayTotals{Range: tr}
	for _, vf := range m.visits {
		if tr.Contains(vf.Visit.ClosedAt) {
			for _, o := range vf.Orders {
				if o.Finalized() {
					totals.Expected += o.CatalogPrice
				}
			}
		}
		for _, p := range vf.Payments {
			if tr.Contains(p.ReceivedAt) {
				totals.Actual += p.Amount
			}
		}
	}
	return totals, nil
}

func copyFacts(vf VisitFacts) VisitFacts {
	out := VisitFacts{
		Visit:    vf.Visit,
		Orders:   append([]ServiceOrder(nil), vf.Orders...),
		Payments: append([]Payment(nil), vf.Payments...),
	}
	out.Invoices = make([]Invoice, len(vf.Invoices))
	for i, inv := range vf.Invoices {
		inv.Lines = append([]InvoiceLine(nil), inv.Lines...)
		out.Invoices[i] = inv
	}
	return out
}
