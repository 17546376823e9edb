package leak

import (
	"sort"

	"github.com/google/uuid"

	"github.com/ehr/revleak/internal/domain/ledger"
	"github.com/ehr/revleak/pkg/money"
)

// Thresholds configures how large a discrepancy must be before a rule
// reports it. All values are in minor currency units.
type Thresholds struct {
	// PriceMismatch is the largest tolerated |billed - catalog| on a line.
	// A value <= 0 disables the PRICE_MISMATCH rule.
	PriceMismatch money.Amount
	// Underpriced is the largest tolerated shortfall of billed below catalog.
	Underpriced money.Amount
	// Unpaid is the largest tolerated outstanding balance on an invoice.
	Unpaid money.Amount
}

// Rule is one leak check. Apply must be pure: it reads the evaluation and
// may claim references, nothing else.
type Rule struct {
	Type  Type
	Apply func(ev *evaluation) []Candidate
}

// DefaultRules returns the checks in priority order. A reference claimed
// by an earlier rule is invisible to the later ones.
func DefaultRules() []Rule {
	return []Rule{
		{Type: TypeDuplicateCharge, Apply: duplicateCharges},
		{Type: TypeUnbilledService, Apply: unbilledServices},
		{Type: TypePriceMismatch, Apply: priceMismatches},
		{Type: TypeUnderpriced, Apply: underpricedLines},
		{Type: TypeUnpaidInvoice, Apply: unpaidInvoices},
	}
}

// Engine evaluates the rule set against one visit at a time.
type Engine struct {
	rules      []Rule
	thresholds Thresholds
}

func NewEngine(th Thresholds) *Engine {
	return &Engine{rules: DefaultRules(), thresholds: th}
}

// Evaluate returns the visit's candidates in rule order, and within a rule
// in reference order. The input is not modified.
func (e *Engine) Evaluate(vf ledger.VisitFacts) []Candidate {
	ev := newEvaluation(vf, e.thresholds)
	var out []Candidate
	for _, r := range e.rules {
		for _, c := range r.Apply(ev) {
			if c.Amount <= 0 {
				continue
			}
			c.VisitID = vf.Visit.ID
			c.Type = r.Type
			out = append(out, c)
		}
	}
	return out
}

// evaluation is the per-visit working state shared by the rules.
type evaluation struct {
	th Thresholds
	// finalized orders, by id
	orders []ledger.ServiceOrder
	byID   map[uuid.UUID]ledger.ServiceOrder
	// non-void invoices by (issued_at, id), their lines by (sequence, id)
	invoices []ledger.Invoice
	lines    []ledger.InvoiceLine
	paid     map[uuid.UUID]money.Amount
	claimed  map[uuid.UUID]Type
}

func newEvaluation(vf ledger.VisitFacts, th Thresholds) *evaluation {
	ev := &evaluation{
		th:      th,
		byID:    make(map[uuid.UUID]ledger.ServiceOrder),
		paid:    make(map[uuid.UUID]money.Amount),
		claimed: make(map[uuid.UUID]Type),
	}

	for _, o := range vf.Orders {
		if o.Finalized() {
			ev.orders = append(ev.orders, o)
			ev.byID[o.ID] = o
		}
	}
	sort.Slice(ev.orders, func(i, j int) bool {
		return lessUUID(ev.orders[i].ID, ev.orders[j].ID)
	})

	for _, inv := range vf.Invoices {
		if inv.Void() {
			continue
		}
		inv.Lines = append([]ledger.InvoiceLine(nil), inv.Lines...)
		sort.Slice(inv.Lines, func(i, j int) bool {
			a, b := inv.Lines[i], inv.Lines[j]
			if a.Sequence != b.Sequence {
				return a.Sequence < b.Sequence
			}
			return lessUUID(a.ID, b.ID)
		})
		ev.invoices = append(ev.invoices, inv)
	}
	sort.Slice(ev.invoices, func(i, j int) bool {
		a, b := ev.invoices[i], ev.invoices[j]
		if !a.IssuedAt.Equal(b.IssuedAt) {
			return a.IssuedAt.Before(b.IssuedAt)
		}
		return lessUUID(a.ID, b.ID)
	})
	for _, inv := range ev.invoices {
		ev.lines = append(ev.lines, inv.Lines...)
	}

	for _, p := range vf.Payments {
		ev.paid[p.InvoiceID] += p.Amount
	}
	return ev
}

func (ev *evaluation) claim(id uuid.UUID, t Type) {
	if _, ok := ev.claimed[id]; !ok {
		ev.claimed[id] = t
	}
}

func (ev *evaluation) isClaimed(id uuid.UUID) bool {
	_, ok := ev.claimed[id]
	return ok
}

func (ev *evaluation) claimedAs(id uuid.UUID, t Type) bool {
	got, ok := ev.claimed[id]
	return ok && got == t
}

// duplicateCharges keeps the first line per order and reports the rest.
func duplicateCharges(ev *evaluation) []Candidate {
	var out []Candidate
	seen := make(map[uuid.UUID]bool)
	for _, ln := range ev.lines {
		if _, ok := ev.byID[ln.ServiceOrderID]; !ok {
			continue
		}
		if !seen[ln.ServiceOrderID] {
			seen[ln.ServiceOrderID] = true
			continue
		}
		ev.claim(ln.ID, TypeDuplicateCharge)
		out = append(out, Candidate{
			Amount:       ln.BilledAmount,
			ReferenceIDs: []uuid.UUID{ln.ServiceOrderID, ln.ID},
		})
	}
	return out
}

func unbilledServices(ev *evaluation) []Candidate {
	billed := make(map[uuid.UUID]bool, len(ev.lines))
	for _, ln := range ev.lines {
		billed[ln.ServiceOrderID] = true
	}
	var out []Candidate
	for _, o := range ev.orders {
		if billed[o.ID] || ev.isClaimed(o.ID) {
			continue
		}
		ev.claim(o.ID, TypeUnbilledService)
		out = append(out, Candidate{
			Amount:       o.CatalogPrice,
			ReferenceIDs: []uuid.UUID{o.ID},
		})
	}
	return out
}

func priceMismatches(ev *evaluation) []Candidate {
	if ev.th.PriceMismatch <= 0 {
		return nil
	}
	var out []Candidate
	for _, ln := range ev.lines {
		o, ok := ev.byID[ln.ServiceOrderID]
		if !ok || ev.isClaimed(ln.ID) {
			continue
		}
		delta := (ln.BilledAmount - o.CatalogPrice).Abs()
		if delta <= ev.th.PriceMismatch {
			continue
		}
		ev.claim(ln.ID, TypePriceMismatch)
		out = append(out, Candidate{
			Amount:       delta,
			ReferenceIDs: []uuid.UUID{o.ID, ln.ID},
		})
	}
	return out
}

func underpricedLines(ev *evaluation) []Candidate {
	var out []Candidate
	for _, ln := range ev.lines {
		o, ok := ev.byID[ln.ServiceOrderID]
		if !ok || ev.isClaimed(ln.ID) {
			continue
		}
		short := o.CatalogPrice - ln.BilledAmount
		if short <= 0 || short <= ev.th.Underpriced {
			continue
		}
		ev.claim(ln.ID, TypeUnderpriced)
		out = append(out, Candidate{
			Amount:       short,
			ReferenceIDs: []uuid.UUID{o.ID, ln.ID},
		})
	}
	return out
}

// unpaidInvoices compares what each invoice can legitimately collect
// against what has been paid on it. Duplicate lines are not collectible.
func unpaidInvoices(ev *evaluation) []Candidate {
	var out []Candidate
	for _, inv := range ev.invoices {
		if ev.isClaimed(inv.ID) {
			continue
		}
		var collectible money.Amount
		for _, ln := range inv.Lines {
			if ev.claimedAs(ln.ID, TypeDuplicateCharge) {
				continue
			}
			collectible += ln.BilledAmount
		}
		outstanding := collectible - ev.paid[inv.ID]
		if outstanding <= 0 || outstanding <= ev.th.Unpaid {
			continue
		}
		ev.claim(inv.ID, TypeUnpaidInvoice)
		out = append(out, Candidate{
			Amount:       outstanding,
			ReferenceIDs: []uuid.UUID{inv.ID},
		})
	}
	return out
}

func lessUUID(a, b uuid.UUID) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}
