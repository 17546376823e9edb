package leak

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/revleak/internal/domain/ledger"
	"github.com/ehr/revleak/pkg/money"
)

var testDay = time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC)

// visitBuilder assembles the billing facts of one visit for rule tests.
type visitBuilder struct {
	vf ledger.VisitFacts
}

func newVisit(closedAt time.Time) *visitBuilder {
	return &visitBuilder{vf: ledger.VisitFacts{
		Visit: ledger.Visit{ID: uuid.New(), PatientID: uuid.New(), ClosedAt: closedAt},
	}}
}

func (b *visitBuilder) order(price int64) uuid.UUID {
	return b.orderWithStatus(price, ledger.OrderStatusFinal)
}

func (b *visitBuilder) orderWithStatus(price int64, status string) uuid.UUID {
	id := uuid.New()
	b.vf.Orders = append(b.vf.Orders, ledger.ServiceOrder{
		ID: id, VisitID: b.vf.Visit.ID, ServiceCode: "SVC", CatalogPrice: money.Amount(price), Status: status,
	})
	return id
}

func (b *visitBuilder) invoice(status string, issuedAt time.Time) uuid.UUID {
	id := uuid.New()
	b.vf.Invoices = append(b.vf.Invoices, ledger.Invoice{ID: id, VisitID: b.vf.Visit.ID, Status: status, IssuedAt: issuedAt})
	return id
}

func (b *visitBuilder) line(invoiceID, orderID uuid.UUID, seq int, billed int64) uuid.UUID {
	id := uuid.New()
	for i := range b.vf.Invoices {
		if b.vf.Invoices[i].ID == invoiceID {
			b.vf.Invoices[i].Lines = append(b.vf.Invoices[i].Lines, ledger.InvoiceLine{
				ID: id, InvoiceID: invoiceID, ServiceOrderID: orderID, Sequence: seq, BilledAmount: money.Amount(billed),
			})
			return id
		}
	}
	panic("unknown invoice")
}

func (b *visitBuilder) pay(invoiceID uuid.UUID, amount int64) {
	b.vf.Payments = append(b.vf.Payments, ledger.Payment{
		ID: uuid.New(), InvoiceID: invoiceID, Amount: money.Amount(amount), ReceivedAt: b.vf.Visit.ClosedAt,
	})
}

func (b *visitBuilder) facts() ledger.VisitFacts {
	return b.vf
}

// billedVisit is the common case: one order billed on one issued invoice.
func billedVisit(closedAt time.Time, price, billed, paid int64) (*visitBuilder, uuid.UUID, uuid.UUID) {
	b := newVisit(closedAt)
	orderID := b.order(price)
	invoiceID := b.invoice(ledger.InvoiceStatusIssued, closedAt)
	b.line(invoiceID, orderID, 1, billed)
	if paid > 0 {
		b.pay(invoiceID, paid)
	}
	return b, orderID, invoiceID
}

func sameIDs(a, b []uuid.UUID) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func moneyAmount(v int64) money.Amount { return money.Amount(v) }

var errTestUpstream = errors.New("ledger replica unreachable")
