package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/revleak/pkg/money"
)

func seedVisit(closedAt time.Time, price, paid int64) (VisitFacts, uuid.UUID) {
	visitID := uuid.New()
	orderID := uuid.New()
	invoiceID := uuid.New()
	vf := VisitFacts{
		Visit:  Visit{ID: visitID, PatientID: uuid.New(), ClosedAt: closedAt},
		Orders: []ServiceOrder{{ID: orderID, VisitID: visitID, ServiceCode: "LAB-CBC", CatalogPrice: 5000, Status: OrderStatusFinal}},
		Invoices: []Invoice{{
			ID: invoiceID, VisitID: visitID, Status: InvoiceStatusIssued, IssuedAt: closedAt,
			Lines: []InvoiceLine{{ID: uuid.New(), InvoiceID: invoiceID, ServiceOrderID: orderID, Sequence: 1, BilledAmount: 5000}},
		}},
	}
	vf.Orders[0].CatalogPrice = moneyOf(price)
	if paid > 0 {
		vf.Payments = []Payment{{ID: uuid.New(), InvoiceID: invoiceID, Amount: moneyOf(paid), ReceivedAt: closedAt}}
	}
	return vf, invoiceID
}

func TestMemoryLedger_SnapshotFiltersByClosedAt(t *testing.T) {
	m := NewMemoryLedger()
	day := time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)
	inRange, _ := seedVisit(day, 5000, 0)
	outOfRange, _ := seedVisit(day.AddDate(0, 0, 2), 5000, 0)
	m.PutVisit(inRange)
	m.PutVisit(outOfRange)

	snap, err := m.Snapshot(context.Background(), Day(day, time.UTC))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(snap.Visits) != 1 || snap.Visits[0].Visit.ID != inRange.Visit.ID {
		t.Fatalf("expected only the in-range visit, got %d visits", len(snap.Visits))
	}
}

func TestMemoryLedger_SnapshotIsolatedFromLaterWrites(t *testing.T) {
	m := NewMemoryLedger()
	day := time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)
	vf, invoiceID := seedVisit(day, 5000, 0)
	m.PutVisit(vf)

	snap, err := m.Snapshot(context.Background(), Day(day, time.UTC))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !m.AddPayment(Payment{ID: uuid.New(), InvoiceID: invoiceID, Amount: 5000, ReceivedAt: day}) {
		t.Fatal("expected payment to attach to the invoice")
	}
	if len(snap.Visits[0].Payments) != 0 {
		t.Error("snapshot must not observe a payment added after it was taken")
	}
}

func TestMemoryLedger_AddPaymentUnknownInvoice(t *testing.T) {
	m := NewMemoryLedger()
	if m.AddPayment(Payment{ID: uuid.New(), InvoiceID: uuid.New(), Amount: 1}) {
		t.Error("expected AddPayment to report an unknown invoice")
	}
}

func TestMemoryLedger_DayTotals(t *testing.T) {
	m := NewMemoryLedger()
	day := time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)
	vf, _ := seedVisit(day, 5000, 3000)
	m.PutVisit(vf)

	totals, err := m.DayTotals(context.Background(), Day(day, time.UTC))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if totals.Expected != 5000 {
		t.Errorf("Expected = %d, want 5000", totals.Expected)
	}
	if totals.Actual != 3000 {
		t.Errorf("Actual = %d, want 3000", totals.Actual)
	}

	next, err := m.DayTotals(context.Background(), Day(day.AddDate(0, 0, 1), time.UTC))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if next.Expected != 0 || next.Actual != 0 {
		t.Errorf("expected empty totals for the next day, got %+v", next)
	}
}

func TestMemoryLedger_DayTotalsIgnoresDraftOrders(t *testing.T) {
	m := NewMemoryLedger()
	day := time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)
	vf, _ := seedVisit(day, 5000, 0)
	vf.Orders = append(vf.Orders, ServiceOrder{ID: uuid.New(), VisitID: vf.Visit.ID, CatalogPrice: 900, Status: "draft"})
	m.PutVisit(vf)

	totals, err := m.DayTotals(context.Background(), Day(day, time.UTC))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if totals.Expected != 5000 {
		t.Errorf("Expected = %d, want 5000 (draft order excluded)", totals.Expected)
	}
}

func TestMemoryLedger_Failure(t *testing.T) {
	m := NewMemoryLedger()
	boom := errors.New("replica lagging")
	m.SetFailure(boom)
	r := Day(time.Now(), time.UTC)

	if _, err := m.Snapshot(context.Background(), r); !errors.Is(err, boom) {
		t.Errorf("Snapshot error = %v, want %v", err, boom)
	}
	if _, err := m.DayTotals(context.Background(), r); !errors.Is(err, boom) {
		t.Errorf("DayTotals error = %v, want %v", err, boom)
	}

	m.SetFailure(nil)
	if _, err := m.Snapshot(context.Background(), r); err != nil {
		t.Errorf("unexpected error after clearing failure: %v", err)
	}
}

func moneyOf(v int64) money.Amount { return money.Amount(v) }
