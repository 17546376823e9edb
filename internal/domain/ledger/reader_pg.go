package ledger

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/revleak/internal/platform/db"
	"github.com/ehr/revleak/pkg/money"
)

// snapshotTxOptions gives every statement of one read the same MVCC snapshot,
// so billing mutated mid-scan is never seen half-applied.
var snapshotTxOptions = pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly}

type readerPG struct{ pool *pgxpool.Pool }

// NewReaderPG reads the host application's billing tables (visit,
// service_order, invoice, invoice_line_item, payment) in the tenant schema.
func NewReaderPG(pool *pgxpool.Pool) Reader { return &readerPG{pool: pool} }

const closedVisitsSubquery = `SELECT id FROM visit WHERE closed_at >= $1 AND closed_at < $2`

func (r *readerPG) Snapshot(ctx context.Context, tr TimeRange) (*Snapshot, error) {
	if err := tr.Validate(); err != nil {
		return nil, err
	}

	var snap *Snapshot
	err := db.InTx(ctx, r.pool, snapshotTxOptions, func(ctx context.Context, tx pgx.Tx) error {
		var err error
		snap, err = readSnapshot(ctx, tx, tr)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("ledger snapshot %s: %w", tr, err)
	}
	return snap, nil
}

func readSnapshot(ctx context.Context, q db.Querier, tr TimeRange) (*Snapshot, error) {
	snap := &Snapshot{Range: tr}
	if err := q.QueryRow(ctx, `SELECT now()`).Scan(&snap.TakenAt); err != nil {
		return nil, fmt.Errorf("read snapshot time: %w", err)
	}

	visits, err := readVisits(ctx, q, tr)
	if err != nil {
		return nil, err
	}
	if len(visits) == 0 {
		return snap, nil
	}

	index := make(map[uuid.UUID]*VisitFacts, len(visits))
	snap.Visits = make([]VisitFacts, len(visits))
	for i, v := range visits {
		snap.Visits[i].Visit = v
		index[v.ID] = &snap.Visits[i]
	}

	if err := readOrders(ctx, q, tr, index); err != nil {
		return nil, err
	}
	invoiceVisit, err := readInvoices(ctx, q, tr, index)
	if err != nil {
		return nil, err
	}
	if err := readLines(ctx, q, tr, index, invoiceVisit); err != nil {
		return nil, err
	}
	if err := readPayments(ctx, q, tr, index, invoiceVisit); err != nil {
		return nil, err
	}
	return snap, nil
}

func readVisits(ctx context.Context, q db.Querier, tr TimeRange) ([]Visit, error) {
	rows, err := q.Query(ctx, `SELECT id, patient_id, closed_at FROM visit
		WHERE closed_at >= $1 AND closed_at < $2 ORDER BY closed_at, id`, tr.From, tr.To)
	if err != nil {
		return nil, fmt.Errorf("query visits: %w", err)
	}
	defer rows.Close()

	var out []Visit
	for rows.Next() {
		var v Visit
		if err := rows.Scan(&v.ID, &v.PatientID, &v.ClosedAt); err != nil {
			return nil, fmt.Errorf("scan visit: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func readOrders(ctx context.Context, q db.Querier, tr TimeRange, index map[uuid.UUID]*VisitFacts) error {
	rows, err := q.Query(ctx, `SELECT id, visit_id, service_code, catalog_price, status FROM service_order
		WHERE visit_id IN (`+closedVisitsSubquery+`) ORDER BY visit_id, id`, tr.From, tr.To)
	if err != nil {
		return fmt.Errorf("query service orders: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var o ServiceOrder
		var price int64
		if err := rows.Scan(&o.ID, &o.VisitID, &o.ServiceCode, &price, &o.Status); err != nil {
			return fmt.Errorf("scan service order: %w", err)
		}
		o.CatalogPrice = money.Amount(price)
		if vf := index[o.VisitID]; vf != nil {
			vf.Orders = append(vf.Orders, o)
		}
	}
	return rows.Err()
}

func readInvoices(ctx context.Context, q db.Querier, tr TimeRange, index map[uuid.UUID]*VisitFacts) (map[uuid.UUID]uuid.UUID, error) {
	rows, err := q.Query(ctx, `SELECT id, visit_id, status, issued_at FROM invoice
		WHERE visit_id IN (`+closedVisitsSubquery+`) ORDER BY visit_id, issued_at, id`, tr.From, tr.To)
	if err != nil {
		return nil, fmt.Errorf("query invoices: %w", err)
	}
	defer rows.Close()

	invoiceVisit := make(map[uuid.UUID]uuid.UUID)
	for rows.Next() {
		var inv Invoice
		if err := rows.Scan(&inv.ID, &inv.VisitID, &inv.Status, &inv.IssuedAt); err != nil {
			return nil, fmt.Errorf("scan invoice: %w", err)
		}
		if vf := index[inv.VisitID]; vf != nil {
			vf.Invoices = append(vf.Invoices, inv)
			invoiceVisit[inv.ID] = inv.VisitID
		}
	}
	return invoiceVisit, rows.Err()
}

func readLines(ctx context.Context, q db.Querier, tr TimeRange, index map[uuid.UUID]*VisitFacts, invoiceVisit map[uuid.UUID]uuid.UUID) error {
	rows, err := q.Query(ctx, `SELECT l.id, l.invoice_id, l.service_order_id, l.sequence, l.billed_amount
		FROM invoice_line_item l JOIN invoice i ON i.id = l.invoice_id
		WHERE i.visit_id IN (`+closedVisitsSubquery+`) ORDER BY l.invoice_id, l.sequence, l.id`, tr.From, tr.To)
	if err != nil {
		return fmt.Errorf("query invoice lines: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var l InvoiceLine
		var billed int64
		if err := rows.Scan(&l.ID, &l.InvoiceID, &l.ServiceOrderID, &l.Sequence, &billed); err != nil {
			return fmt.Errorf("scan invoice line: %w", err)
		}
		l.BilledAmount = money.Amount(billed)
		vf := index[invoiceVisit[l.InvoiceID]]
		if vf == nil {
			continue
		}
		for i := range vf.Invoices {
			if vf.Invoices[i].ID == l.InvoiceID {
				vf.Invoices[i].Lines = append(vf.Invoices[i].Lines, l)
				break
			}
		}
	}
	return rows.Err()
}

func readPayments(ctx context.Context, q db.Querier, tr TimeRange, index map[uuid.UUID]*VisitFacts, invoiceVisit map[uuid.UUID]uuid.UUID) error {
	rows, err := q.Query(ctx, `SELECT p.id, p.invoice_id, p.amount, p.received_at
		FROM payment p JOIN invoice i ON i.id = p.invoice_id
		WHERE i.visit_id IN (`+closedVisitsSubquery+`) ORDER BY p.received_at, p.id`, tr.From, tr.To)
	if err != nil {
		return fmt.Errorf("query payments: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var p Payment
		var amount int64
		if err := rows.Scan(&p.ID, &p.InvoiceID, &amount, &p.ReceivedAt); err != nil {
			return fmt.Errorf("scan payment: %w", err)
		}
		p.Amount = money.Amount(amount)
		if vf := index[invoiceVisit[p.InvoiceID]]; vf != nil {
			vf.Payments = append(vf.Payments, p)
		}
	}
	return rows.Err()
}

func (r *readerPG) DayTotals(ctx context.Context, tr TimeRange) (*DayTotals, error) {
	if err := tr.Validate(); err != nil {
		return nil, err
	}

	totals := &DayTotals{Range: tr}
	err := db.InTx(ctx, r.pool, snapshotTxOptions, func(ctx context.Context, tx pgx.Tx) error {
		var expected, actual int64
		if err := tx.QueryRow(ctx, `SELECT COALESCE(SUM(o.catalog_price), 0)::bigint
			FROM service_order o JOIN visit v ON v.id = o.visit_id
			WHERE o.status = $3 AND v.closed_at >= $1 AND v.closed_at < $2`,
			tr.From, tr.To, OrderStatusFinal).Scan(&expected); err != nil {
			return fmt.Errorf("sum expected revenue: %w", err)
		}
		if err := tx.QueryRow(ctx, `SELECT COALESCE(SUM(amount), 0)::bigint
			FROM payment WHERE received_at >= $1 AND received_at < $2`,
			tr.From, tr.To).Scan(&actual); err != nil {
			return fmt.Errorf("sum collected revenue: %w", err)
		}
		totals.Expected = money.Amount(expected)
		totals.Actual = money.Amount(actual)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("ledger day totals %s: %w", tr, err)
	}
	return totals, nil
}
