// Package ledger is the read-only view of the host application's billing
// records: visits, service orders, invoices and payments. The revenue
// engine never writes to it.
package ledger

import "context"

// Reader produces consistent reads of the billing ledger. Each call is one
// point-in-time read; implementations must not tear across visits.
type Reader interface {
	Snapshot(ctx context.Context, r TimeRange) (*Snapshot, error)
	DayTotals(ctx context.Context, r TimeRange) (*DayTotals, error)
}
