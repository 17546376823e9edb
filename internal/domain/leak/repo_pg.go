package leak

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/revleak/internal/domain/ledger"
	"github.com/ehr/revleak/internal/platform/db"
	"github.com/ehr/revleak/pkg/money"
)

type leakRepoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository { return &leakRepoPG{pool: pool} }

const leakCols = `id, fingerprint, visit_id, leak_type, amount, reference_ids::text[],
	visit_closed_at, detected_at, status, resolved_by, resolved_at, resolution_note, version`

func (r *leakRepoPG) scanLeak(row pgx.Row) (*RevenueLeak, error) {
	var (
		l      RevenueLeak
		amount int64
		refs   []string
	)
	err := row.Scan(&l.ID, &l.Fingerprint, &l.VisitID, &l.Type, &amount, &refs,
		&l.VisitClosedAt, &l.DetectedAt, &l.Status, &l.ResolvedBy, &l.ResolvedAt, &l.ResolutionNote, &l.Version)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrLeakNotFound
		}
		return nil, err
	}
	l.Amount = money.Amount(amount)
	l.ReferenceIDs = make([]uuid.UUID, 0, len(refs))
	for _, s := range refs {
		id, err := uuid.Parse(s)
		if err != nil {
			return nil, fmt.Errorf("leak %s: bad reference id %q: %w", l.ID, s, err)
		}
		l.ReferenceIDs = append(l.ReferenceIDs, id)
	}
	return &l, nil
}

func refStrings(ids []uuid.UUID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}

func insertEvent(ctx context.Context, q db.Querier, ev Event) error {
	var from *string
	if ev.FromStatus != nil {
		s := string(*ev.FromStatus)
		from = &s
	}
	_, err := q.Exec(ctx, `
		INSERT INTO revenue_leak_events (leak_id, version, from_status, to_status, actor, note, occurred_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		ev.LeakID, ev.Version, from, string(ev.ToStatus), ev.Actor, ev.Note, ev.OccurredAt)
	if err != nil {
		return fmt.Errorf("insert leak event: %w", err)
	}
	return nil
}

func (r *leakRepoPG) CreateIfAbsent(ctx context.Context, l *RevenueLeak, ev Event) (*RevenueLeak, bool, error) {
	var (
		stored  *RevenueLeak
		created bool
	)
	err := db.InTx(ctx, r.pool, pgx.TxOptions{}, func(ctx context.Context, tx pgx.Tx) error {
		var id uuid.UUID
		err := tx.QueryRow(ctx, `
			INSERT INTO revenue_leaks (id, fingerprint, visit_id, leak_type, amount, reference_ids,
				visit_closed_at, detected_at, status, version)
			VALUES ($1,$2,$3,$4,$5,$6::uuid[],$7,$8,$9,$10)
			ON CONFLICT (fingerprint) DO NOTHING
			RETURNING id`,
			l.ID, l.Fingerprint, l.VisitID, string(l.Type), int64(l.Amount), refStrings(l.ReferenceIDs),
			l.VisitClosedAt, l.DetectedAt, string(l.Status), l.Version).Scan(&id)
		switch {
		case errors.Is(err, pgx.ErrNoRows):
			existing, err := r.scanLeak(tx.QueryRow(ctx, `SELECT `+leakCols+` FROM revenue_leaks WHERE fingerprint = $1`, l.Fingerprint))
			if err != nil {
				return fmt.Errorf("load existing leak %s: %w", l.Fingerprint, err)
			}
			stored = existing
			return nil
		case err != nil:
			return fmt.Errorf("insert leak %s: %w", l.Fingerprint, err)
		}
		if err := insertEvent(ctx, tx, ev); err != nil {
			return err
		}
		stored = l.clone()
		created = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return stored, created, nil
}

func (r *leakRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*RevenueLeak, error) {
	return r.scanLeak(db.Executor(ctx, r.pool).QueryRow(ctx, `SELECT `+leakCols+` FROM revenue_leaks WHERE id = $1`, id))
}

func (r *leakRepoPG) UpdateVersioned(ctx context.Context, l *RevenueLeak, expected int, ev Event) error {
	return db.InTx(ctx, r.pool, pgx.TxOptions{}, func(ctx context.Context, tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE revenue_leaks SET status=$3, resolved_by=$4, resolved_at=$5, resolution_note=$6,
				version=version+1, updated_at=NOW()
			WHERE id = $1 AND version = $2`,
			l.ID, expected, string(l.Status), l.ResolvedBy, l.ResolvedAt, l.ResolutionNote)
		if err != nil {
			return fmt.Errorf("update leak %s: %w", l.ID, err)
		}
		if tag.RowsAffected() == 0 {
			var v int
			err := tx.QueryRow(ctx, `SELECT version FROM revenue_leaks WHERE id = $1`, l.ID).Scan(&v)
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrLeakNotFound
			}
			if err != nil {
				return fmt.Errorf("check leak version %s: %w", l.ID, err)
			}
			return ErrStaleVersion
		}
		return insertEvent(ctx, tx, ev)
	})
}

func (r *leakRepoPG) List(ctx context.Context, p ListParams) ([]*RevenueLeak, error) {
	query := `SELECT ` + leakCols + ` FROM revenue_leaks WHERE 1=1`
	var args []interface{}
	idx := 1

	if p.Status != nil {
		query += fmt.Sprintf(` AND status = $%d`, idx)
		args = append(args, string(*p.Status))
		idx++
	}
	if p.Type != nil {
		query += fmt.Sprintf(` AND leak_type = $%d`, idx)
		args = append(args, string(*p.Type))
		idx++
	}
	if p.From != nil {
		query += fmt.Sprintf(` AND detected_at >= $%d`, idx)
		args = append(args, *p.From)
		idx++
	}
	if p.To != nil {
		query += fmt.Sprintf(` AND detected_at < $%d`, idx)
		args = append(args, *p.To)
		idx++
	}
	if p.AfterTime != nil && p.AfterID != nil {
		query += fmt.Sprintf(` AND (detected_at, id) > ($%d, $%d)`, idx, idx+1)
		args = append(args, *p.AfterTime, *p.AfterID)
		idx += 2
	}
	query += fmt.Sprintf(` ORDER BY detected_at, id LIMIT $%d`, idx)
	args = append(args, p.Limit)

	rows, err := db.Executor(ctx, r.pool).Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*RevenueLeak
	for rows.Next() {
		l, err := r.scanLeak(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, l)
	}
	return items, rows.Err()
}

func (r *leakRepoPG) Summarize(ctx context.Context, tr ledger.TimeRange) ([]SummaryCell, error) {
	rows, err := db.Executor(ctx, r.pool).Query(ctx, `
		SELECT leak_type, status, COUNT(*), COALESCE(SUM(amount), 0)::bigint
		FROM revenue_leaks
		WHERE detected_at >= $1 AND detected_at < $2
		GROUP BY leak_type, status
		ORDER BY leak_type, status`, tr.From, tr.To)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []SummaryCell
	for rows.Next() {
		var (
			c      SummaryCell
			amount int64
		)
		if err := rows.Scan(&c.Type, &c.Status, &c.Count, &amount); err != nil {
			return nil, err
		}
		c.Amount = money.Amount(amount)
		out = append(out, c)
	}
	return out, rows.Err()
}

func (r *leakRepoPG) SumResolved(ctx context.Context, tr ledger.TimeRange, attr Attribution) (money.Amount, error) {
	col := "detected_at"
	if attr == AttributeVisitClosed {
		col = "visit_closed_at"
	}
	var total int64
	err := db.Executor(ctx, r.pool).QueryRow(ctx, `
		SELECT COALESCE(SUM(amount), 0)::bigint FROM revenue_leaks
		WHERE status IN ('RESOLVED', 'WAIVED') AND `+col+` >= $1 AND `+col+` < $2`,
		tr.From, tr.To).Scan(&total)
	if err != nil {
		return 0, err
	}
	return money.Amount(total), nil
}

func (r *leakRepoPG) Events(ctx context.Context, leakID uuid.UUID) ([]Event, error) {
	q := db.Executor(ctx, r.pool)
	var exists bool
	if err := q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM revenue_leaks WHERE id = $1)`, leakID).Scan(&exists); err != nil {
		return nil, err
	}
	if !exists {
		return nil, ErrLeakNotFound
	}
	rows, err := q.Query(ctx, `
		SELECT leak_id, version, from_status, to_status, actor, note, occurred_at
		FROM revenue_leak_events WHERE leak_id = $1 ORDER BY version`, leakID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Event
	for rows.Next() {
		var (
			ev   Event
			from *string
		)
		if err := rows.Scan(&ev.LeakID, &ev.Version, &from, &ev.ToStatus, &ev.Actor, &ev.Note, &ev.OccurredAt); err != nil {
			return nil, err
		}
		if from != nil {
			s := Status(*from)
			ev.FromStatus = &s
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}
