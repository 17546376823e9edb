package reconciliation

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/revleak/internal/platform/db"
)

// pgCache stores reports in the tenant schema's reconciliation_cache table.
// Generations live in reconciliation_cache_gen; Put and Invalidate both take
// the date's generation row lock, so they serialize per date.
type pgCache struct{ pool *pgxpool.Pool }

func NewPGCache(pool *pgxpool.Pool) ReportCache { return &pgCache{pool: pool} }

func (c *pgCache) Get(ctx context.Context, date string) (*Report, error) {
	var payload []byte
	err := db.Executor(ctx, c.pool).QueryRow(ctx,
		`SELECT report FROM reconciliation_cache WHERE report_date = $1::date`, date).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, fmt.Errorf("read cached report %s: %w", date, err)
	}
	return decodeReport(payload)
}

func (c *pgCache) Generation(ctx context.Context, date string) (int64, error) {
	var gen int64
	err := db.Executor(ctx, c.pool).QueryRow(ctx, `
		SELECT COALESCE((SELECT generation FROM reconciliation_cache_gen WHERE report_date = $1::date), 0)`,
		date).Scan(&gen)
	if err != nil {
		return 0, fmt.Errorf("read report generation %s: %w", date, err)
	}
	return gen, nil
}

func (c *pgCache) Put(ctx context.Context, r *Report, gen int64) (bool, error) {
	payload, err := encodeReport(r)
	if err != nil {
		return false, err
	}
	stored := false
	err = db.InTx(ctx, c.pool, pgx.TxOptions{}, func(ctx context.Context, tx pgx.Tx) error {
		// The no-op update locks an existing row and returns its latest value.
		var current int64
		if err := tx.QueryRow(ctx, `
			INSERT INTO reconciliation_cache_gen (report_date, generation) VALUES ($1::date, 0)
			ON CONFLICT (report_date) DO UPDATE SET generation = reconciliation_cache_gen.generation
			RETURNING generation`, r.Date).Scan(&current); err != nil {
			return err
		}
		if current != gen {
			return nil
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO reconciliation_cache (report_date, report, computed_at)
			VALUES ($1::date, $2, $3)
			ON CONFLICT (report_date) DO UPDATE SET report = EXCLUDED.report, computed_at = EXCLUDED.computed_at`,
			r.Date, payload, r.ComputedAt); err != nil {
			return err
		}
		stored = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("cache report %s: %w", r.Date, err)
	}
	return stored, nil
}

func (c *pgCache) Invalidate(ctx context.Context, date string) (*Report, error) {
	var payload []byte
	err := db.InTx(ctx, c.pool, pgx.TxOptions{}, func(ctx context.Context, tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			INSERT INTO reconciliation_cache_gen (report_date, generation) VALUES ($1::date, 1)
			ON CONFLICT (report_date) DO UPDATE SET generation = reconciliation_cache_gen.generation + 1`,
			date); err != nil {
			return err
		}
		// Separate statement: its snapshot sees a Put that committed while
		// the generation row was locked.
		err := tx.QueryRow(ctx,
			`DELETE FROM reconciliation_cache WHERE report_date = $1::date RETURNING report`, date).Scan(&payload)
		if errors.Is(err, pgx.ErrNoRows) {
			payload = nil
			return nil
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("invalidate report %s: %w", date, err)
	}
	if payload == nil {
		return nil, nil
	}
	return decodeReport(payload)
}
