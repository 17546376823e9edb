package db

import (
	"context"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

// PoolStats is the pool section of the /health/db response.
type PoolStats struct {
	TotalConns      int32  `json:"total_conns"`
	IdleConns       int32  `json:"idle_conns"`
	AcquiredConns   int32  `json:"acquired_conns"`
	MaxConns        int32  `json:"max_conns"`
	AcquireCount    int64  `json:"acquire_count"`
	AcquireDuration string `json:"acquire_duration"`
}

func poolStats(pool *pgxpool.Pool) PoolStats {
	stat := pool.Stat()
	return PoolStats{
		TotalConns:      stat.TotalConns(),
		IdleConns:       stat.IdleConns(),
		AcquiredConns:   stat.AcquiredConns(),
		MaxConns:        stat.MaxConns(),
		AcquireCount:    stat.AcquireCount(),
		AcquireDuration: stat.AcquireDuration().String(),
	}
}

// SchemaHealth describes the migration state of the default tenant schema.
type SchemaHealth struct {
	Tenant  string `json:"tenant"`
	Applied int    `json:"applied"`
	Pending []int  `json:"pending,omitempty"`
	Error   string `json:"error,omitempty"`
}

type healthResponse struct {
	Status string        `json:"status"`
	Error  string        `json:"error,omitempty"`
	Pool   PoolStats     `json:"pool"`
	Schema *SchemaHealth `json:"schema,omitempty"`
}

// evaluateHealth is unhealthy when the database is unreachable or the
// default tenant schema cannot be read, and degraded while migrations are
// pending: leak and reconciliation queries may then hit missing tables.
func evaluateHealth(pingErr error, tenant string, statuses []MigrationStatus, statusErr error, stats PoolStats) (int, healthResponse) {
	resp := healthResponse{Status: "healthy", Pool: stats}
	if pingErr != nil {
		resp.Status, resp.Error = "unhealthy", pingErr.Error()
		return http.StatusServiceUnavailable, resp
	}
	if tenant == "" {
		return http.StatusOK, resp
	}

	sh := &SchemaHealth{Tenant: tenant}
	resp.Schema = sh
	if statusErr != nil {
		sh.Error = statusErr.Error()
		resp.Status = "unhealthy"
		return http.StatusServiceUnavailable, resp
	}
	for _, s := range statuses {
		if s.Applied {
			sh.Applied++
		} else {
			sh.Pending = append(sh.Pending, s.Version)
		}
	}
	if len(sh.Pending) > 0 {
		resp.Status = "degraded"
	}
	return http.StatusOK, resp
}

// HealthHandler pings the database, reports pool statistics and checks that
// the default tenant's schema is fully migrated. A nil migrator skips the
// schema check.
func HealthHandler(pool *pgxpool.Pool, migrator *Migrator, defaultTenant string) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
		defer cancel()

		pingErr := pool.Ping(ctx)
		var (
			tenant    string
			statuses  []MigrationStatus
			statusErr error
		)
		if migrator != nil && pingErr == nil {
			tenant = defaultTenant
			statuses, statusErr = migrator.Status(ctx, SchemaName(defaultTenant))
		}
		code, body := evaluateHealth(pingErr, tenant, statuses, statusErr, poolStats(pool))
		return c.JSON(code, body)
	}
}
