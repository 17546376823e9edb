package db

import (
	"errors"
	"net/http"
	"testing"
)

func TestEvaluateHealth(t *testing.T) {
	migrated := []MigrationStatus{{Version: 1, Applied: true}, {Version: 2, Applied: true}}
	behind := []MigrationStatus{{Version: 1, Applied: true}, {Version: 2}, {Version: 3}}

	tests := []struct {
		name       string
		pingErr    error
		tenant     string
		statuses   []MigrationStatus
		statusErr  error
		wantCode   int
		wantStatus string
		wantPend   int
	}{
		{"ping fails", errors.New("connection refused"), "default", nil, nil, http.StatusServiceUnavailable, "unhealthy", 0},
		{"no schema check", nil, "", nil, nil, http.StatusOK, "healthy", 0},
		{"fully migrated", nil, "default", migrated, nil, http.StatusOK, "healthy", 0},
		{"pending migrations", nil, "default", behind, nil, http.StatusOK, "degraded", 2},
		{"schema missing", nil, "acme", nil, errors.New(`schema "tenant_acme" does not exist`), http.StatusServiceUnavailable, "unhealthy", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, resp := evaluateHealth(tt.pingErr, tt.tenant, tt.statuses, tt.statusErr, PoolStats{MaxConns: 10})
			if code != tt.wantCode || resp.Status != tt.wantStatus {
				t.Errorf("got %d %s, want %d %s", code, resp.Status, tt.wantCode, tt.wantStatus)
			}
			if resp.Pool.MaxConns != 10 {
				t.Error("pool stats should always be reported")
			}
			if tt.tenant != "" && tt.pingErr == nil {
				if resp.Schema == nil || resp.Schema.Tenant != tt.tenant || len(resp.Schema.Pending) != tt.wantPend {
					t.Errorf("unexpected schema section %+v", resp.Schema)
				}
			}
		})
	}
}
