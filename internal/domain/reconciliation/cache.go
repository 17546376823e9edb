package reconciliation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/ehr/revleak/internal/platform/db"
)

var ErrCacheMiss = errors.New("reconciliation report not cached")

// ReportCache holds reports of closed days. Entries are scoped to the tenant
// carried by the context and are only ever removed by Invalidate.
//
// Every Invalidate advances the date's generation. A report computed while
// an invalidation ran is stale, so Put stores only when the generation still
// equals the one read before computing.
type ReportCache interface {
	// Get returns ErrCacheMiss when no report is stored for date.
	Get(ctx context.Context, date string) (*Report, error)
	// Generation is zero for a date that was never invalidated.
	Generation(ctx context.Context, date string) (int64, error)
	// Put reports false, without error, when gen is no longer current.
	Put(ctx context.Context, r *Report, gen int64) (bool, error)
	// Invalidate advances the generation, removes the report for date and
	// returns it, or nil if nothing was cached.
	Invalidate(ctx context.Context, date string) (*Report, error)
}

func tenantOf(ctx context.Context) string {
	if t := db.TenantFromContext(ctx); t != "" {
		return t
	}
	return "default"
}

// MemoryCache is a process-local ReportCache.
type MemoryCache struct {
	mu      sync.Mutex
	reports map[string]Report
	gens    map[string]int64
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{reports: make(map[string]Report), gens: make(map[string]int64)}
}

func (m *MemoryCache) key(ctx context.Context, date string) string {
	return tenantOf(ctx) + "/" + date
}

func (m *MemoryCache) Get(ctx context.Context, date string) (*Report, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.reports[m.key(ctx, date)]
	if !ok {
		return nil, ErrCacheMiss
	}
	return &r, nil
}

func (m *MemoryCache) Generation(ctx context.Context, date string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gens[m.key(ctx, date)], nil
}

func (m *MemoryCache) Put(ctx context.Context, r *Report, gen int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := m.key(ctx, r.Date)
	if m.gens[k] != gen {
		return false, nil
	}
	m.reports[k] = *r
	return true, nil
}

func (m *MemoryCache) Invalidate(ctx context.Context, date string) (*Report, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := m.key(ctx, date)
	m.gens[k]++
	r, ok := m.reports[k]
	if !ok {
		return nil, nil
	}
	delete(m.reports, k)
	return &r, nil
}

func encodeReport(r *Report) ([]byte, error) {
	payload, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("encode report %s: %w", r.Date, err)
	}
	return payload, nil
}

func decodeReport(payload []byte) (*Report, error) {
	var r Report
	if err := json.Unmarshal(payload, &r); err != nil {
		return nil, fmt.Errorf("decode cached report: %w", err)
	}
	return &r, nil
}
