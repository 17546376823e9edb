package leak

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/ehr/revleak/internal/domain/ledger"
	"github.com/ehr/revleak/pkg/money"
)

// MemoryRepository is a process-local Repository for tests and the CLI's
// dry runs. It is safe for concurrent use.
type MemoryRepository struct {
	mu      sync.Mutex
	leaks   map[uuid.UUID]*RevenueLeak
	byPrint map[string]uuid.UUID
	events  map[uuid.UUID][]Event
	failErr error
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		leaks:   make(map[uuid.UUID]*RevenueLeak),
		byPrint: make(map[string]uuid.UUID),
		events:  make(map[uuid.UUID][]Event),
	}
}

// FailWrites makes every subsequent write return err. Pass nil to heal.
func (m *MemoryRepository) FailWrites(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failErr = err
}

func (m *MemoryRepository) CreateIfAbsent(_ context.Context, l *RevenueLeak, ev Event) (*RevenueLeak, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.byPrint[l.Fingerprint]; ok {
		return m.leaks[id].clone(), false, nil
	}
	if m.failErr != nil {
		return nil, false, m.failErr
	}
	stored := l.clone()
	m.leaks[stored.ID] = stored
	m.byPrint[stored.Fingerprint] = stored.ID
	m.events[stored.ID] = append(m.events[stored.ID], ev)
	return stored.clone(), true, nil
}

func (m *MemoryRepository) GetByID(_ context.Context, id uuid.UUID) (*RevenueLeak, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.leaks[id]
	if !ok {
		return nil, ErrLeakNotFound
	}
	return l.clone(), nil
}

func (m *MemoryRepository) UpdateVersioned(_ context.Context, l *RevenueLeak, expected int, ev Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.leaks[l.ID]
	if !ok {
		return ErrLeakNotFound
	}
	if cur.Version != expected {
		return ErrStaleVersion
	}
	if m.failErr != nil {
		return m.failErr
	}
	next := cur.clone()
	next.Status = l.Status
	next.ResolvedBy = l.ResolvedBy
	next.ResolvedAt = l.ResolvedAt
	next.ResolutionNote = l.ResolutionNote
	next.Version = expected + 1
	m.leaks[l.ID] = next.clone()
	m.events[l.ID] = append(m.events[l.ID], ev)
	return nil
}

func (m *MemoryRepository) List(_ context.Context, p ListParams) ([]*RevenueLeak, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var items []*RevenueLeak
	for _, l := range m.leaks {
		if !matches(l, p) {
			continue
		}
		items = append(items, l.clone())
	}
	sort.Slice(items, func(i, j int) bool { return before(items[i], items[j]) })
	if p.Limit > 0 && len(items) > p.Limit {
		items = items[:p.Limit]
	}
	return items, nil
}

func (m *MemoryRepository) Summarize(_ context.Context, r ledger.TimeRange) ([]SummaryCell, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	type key struct {
		t Type
		s Status
	}
	cells := make(map[key]*SummaryCell)
	for _, l := range m.leaks {
		if !r.Contains(l.DetectedAt) {
			continue
		}
		k := key{l.Type, l.Status}
		c, ok := cells[k]
		if !ok {
			c = &SummaryCell{Type: l.Type, Status: l.Status}
			cells[k] = c
		}
		c.Count++
		c.Amount += l.Amount
	}
	out := make([]SummaryCell, 0, len(cells))
	for _, c := range cells {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Type != out[j].Type {
			return out[i].Type < out[j].Type
		}
		return out[i].Status < out[j].Status
	})
	return out, nil
}

func (m *MemoryRepository) SumResolved(_ context.Context, r ledger.TimeRange, attr Attribution) (money.Amount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var total money.Amount
	for _, l := range m.leaks {
		if l.Status.Terminal() && r.Contains(l.AttributedAt(attr)) {
			total += l.Amount
		}
	}
	return total, nil
}

func (m *MemoryRepository) Events(_ context.Context, leakID uuid.UUID) ([]Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.leaks[leakID]; !ok {
		return nil, ErrLeakNotFound
	}
	return append([]Event(nil), m.events[leakID]...), nil
}

func matches(l *RevenueLeak, p ListParams) bool {
	if p.Status != nil && l.Status != *p.Status {
		return false
	}
	if p.Type != nil && l.Type != *p.Type {
		return false
	}
	if p.From != nil && l.DetectedAt.Before(*p.From) {
		return false
	}
	if p.To != nil && !l.DetectedAt.Before(*p.To) {
		return false
	}
	if p.AfterTime != nil && p.AfterID != nil {
		if l.DetectedAt.Before(*p.AfterTime) {
			return false
		}
		if l.DetectedAt.Equal(*p.AfterTime) && !lessUUID(*p.AfterID, l.ID) {
			return false
		}
	}
	return true
}

func before(a, b *RevenueLeak) bool {
	if !a.DetectedAt.Equal(b.DetectedAt) {
		return a.DetectedAt.Before(b.DetectedAt)
	}
	return lessUUID(a.ID, b.ID)
}
