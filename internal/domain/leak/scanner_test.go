package leak

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/revleak/internal/domain/ledger"
	"github.com/ehr/revleak/internal/platform/apperr"
)

type recordingInvalidator struct {
	mu    sync.Mutex
	times []time.Time
	err   error
}

func (r *recordingInvalidator) InvalidateAt(_ context.Context, t time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.times = append(r.times, t)
	return r.err
}

type busyGuard struct{}

func (busyGuard) Acquire(context.Context, string) (func(), error) {
	return nil, ErrScanInProgress
}

type countingGuard struct {
	mu       sync.Mutex
	keys     []string
	released int
}

func (g *countingGuard) Acquire(_ context.Context, key string) (func(), error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.keys = append(g.keys, key)
	return func() {
		g.mu.Lock()
		g.released++
		g.mu.Unlock()
	}, nil
}

// failAfterRepo lets the first n inserts through and fails the rest.
type failAfterRepo struct {
	Repository
	mu sync.Mutex
	n  int
}

func (r *failAfterRepo) CreateIfAbsent(ctx context.Context, l *RevenueLeak, ev Event) (*RevenueLeak, bool, error) {
	r.mu.Lock()
	if r.n <= 0 {
		r.mu.Unlock()
		return nil, false, errors.New("disk full")
	}
	r.n--
	r.mu.Unlock()
	return r.Repository.CreateIfAbsent(ctx, l, ev)
}

var scanNow = time.Date(2024, 3, 10, 9, 0, 0, 0, time.UTC)

func newTestScanner(reader ledger.Reader, repo Repository) *Scanner {
	s := NewScanner(reader, repo, NewEngine(Thresholds{}), ScannerConfig{Workers: 4}, zerolog.Nop())
	s.now = func() time.Time { return scanNow }
	return s
}

func storedLeaks(t *testing.T, repo Repository) []*RevenueLeak {
	t.Helper()
	items, err := repo.List(context.Background(), ListParams{Limit: 1000})
	if err != nil {
		t.Fatalf("list leaks: %v", err)
	}
	return items
}

func ledgerWith(visits ...*visitBuilder) *ledger.MemoryLedger {
	m := ledger.NewMemoryLedger()
	for _, v := range visits {
		m.PutVisit(v.facts())
	}
	return m
}

func TestScanner_DetectsUnpaidInvoice(t *testing.T) {
	b, _, _ := billedVisit(testDay.Add(10*time.Hour), 5000, 5000, 3000)
	repo := NewMemoryRepository()
	s := newTestScanner(ledgerWith(b), repo)

	res, err := s.DetectAll(context.Background(), ledger.Day(testDay, time.UTC))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Created) != 1 || len(res.AlreadyKnown) != 0 {
		t.Fatalf("expected 1 created leak, got %d created, %d known", len(res.Created), len(res.AlreadyKnown))
	}
	got := res.Created[0]
	if got.Type != TypeUnpaidInvoice || got.Amount != 2000 || got.Status != StatusOpen {
		t.Errorf("unexpected leak %+v", got)
	}

	stored, err := repo.GetByID(context.Background(), got.ID)
	if err != nil {
		t.Fatalf("get leak: %v", err)
	}
	if stored.Version != 1 || !stored.DetectedAt.Equal(scanNow) || !stored.VisitClosedAt.Equal(b.vf.Visit.ClosedAt) {
		t.Errorf("unexpected stored leak %+v", stored)
	}
	events, _ := repo.Events(context.Background(), got.ID)
	if len(events) != 1 || events[0].Actor != ScannerActor || events[0].FromStatus != nil {
		t.Errorf("expected one creation event, got %+v", events)
	}
}

func TestScanner_Idempotent(t *testing.T) {
	b, _, _ := billedVisit(testDay.Add(10*time.Hour), 5000, 5000, 3000)
	repo := NewMemoryRepository()
	s := newTestScanner(ledgerWith(b), repo)
	day := ledger.Day(testDay, time.UTC)

	first, err := s.DetectAll(context.Background(), day)
	if err != nil {
		t.Fatalf("first scan: %v", err)
	}
	second, err := s.DetectAll(context.Background(), day)
	if err != nil {
		t.Fatalf("second scan: %v", err)
	}

	if len(second.Created) != 0 || len(second.AlreadyKnown) != 1 {
		t.Fatalf("expected rerun to only report known leaks, got %+v", second)
	}
	if second.AlreadyKnown[0].ID != first.Created[0].ID {
		t.Error("expected the rerun to return the stored leak")
	}
	if n := len(storedLeaks(t, repo)); n != 1 {
		t.Errorf("expected 1 stored leak, got %d", n)
	}
}

func TestScanner_OverlappingRanges(t *testing.T) {
	a, _, _ := billedVisit(testDay.Add(2*time.Hour), 5000, 5000, 0)
	b := newVisit(testDay.Add(26 * time.Hour))
	b.order(7000)
	repo := NewMemoryRepository()
	s := newTestScanner(ledgerWith(a, b), repo)

	if _, err := s.DetectAll(context.Background(), ledger.TimeRange{From: testDay, To: testDay.Add(30 * time.Hour)}); err != nil {
		t.Fatalf("first scan: %v", err)
	}
	res, err := s.DetectAll(context.Background(), ledger.TimeRange{From: testDay.Add(-24 * time.Hour), To: testDay.Add(48 * time.Hour)})
	if err != nil {
		t.Fatalf("second scan: %v", err)
	}
	if len(res.Created) != 0 || len(res.AlreadyKnown) != 2 {
		t.Errorf("expected no new leaks from the overlap, got %d created", len(res.Created))
	}
	if n := len(storedLeaks(t, repo)); n != 2 {
		t.Errorf("expected 2 stored leaks, got %d", n)
	}
}

func TestScanner_InvalidRange(t *testing.T) {
	s := newTestScanner(ledger.NewMemoryLedger(), NewMemoryRepository())
	for _, tr := range []ledger.TimeRange{
		{},
		{From: testDay, To: testDay},
		{From: testDay.Add(time.Hour), To: testDay},
	} {
		if _, err := s.DetectAll(context.Background(), tr); !errors.Is(err, apperr.ErrValidation) {
			t.Errorf("range %v: expected validation error, got %v", tr, err)
		}
	}
}

func TestScanner_SnapshotFailure(t *testing.T) {
	m := ledger.NewMemoryLedger()
	cause := errors.New("connection refused")
	m.SetFailure(cause)
	repo := NewMemoryRepository()
	s := newTestScanner(m, repo)

	_, err := s.DetectAll(context.Background(), ledger.Day(testDay, time.UTC))
	if !errors.Is(err, apperr.ErrUpstreamUnavailable) || !errors.Is(err, cause) {
		t.Fatalf("expected upstream error wrapping the cause, got %v", err)
	}
	if !apperr.Retryable(err) {
		t.Error("expected snapshot failure to be retryable")
	}
	if n := len(storedLeaks(t, repo)); n != 0 {
		t.Errorf("expected nothing written, got %d leaks", n)
	}
}

func TestScanner_StoreFailureKeepsCommittedLeaks(t *testing.T) {
	a, _, _ := billedVisit(testDay.Add(1*time.Hour), 5000, 5000, 0)
	b, _, _ := billedVisit(testDay.Add(2*time.Hour), 6000, 6000, 0)
	mem := NewMemoryRepository()
	repo := &failAfterRepo{Repository: mem, n: 1}
	s := newTestScanner(ledgerWith(a, b), repo)
	day := ledger.Day(testDay, time.UTC)

	res, err := s.DetectAll(context.Background(), day)
	if !errors.Is(err, apperr.ErrStoreWriteFailure) {
		t.Fatalf("expected store write failure, got %v", err)
	}
	if apperr.Retryable(err) {
		t.Error("store write failures are not retryable")
	}
	if res == nil || len(res.Created) != 1 {
		t.Fatalf("expected the committed leak in the partial result, got %+v", res)
	}

	repo.n = 10
	res, err = s.DetectAll(context.Background(), day)
	if err != nil {
		t.Fatalf("rescan: %v", err)
	}
	if len(res.Created) != 1 || len(res.AlreadyKnown) != 1 {
		t.Errorf("expected rescan to finish the work, got %d created, %d known", len(res.Created), len(res.AlreadyKnown))
	}
}

func TestScanner_InvalidatesAttributedDay(t *testing.T) {
	closed := testDay.Add(10 * time.Hour)
	b, _, _ := billedVisit(closed, 5000, 5000, 3000)

	for _, tt := range []struct {
		attr Attribution
		want time.Time
	}{
		{AttributeDetected, scanNow},
		{AttributeVisitClosed, closed},
	} {
		inv := &recordingInvalidator{}
		s := NewScanner(ledgerWith(b), NewMemoryRepository(), NewEngine(Thresholds{}), ScannerConfig{Attribution: tt.attr}, zerolog.Nop())
		s.now = func() time.Time { return scanNow }
		s.SetInvalidator(inv)

		if _, err := s.DetectAll(context.Background(), ledger.Day(testDay, time.UTC)); err != nil {
			t.Fatalf("%s: unexpected error: %v", tt.attr, err)
		}
		if len(inv.times) != 1 || !inv.times[0].Equal(tt.want) {
			t.Errorf("%s: expected invalidation at %s, got %v", tt.attr, tt.want, inv.times)
		}

		// Known leaks do not touch the cache again.
		if _, err := s.DetectAll(context.Background(), ledger.Day(testDay, time.UTC)); err != nil {
			t.Fatalf("%s: rescan: %v", tt.attr, err)
		}
		if len(inv.times) != 1 {
			t.Errorf("%s: expected no invalidation on rescan, got %d", tt.attr, len(inv.times))
		}
	}
}

func TestScanner_InvalidationFailureIsReported(t *testing.T) {
	b, _, _ := billedVisit(testDay.Add(time.Hour), 5000, 5000, 0)
	s := newTestScanner(ledgerWith(b), NewMemoryRepository())
	s.SetInvalidator(&recordingInvalidator{err: errors.New("redis down")})

	res, err := s.DetectAll(context.Background(), ledger.Day(testDay, time.UTC))
	if !errors.Is(err, apperr.ErrStoreWriteFailure) {
		t.Fatalf("expected store write failure, got %v", err)
	}
	if res == nil || len(res.Created) != 1 {
		t.Errorf("expected the created leak to be reported, got %+v", res)
	}
}

func TestScanner_Guard(t *testing.T) {
	s := newTestScanner(ledger.NewMemoryLedger(), NewMemoryRepository())
	s.SetGuard(busyGuard{})
	if _, err := s.DetectAll(context.Background(), ledger.Day(testDay, time.UTC)); !errors.Is(err, ErrScanInProgress) {
		t.Errorf("expected scan in progress, got %v", err)
	}

	g := &countingGuard{}
	s.SetGuard(g)
	if _, err := s.DetectAll(context.Background(), ledger.Day(testDay, time.UTC)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(g.keys) != 1 || g.keys[0] != "scan:default" || g.released != 1 {
		t.Errorf("expected one acquire and release of scan:default, got %v / %d", g.keys, g.released)
	}
}

func TestScanner_DetectChunked(t *testing.T) {
	a, _, _ := billedVisit(testDay.Add(time.Hour), 5000, 5000, 0)
	b, _, _ := billedVisit(testDay.Add(49*time.Hour), 5000, 5000, 0)
	repo := NewMemoryRepository()
	s := newTestScanner(ledgerWith(a, b), repo)
	tr := ledger.TimeRange{From: testDay, To: testDay.Add(72 * time.Hour)}

	res, err := s.DetectChunked(context.Background(), tr, 24*time.Hour)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Created) != 2 || res.VisitsScanned != 2 || res.Range != tr {
		t.Errorf("unexpected merged result %+v", res)
	}
}

func TestScanner_DetectChunkedReturnsCompletedChunks(t *testing.T) {
	a, _, _ := billedVisit(testDay.Add(time.Hour), 5000, 5000, 0)
	b, _, _ := billedVisit(testDay.Add(49*time.Hour), 5000, 5000, 0)
	repo := &failAfterRepo{Repository: NewMemoryRepository(), n: 1}
	s := newTestScanner(ledgerWith(a, b), repo)

	res, err := s.DetectChunked(context.Background(), ledger.TimeRange{From: testDay, To: testDay.Add(72 * time.Hour)}, 24*time.Hour)
	if !errors.Is(err, apperr.ErrStoreWriteFailure) {
		t.Fatalf("expected store write failure, got %v", err)
	}
	if len(res.Created) != 1 {
		t.Errorf("expected the first chunk's leak, got %d", len(res.Created))
	}
}

func TestScanner_ConcurrentScansCreateOnce(t *testing.T) {
	var visits []*visitBuilder
	for i := 0; i < 20; i++ {
		b, _, _ := billedVisit(testDay.Add(time.Duration(i)*time.Minute), 5000, 5000, 1000)
		visits = append(visits, b)
	}
	repo := NewMemoryRepository()
	s := newTestScanner(ledgerWith(visits...), repo)
	day := ledger.Day(testDay, time.UTC)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
	)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := s.DetectAll(context.Background(), day)
			if err != nil {
				t.Errorf("scan: %v", err)
				return
			}
			mu.Lock()
			created += len(res.Created)
			mu.Unlock()
		}()
	}
	wg.Wait()

	if created != 20 {
		t.Errorf("expected 20 creations across all scans, got %d", created)
	}
	if n := len(storedLeaks(t, repo)); n != 20 {
		t.Errorf("expected 20 stored leaks, got %d", n)
	}
}

func TestScanner_Cancelled(t *testing.T) {
	b, _, _ := billedVisit(testDay.Add(time.Hour), 5000, 5000, 0)
	repo := NewMemoryRepository()
	s := newTestScanner(ledgerWith(b), repo)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := s.DetectAll(ctx, ledger.Day(testDay, time.UTC)); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if n := len(storedLeaks(t, repo)); n != 0 {
		t.Errorf("expected nothing written, got %d", n)
	}
}
