package reconciliation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ehr/revleak/pkg/money"
)

var errTest = errors.New("ledger unavailable")

func TestMemoryCache(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache()

	if _, err := c.Get(ctx, "2024-03-04"); !errors.Is(err, ErrCacheMiss) {
		t.Fatalf("expected miss on empty cache, got %v", err)
	}
	r := newReport("2024-03-04", 5000, 5000, 0, 0)
	if stored, err := c.Put(ctx, r, 0); err != nil || !stored {
		t.Fatalf("put: %v, %v", stored, err)
	}
	r.Variance = 999
	got, err := c.Get(ctx, "2024-03-04")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Variance != 0 {
		t.Error("cache must hold a copy, not the caller's report")
	}

	removed, err := c.Invalidate(ctx, "2024-03-04")
	if err != nil || removed == nil || removed.Status != StatusBalanced {
		t.Fatalf("expected the balanced report back, got %+v, %v", removed, err)
	}
	removed, err = c.Invalidate(ctx, "2024-03-04")
	if err != nil || removed != nil {
		t.Errorf("second invalidate should remove nothing, got %+v, %v", removed, err)
	}
}

func TestMemoryCache_StaleGenerationIsRejected(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache()

	gen, err := c.Generation(ctx, "2024-03-04")
	if err != nil || gen != 0 {
		t.Fatalf("expected generation 0, got %d, %v", gen, err)
	}
	if _, err := c.Invalidate(ctx, "2024-03-04"); err != nil {
		t.Fatalf("invalidate: %v", err)
	}

	stored, err := c.Put(ctx, newReport("2024-03-04", 5000, 3000, 0, 0), gen)
	if err != nil || stored {
		t.Fatalf("put under a stale generation should be dropped, got %v, %v", stored, err)
	}
	if _, err := c.Get(ctx, "2024-03-04"); !errors.Is(err, ErrCacheMiss) {
		t.Errorf("expected miss, got %v", err)
	}

	gen, _ = c.Generation(ctx, "2024-03-04")
	if gen != 1 {
		t.Fatalf("expected generation 1, got %d", gen)
	}
	if stored, err := c.Put(ctx, newReport("2024-03-04", 5000, 5000, 0, 0), gen); err != nil || !stored {
		t.Errorf("put under the current generation should store, got %v, %v", stored, err)
	}
}

func TestReportCodec(t *testing.T) {
	r := newReport("2024-03-04", 5000, 3000, 0, 0)
	r.ComputedAt = time.Date(2024, 3, 5, 1, 0, 0, 0, time.UTC)
	r.Closed = true

	payload, err := encodeReport(r)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := decodeReport(payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Date != r.Date || got.Variance != 2000 || got.Status != StatusVarianceDetected || !got.Closed {
		t.Errorf("decoded %+v, want %+v", got, r)
	}
	if !got.ComputedAt.Equal(r.ComputedAt) {
		t.Errorf("computed_at = %v, want %v", got.ComputedAt, r.ComputedAt)
	}
	if _, err := decodeReport([]byte("{")); err == nil {
		t.Error("expected error for truncated payload")
	}
}

func TestRedisKey(t *testing.T) {
	if got := redisKey("acme", "2024-03-04"); got != "revleak:recon:acme:2024-03-04" {
		t.Errorf("redisKey = %q", got)
	}
	if got := redisGenKey("acme", "2024-03-04"); got != "revleak:recon-gen:acme:2024-03-04" {
		t.Errorf("redisGenKey = %q", got)
	}
}

func TestNewReport(t *testing.T) {
	tests := []struct {
		name                       string
		expected, actual, resolved money.Amount
		tolerance                  money.Amount
		wantVariance               money.Amount
		wantStatus                 Status
	}{
		{"exact", 5000, 5000, 0, 0, 0, StatusBalanced},
		{"underpaid", 5000, 3000, 0, 0, 2000, StatusVarianceDetected},
		{"explained", 5000, 3000, 2000, 0, 0, StatusBalanced},
		{"overpaid", 5000, 5600, 0, 500, -600, StatusVarianceDetected},
		{"within tolerance", 5000, 4950, 0, 50, 50, StatusBalanced},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newReport("2024-03-04", tt.expected, tt.actual, tt.resolved, tt.tolerance)
			if r.Variance != tt.wantVariance || r.Status != tt.wantStatus {
				t.Errorf("got variance %d status %s, want %d %s", r.Variance, r.Status, tt.wantVariance, tt.wantStatus)
			}
		})
	}
}
