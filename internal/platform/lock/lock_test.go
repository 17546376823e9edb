package lock

import (
	"context"
	"errors"
	"testing"

	"github.com/ehr/revleak/internal/domain/leak"
)

var _ leak.ScanGuard = (*RedisGuard)(nil)
var _ leak.ScanGuard = (*LocalGuard)(nil)

func TestLocalGuard(t *testing.T) {
	ctx := context.Background()
	g := NewLocalGuard()

	release, err := g.Acquire(ctx, "scan:acme")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if _, err := g.Acquire(ctx, "scan:acme"); !errors.Is(err, leak.ErrScanInProgress) {
		t.Errorf("expected ErrScanInProgress, got %v", err)
	}

	other, err := g.Acquire(ctx, "scan:globex")
	if err != nil {
		t.Fatalf("another key should be free: %v", err)
	}
	other()

	release()
	release()
	again, err := g.Acquire(ctx, "scan:acme")
	if err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
	again()
}
