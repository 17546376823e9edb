// Package lock provides leak.ScanGuard implementations. The guard only keeps
// two scanners from duplicating work; fingerprints keep the results correct
// without it.
package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bsm/redislock"
	"github.com/rs/zerolog"

	"github.com/ehr/revleak/internal/domain/leak"
)

const (
	keyPrefix  = "revleak:lock:"
	DefaultTTL = 30 * time.Second
)

// RedisGuard holds a redislock lease for the duration of a scan and refreshes
// it every TTL/2 until released.
type RedisGuard struct {
	locker *redislock.Client
	ttl    time.Duration
	logger zerolog.Logger
}

func NewRedisGuard(client redislock.RedisClient, ttl time.Duration, logger zerolog.Logger) *RedisGuard {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisGuard{
		locker: redislock.New(client),
		ttl:    ttl,
		logger: logger.With().Str("component", "scan_lock").Logger(),
	}
}

func (g *RedisGuard) Acquire(ctx context.Context, key string) (func(), error) {
	l, err := g.locker.Obtain(ctx, keyPrefix+key, g.ttl, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, leak.ErrScanInProgress
	}
	if err != nil {
		return nil, fmt.Errorf("obtain lock %s: %w", key, err)
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		t := time.NewTicker(g.ttl / 2)
		defer t.Stop()
		for {
			select {
			case <-stop:
				return
			case <-t.C:
				if err := l.Refresh(context.Background(), g.ttl, nil); err != nil {
					g.logger.Warn().Err(err).Str("key", key).Msg("failed to refresh scan lock")
					return
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			<-done
			if err := l.Release(context.Background()); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
				g.logger.Warn().Err(err).Str("key", key).Msg("failed to release scan lock")
			}
		})
	}, nil
}

// LocalGuard serializes scans within one process.
type LocalGuard struct {
	mu   sync.Mutex
	held map[string]bool
}

func NewLocalGuard() *LocalGuard {
	return &LocalGuard{held: make(map[string]bool)}
}

func (g *LocalGuard) Acquire(_ context.Context, key string) (func(), error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.held[key] {
		return nil, leak.ErrScanInProgress
	}
	g.held[key] = true

	var once sync.Once
	return func() {
		once.Do(func() {
			g.mu.Lock()
			delete(g.held, key)
			g.mu.Unlock()
		})
	}, nil
}
