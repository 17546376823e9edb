package reconciliation

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const (
	redisKeyPrefix    = "revleak:recon"
	redisGenKeyPrefix = "revleak:recon-gen"
)

// redisCache shares reports between replicas. Keys never expire; closed days
// only change through Invalidate. Put watches the generation key, so an
// Invalidate landing between Generation and Put aborts the write.
type redisCache struct {
	rdb *redis.Client
}

func NewRedisCache(rdb *redis.Client) ReportCache { return &redisCache{rdb: rdb} }

func redisKey(tenant, date string) string {
	return fmt.Sprintf("%s:%s:%s", redisKeyPrefix, tenant, date)
}

func redisGenKey(tenant, date string) string {
	return fmt.Sprintf("%s:%s:%s", redisGenKeyPrefix, tenant, date)
}

func (c *redisCache) Get(ctx context.Context, date string) (*Report, error) {
	val, err := c.rdb.Get(ctx, redisKey(tenantOf(ctx), date)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, fmt.Errorf("read cached report %s: %w", date, err)
	}
	return decodeReport(val)
}

// getter is satisfied by both *redis.Client and *redis.Tx.
type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func readGen(ctx context.Context, cmd getter, key string) (int64, error) {
	gen, err := cmd.Get(ctx, key).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return gen, err
}

func (c *redisCache) Generation(ctx context.Context, date string) (int64, error) {
	gen, err := readGen(ctx, c.rdb, redisGenKey(tenantOf(ctx), date))
	if err != nil {
		return 0, fmt.Errorf("read report generation %s: %w", date, err)
	}
	return gen, nil
}

func (c *redisCache) Put(ctx context.Context, r *Report, gen int64) (bool, error) {
	payload, err := encodeReport(r)
	if err != nil {
		return false, err
	}
	tenant := tenantOf(ctx)
	genKey := redisGenKey(tenant, r.Date)

	stored := false
	err = c.rdb.Watch(ctx, func(tx *redis.Tx) error {
		current, err := readGen(ctx, tx, genKey)
		if err != nil || current != gen {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, redisKey(tenant, r.Date), payload, 0)
			return nil
		})
		if err == nil {
			stored = true
		}
		return err
	}, genKey)
	if errors.Is(err, redis.TxFailedErr) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("cache report %s: %w", r.Date, err)
	}
	return stored, nil
}

// Invalidate runs as one MULTI block. GET followed by DEL rather than GETDEL
// keeps it working on servers older than 6.2.
func (c *redisCache) Invalidate(ctx context.Context, date string) (*Report, error) {
	tenant := tenantOf(ctx)
	key := redisKey(tenant, date)

	var get *redis.StringCmd
	_, err := c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Incr(ctx, redisGenKey(tenant, date))
		get = pipe.Get(ctx, key)
		pipe.Del(ctx, key)
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("invalidate report %s: %w", date, err)
	}
	val, err := get.Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("invalidate report %s: %w", date, err)
	}
	return decodeReport(val)
}
