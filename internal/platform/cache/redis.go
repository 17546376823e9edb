// Package cache connects to the Redis instance shared by every replica.
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

type RedisConfig struct {
	URL      string
	PoolSize int
}

// NewRedis parses a redis:// URL, opens a client and pings it. A failed
// ping closes the client.
func NewRedis(ctx context.Context, rc RedisConfig) (*redis.Client, error) {
	opts, err := redis.ParseURL(rc.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if rc.PoolSize > 0 {
		opts.PoolSize = rc.PoolSize
	}

	rdb := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis at %s: %w", opts.Addr, err)
	}
	return rdb, nil
}
