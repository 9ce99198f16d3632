// internal/common/database/redis.go
package database

import (
	"context"
	"fmt"
	"time"

	"entitlement-delivery/internal/common/config"

	"github.com/redis/go-redis/v9"
)

// RedisClient is the shared connection behind the rate limiters and the
// principal cache. Limiter scripts are short, so command timeouts stay tight.
type RedisClient struct {
	*redis.Client
	addr string
}

func NewRedis(cfg config.RedisConfig) (*RedisClient, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("redis address is empty")
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:                  cfg.Address,
		Password:              cfg.Password,
		DB:                    cfg.DB,
		PoolSize:              cfg.PoolSize,
		MinIdleConns:          cfg.PoolSize / 4,
		DialTimeout:           5 * time.Second,
		ReadTimeout:           500 * time.Millisecond,
		WriteTimeout:          500 * time.Millisecond,
		ContextTimeoutEnabled: true,
	})
	return &RedisClient{Client: rdb, addr: cfg.Address}, nil
}

// Ping is the readiness probe for Redis.
func (c *RedisClient) Ping(ctx context.Context) error {
	if err := c.Client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis %s: %w", c.addr, err)
	}
	return nil
}

// GetClient returns the underlying *redis.Client
func (c *RedisClient) GetClient() *redis.Client {
	return c.Client
}
