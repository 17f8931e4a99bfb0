// Package redis holds the state shared between replicas: webhook event
// deduplication and sliding-window call budgets.
package redis

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type Config struct {
	Host     string
	Port     int
	Password string
	DB       int

	// PoolSize defaults to 10. Each worker makes at most one limiter call
	// at a time.
	PoolSize int
}

// Client is the shared connection used by the deduper and the limiters.
type Client struct {
	rdb    *redis.Client
	logger *zap.Logger
}

// New connects and pings. The caller treats an error as "run without Redis".
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*Client, error) {
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 10
	}
	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))

	rdb := redis.NewClient(&redis.Options{
		Addr:       addr,
		ClientName: "ocg-syncd",
		Password:   cfg.Password,
		DB:         cfg.DB,
		PoolSize:   cfg.PoolSize,
		// Callers fail open, so fail fast.
		DialTimeout:  2 * time.Second,
		ReadTimeout:  500 * time.Millisecond,
		WriteTimeout: 500 * time.Millisecond,
		PoolTimeout:  time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}

	logger.Info("redis connected",
		zap.String("addr", addr),
		zap.Int("db", cfg.DB),
		zap.Int("pool_size", cfg.PoolSize),
	)

	return &Client{rdb: rdb, logger: logger}, nil
}

func (c *Client) Close() error {
	return c.rdb.Close()
}

// Health pings Redis.
func (c *Client) Health(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}
