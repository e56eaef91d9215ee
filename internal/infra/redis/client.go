// Package redis wraps the deposit de-duplication markers kept in Redis.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Config holds Redis connection configuration.
type Config struct {
	URL      string `yaml:"url"`
	Password string `yaml:"password"`
}

// Client wraps Redis operations for deposit processing.
type Client struct {
	rdb *redis.Client
}

// NewClient creates a new Redis client and verifies connectivity.
func NewClient(cfg Config) (*Client, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}

	rdb := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &Client{rdb: rdb}, nil
}

// Close closes the Redis connection.
func (c *Client) Close() error {
	return c.rdb.Close()
}

func seenKey(dedupeKey string) string {
	return "paycore:deposit:seen:" + dedupeKey
}

// markerTTL bounds marker growth; the ledger idempotency key remains the
// authoritative de-duplication mechanism.
const markerTTL = 7 * 24 * time.Hour

// MarkSeen records a deposit marker. Returns true when the marker was
// newly set, false when the deposit was seen before.
func (c *Client) MarkSeen(ctx context.Context, dedupeKey string) (bool, error) {
	ok, err := c.rdb.SetNX(ctx, seenKey(dedupeKey), time.Now().Unix(), markerTTL).Result()
	if err != nil {
		return false, fmt.Errorf("setnx failed: %w", err)
	}
	return ok, nil
}

// Seen reports whether a deposit marker exists.
func (c *Client) Seen(ctx context.Context, dedupeKey string) (bool, error) {
	n, err := c.rdb.Exists(ctx, seenKey(dedupeKey)).Result()
	if err != nil {
		return false, fmt.Errorf("exists failed: %w", err)
	}
	return n > 0, nil
}
