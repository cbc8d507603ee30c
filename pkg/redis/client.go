// Package redis wraps go-redis/v9 with the hash operations the payload store
// is built on and the string operations of the query cache.
package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Adithya-Monish-Kumar-K/payload-text-index/pkg/config"
)

// scanBatch is the COUNT hint for SCAN and the number of keys unlinked per
// round trip.
const scanBatch = 256

type Client struct {
	rdb *redis.Client
}

// NewClient connects to cfg.Addr and fails unless a PING answers within five
// seconds or before ctx ends.
func NewClient(ctx context.Context, cfg config.RedisConfig) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})
	c := &Client{rdb: rdb}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := c.Ping(pingCtx); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("connecting to redis at %s: %w", cfg.Addr, err)
	}
	slog.Default().With("component", "redis").Info("connected", "addr", cfg.Addr, "db", cfg.DB)
	return c, nil
}

// missing turns redis.Nil into ok=false.
func missing(err error) (ok bool, _ error) {
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	return err == nil, err
}

// HGetAll returns the hash at key; a missing key is an empty map.
func (c *Client) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	return c.rdb.HGetAll(ctx, key).Result()
}

func (c *Client) HGet(ctx context.Context, key, field string) (string, bool, error) {
	v, err := c.rdb.HGet(ctx, key, field).Result()
	ok, err := missing(err)
	return v, ok, err
}

// HSet merges fields into the hash at key.
func (c *Client) HSet(ctx context.Context, key string, fields map[string]string) error {
	if len(fields) == 0 {
		return nil
	}
	return c.rdb.HSet(ctx, key, fields).Err()
}

func (c *Client) HDel(ctx context.Context, key string, fields ...string) error {
	return c.rdb.HDel(ctx, key, fields...).Err()
}

// ReplaceHash swaps the hash at key for fields in one MULTI/EXEC.
func (c *Client) ReplaceHash(ctx context.Context, key string, fields map[string]string) error {
	_, err := c.rdb.TxPipelined(ctx, func(tx redis.Pipeliner) error {
		tx.Del(ctx, key)
		if len(fields) > 0 {
			tx.HSet(ctx, key, fields)
		}
		return nil
	})
	return err
}

// TakeHash reads and deletes the hash at key in one MULTI/EXEC.
func (c *Client) TakeHash(ctx context.Context, key string) (map[string]string, error) {
	var all *redis.MapStringStringCmd
	if _, err := c.rdb.TxPipelined(ctx, func(tx redis.Pipeliner) error {
		all = tx.HGetAll(ctx, key)
		tx.Del(ctx, key)
		return nil
	}); err != nil {
		return nil, err
	}
	return all.Val(), nil
}

// Scan visits the keys matching the glob pattern. Keys written during the
// scan may or may not be visited.
func (c *Client) Scan(ctx context.Context, pattern string, fn func(key string) error) error {
	it := c.rdb.Scan(ctx, 0, pattern, scanBatch).Iterator()
	for it.Next(ctx) {
		if err := fn(it.Val()); err != nil {
			return err
		}
	}
	if err := it.Err(); err != nil {
		return fmt.Errorf("scanning %q: %w", pattern, err)
	}
	return nil
}

// DeleteMatching unlinks every key matching pattern in batches and returns
// how many were removed.
func (c *Client) DeleteMatching(ctx context.Context, pattern string) (int64, error) {
	var removed int64
	batch := make([]string, 0, scanBatch)
	unlink := func() error {
		if len(batch) == 0 {
			return nil
		}
		n, err := c.rdb.Unlink(ctx, batch...).Result()
		removed += n
		batch = batch[:0]
		return err
	}
	err := c.Scan(ctx, pattern, func(key string) error {
		batch = append(batch, key)
		if len(batch) == scanBatch {
			return unlink()
		}
		return nil
	})
	if err == nil {
		err = unlink()
	}
	return removed, err
}

// Get returns the string at key; ok is false when it does not exist.
func (c *Client) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := c.rdb.Get(ctx, key).Result()
	ok, err := missing(err)
	return v, ok, err
}

// Set stores value at key; a zero ttl never expires.
func (c *Client) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return c.rdb.Set(ctx, key, value, ttl).Err()
}

func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

func (c *Client) Close() error {
	return c.rdb.Close()
}
