package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/sync/singleflight"

	"github.com/Adithya-Monish-Kumar-K/payload-text-index/pkg/metrics"
)

// KV is the key-value store behind the query cache. *redis.Client
// satisfies it.
type KV interface {
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// QueryCache memoizes encoded query responses. Keys include the index
// generation, so any write makes older entries unreachable and they age out
// by TTL. Concurrent misses on one key compute once.
type QueryCache struct {
	kv      KV
	prefix  string
	ttl     time.Duration
	group   singleflight.Group
	metrics *metrics.Metrics
	logger  *slog.Logger
	hits    atomic.Int64
	misses  atomic.Int64
}

func NewQueryCache(kv KV, prefix string, ttl time.Duration) *QueryCache {
	return &QueryCache{
		kv:      kv,
		prefix:  prefix + "query:",
		ttl:     ttl,
		metrics: metrics.Default(),
		logger:  slog.Default().With("component", "query-cache"),
	}
}

// Key identifies the response of kind for filter at generation gen.
// Whitespace differences in filter do not change the key.
func (c *QueryCache) Key(kind string, filter []byte, gen uint64) string {
	var buf bytes.Buffer
	if err := json.Compact(&buf, filter); err != nil {
		buf.Reset()
		buf.Write(filter)
	}
	buf.WriteByte(0)
	buf.WriteString(kind)
	return c.prefix + strconv.FormatUint(gen, 10) + ":" + strconv.FormatUint(xxhash.Sum64(buf.Bytes()), 16)
}

// GetOrCompute returns the cached value of key, or computes, stores and
// returns it. A failing cache is bypassed.
func (c *QueryCache) GetOrCompute(ctx context.Context, key string, compute func() ([]byte, error)) ([]byte, bool, error) {
	if data, ok := c.get(ctx, key); ok {
		return data, true, nil
	}
	v, err, _ := c.group.Do(key, func() (any, error) {
		data, err := compute()
		if err != nil {
			return nil, err
		}
		if err := c.kv.Set(ctx, key, data, c.ttl); err != nil {
			c.logger.Warn("cache set failed", "key", key, "error", err)
		}
		return data, nil
	})
	if err != nil {
		return nil, false, err
	}
	return v.([]byte), false, nil
}

func (c *QueryCache) get(ctx context.Context, key string) ([]byte, bool) {
	data, ok, err := c.kv.Get(ctx, key)
	switch {
	case err != nil:
		c.logger.Warn("cache get failed", "key", key, "error", err)
		c.metrics.QueryCacheTotal.WithLabelValues("error").Inc()
		c.misses.Add(1)
		return nil, false
	case !ok:
		c.metrics.QueryCacheTotal.WithLabelValues("miss").Inc()
		c.misses.Add(1)
		return nil, false
	}
	c.metrics.QueryCacheTotal.WithLabelValues("hit").Inc()
	c.hits.Add(1)
	return []byte(data), true
}

// CacheStats counts lookups since start.
type CacheStats struct {
	Hits    int64  `json:"hits"`
	Misses  int64  `json:"misses"`
	HitRate string `json:"hit_rate"`
}

func (c *QueryCache) Stats() CacheStats {
	s := CacheStats{Hits: c.hits.Load(), Misses: c.misses.Load()}
	var rate float64
	if total := s.Hits + s.Misses; total > 0 {
		rate = float64(s.Hits) / float64(total) * 100
	}
	s.HitRate = fmt.Sprintf("%.1f%%", rate)
	return s
}
