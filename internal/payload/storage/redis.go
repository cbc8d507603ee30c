package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/Adithya-Monish-Kumar-K/payload-text-index/pkg/redis"
)

// Redis stores each payload as a hash keyed by prefix+point, one field per
// top-level key holding the JSON-encoded value.
type Redis struct {
	client *redis.Client
	prefix string
	guard  guard
}

func NewRedis(client *redis.Client, prefix string) *Redis {
	return &Redis{client: client, prefix: prefix, guard: newGuard("redis", nil)}
}

func (r *Redis) key(point PointOffset) string {
	return r.prefix + strconv.FormatUint(uint64(point), 10)
}

func encodeFields(p Payload) (map[string]string, error) {
	fields := make(map[string]string, len(p))
	for k, v := range p {
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encoding payload key %q: %w", k, err)
		}
		fields[k] = string(raw)
	}
	return fields, nil
}

func decodeFields(point PointOffset, fields map[string]string) (Payload, error) {
	p := make(Payload, len(fields))
	for k, raw := range fields {
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			return nil, &decodeError{point: point, err: fmt.Errorf("key %q: %w", k, err)}
		}
		p[k] = v
	}
	return p, nil
}

func (r *Redis) Get(ctx context.Context, point PointOffset) (Payload, error) {
	var p Payload
	err := r.guard.do(ctx, "get", func(ctx context.Context) error {
		fields, err := r.client.HGetAll(ctx, r.key(point))
		if err != nil {
			return err
		}
		p, err = decodeFields(point, fields)
		return err
	})
	return p, err
}

func (r *Redis) Set(ctx context.Context, point PointOffset, p Payload) error {
	fields, err := encodeFields(p)
	if err != nil {
		return err
	}
	return r.guard.do(ctx, "set", func(ctx context.Context) error {
		return r.client.HSet(ctx, r.key(point), fields)
	})
}

func (r *Redis) Overwrite(ctx context.Context, point PointOffset, p Payload) error {
	fields, err := encodeFields(p)
	if err != nil {
		return err
	}
	return r.guard.do(ctx, "overwrite", func(ctx context.Context) error {
		return r.client.ReplaceHash(ctx, r.key(point), fields)
	})
}

func (r *Redis) Delete(ctx context.Context, point PointOffset, key string) (any, bool, error) {
	var (
		old   any
		found bool
	)
	err := r.guard.do(ctx, "delete", func(ctx context.Context) error {
		raw, ok, err := r.client.HGet(ctx, r.key(point), key)
		if err != nil || !ok {
			return err
		}
		if err := json.Unmarshal([]byte(raw), &old); err != nil {
			return &decodeError{point: point, err: err}
		}
		found = true
		return r.client.HDel(ctx, r.key(point), key)
	})
	return old, found, err
}

func (r *Redis) Clear(ctx context.Context, point PointOffset) (Payload, error) {
	var old Payload
	err := r.guard.do(ctx, "clear", func(ctx context.Context) error {
		fields, err := r.client.TakeHash(ctx, r.key(point))
		if err != nil {
			return err
		}
		old, err = decodeFields(point, fields)
		return err
	})
	return old, err
}

// Iter collects matching keys first, so payloads written during iteration may
// be missed.
func (r *Redis) Iter(ctx context.Context, fn func(PointOffset, Payload) error) error {
	var points []PointOffset
	err := r.guard.do(ctx, "scan", func(ctx context.Context) error {
		points = points[:0]
		return r.client.Scan(ctx, r.prefix+"*", func(key string) error {
			id, err := strconv.ParseUint(strings.TrimPrefix(key, r.prefix), 10, 32)
			if err != nil {
				return nil
			}
			points = append(points, PointOffset(id))
			return nil
		})
	})
	if err != nil {
		return err
	}
	slices.Sort(points)
	for _, point := range points {
		p, err := r.Get(ctx, point)
		if err != nil {
			return err
		}
		if len(p) == 0 {
			continue
		}
		if err := fn(point, p); err != nil {
			if errors.Is(err, ErrStop) {
				return nil
			}
			return err
		}
	}
	return nil
}

// Flusher is a no-op: writes are durable once Redis acknowledges them.
func (r *Redis) Flusher() func() error {
	return func() error { return nil }
}

func (r *Redis) Files() []string { return nil }

func (r *Redis) Close() error { return r.client.Close() }
