// Package storage keeps the payload of every point. The payload index reads
// it to build field indexes and to evaluate conditions no index covers.
package storage

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"path/filepath"
	"time"

	"github.com/Adithya-Monish-Kumar-K/payload-text-index/internal/textindex/posting"
	"github.com/Adithya-Monish-Kumar-K/payload-text-index/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/payload-text-index/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/payload-text-index/pkg/postgres"
	"github.com/Adithya-Monish-Kumar-K/payload-text-index/pkg/redis"
	"github.com/Adithya-Monish-Kumar-K/payload-text-index/pkg/resilience"
)

type PointOffset = posting.PointOffset

// Payload is a point's JSON object.
type Payload = map[string]any

// ErrStop ends an Iter early without error.
var ErrStop = errors.New("stop iteration")

// Storage persists payloads by point offset. A point without payload reads as
// an empty, non-nil Payload. Returned payloads are copies the caller may
// modify.
type Storage interface {
	Get(ctx context.Context, point PointOffset) (Payload, error)
	// Set merges the top-level keys of p into the stored payload.
	Set(ctx context.Context, point PointOffset, p Payload) error
	// Overwrite replaces the stored payload with p.
	Overwrite(ctx context.Context, point PointOffset, p Payload) error
	// Delete removes a top-level key and returns its previous value.
	Delete(ctx context.Context, point PointOffset, key string) (any, bool, error)
	// Clear removes the whole payload and returns it.
	Clear(ctx context.Context, point PointOffset) (Payload, error)
	// Iter visits every stored payload in ascending point order until fn
	// returns an error; ErrStop ends iteration cleanly.
	Iter(ctx context.Context, fn func(point PointOffset, p Payload) error) error
	Flusher() func() error
	Files() []string
	Close() error
}

// Open builds the backend selected by cfg.Storage.Backend. The memory backend
// persists into dir.
func Open(ctx context.Context, cfg *config.Config, dir string) (Storage, error) {
	switch cfg.Storage.Backend {
	case "", "memory":
		return NewMemory(filepath.Join(dir, MemoryFileName))
	case "redis":
		client, err := redis.NewClient(ctx, cfg.Redis)
		if err != nil {
			return nil, err
		}
		return NewRedis(client, cfg.Redis.KeyPrefix), nil
	case "postgres":
		client, err := postgres.New(ctx, cfg.Postgres)
		if err != nil {
			return nil, err
		}
		s := NewPostgres(client)
		if err := s.EnsureTable(ctx); err != nil {
			client.Close()
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
}

func merge(dst, src Payload) Payload {
	if dst == nil {
		dst = make(Payload, len(src))
	}
	maps.Copy(dst, src)
	return dst
}

// guard runs remote store calls through a circuit breaker with retries and
// per-attempt timeouts, and counts them.
type guard struct {
	backend string
	policy  resilience.Policy
	metrics *metrics.Metrics
}

// newGuard builds the guard of backend. transient, when set, further limits
// which errors are retried.
func newGuard(backend string, transient func(error) bool) guard {
	m := metrics.Default()
	return guard{
		backend: backend,
		policy: resilience.Policy{
			Name: backend,
			Breaker: resilience.NewBreaker(backend, resilience.BreakerConfig{
				OnTransition: func(name string, to resilience.State) {
					m.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
				},
			}),
			Attempts:  3,
			Backoff:   resilience.Backoff{Initial: 50 * time.Millisecond, Max: time.Second, Jitter: 0.1},
			Timeout:   5 * time.Second,
			Retryable: func(err error) bool {
				return retryable(err) && (transient == nil || transient(err))
			},
		},
		metrics: m,
	}
}

// retryable keeps decode failures, early stops and caller cancellations from
// being retried.
func retryable(err error) bool {
	var decodeErr *decodeError
	return !errors.As(err, &decodeErr) && !errors.Is(err, context.Canceled) && !errors.Is(err, ErrStop)
}

func (g guard) do(ctx context.Context, op string, fn func(context.Context) error) error {
	p := g.policy
	p.Name = g.backend + "." + op
	err := p.Do(ctx, fn)
	g.metrics.StorageOpsTotal.WithLabelValues(g.backend, op, metrics.Status(err)).Inc()
	return err
}

// decodeError marks stored data that cannot be parsed.
type decodeError struct {
	point PointOffset
	err   error
}

func (e *decodeError) Error() string {
	return fmt.Sprintf("decoding payload of point %d: %v", e.point, e.err)
}

func (e *decodeError) Unwrap() error { return e.err }
