// Package consumer applies payload update events read from Kafka to a payload
// index and flushes the index periodically.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/Adithya-Monish-Kumar-K/payload-text-index/internal/payload"
	apperrors "github.com/Adithya-Monish-Kumar-K/payload-text-index/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/payload-text-index/pkg/hwcounter"
	"github.com/Adithya-Monish-Kumar-K/payload-text-index/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/payload-text-index/pkg/metrics"
)

const (
	OpSet       = "set"
	OpOverwrite = "overwrite"
	OpDelete    = "delete"
	OpClear     = "clear"
	OpRemove    = "remove"
)

// Event is one payload write. Key is required by delete and optional for
// set, where it names the nested object to merge into.
type Event struct {
	Op      string          `json:"op"`
	PointID *uint32         `json:"point_id"`
	Key     string          `json:"key,omitempty"`
	Payload payload.Payload `json:"payload,omitempty"`
}

func (e Event) validate() error {
	if e.PointID == nil {
		return fmt.Errorf("%w: event without point_id", apperrors.ErrInvalidInput)
	}
	switch e.Op {
	case OpSet, OpOverwrite:
		if e.Payload == nil {
			return fmt.Errorf("%w: %s event without payload", apperrors.ErrInvalidInput, e.Op)
		}
	case OpDelete:
		if e.Key == "" {
			return fmt.Errorf("%w: delete event without key", apperrors.ErrInvalidInput)
		}
	case OpClear, OpRemove:
	default:
		return fmt.Errorf("%w: unknown op %q", apperrors.ErrInvalidInput, e.Op)
	}
	return nil
}

// Target is the part of *payload.Index the consumer writes through.
type Target interface {
	SetPayload(ctx context.Context, point payload.PointOffset, pl payload.Payload, key string, hw *hwcounter.Cell) error
	OverwritePayload(ctx context.Context, point payload.PointOffset, pl payload.Payload, hw *hwcounter.Cell) error
	DeletePayload(ctx context.Context, point payload.PointOffset, key string, hw *hwcounter.Cell) ([]any, error)
	ClearPayload(ctx context.Context, point payload.PointOffset, hw *hwcounter.Cell) (payload.Payload, error)
	RemovePoint(ctx context.Context, point payload.PointOffset, hw *hwcounter.Cell) error
}

// Apply performs a single event against idx.
func Apply(ctx context.Context, idx Target, e Event) error {
	if err := e.validate(); err != nil {
		return err
	}
	point := payload.PointOffset(*e.PointID)
	hw := hwcounter.Disposable()
	switch e.Op {
	case OpSet:
		return idx.SetPayload(ctx, point, e.Payload, e.Key, hw)
	case OpOverwrite:
		return idx.OverwritePayload(ctx, point, e.Payload, hw)
	case OpDelete:
		_, err := idx.DeletePayload(ctx, point, e.Key, hw)
		return err
	case OpClear:
		_, err := idx.ClearPayload(ctx, point, hw)
		return err
	default:
		return idx.RemovePoint(ctx, point, hw)
	}
}

// skippable reports errors a retry can never fix. The event is committed so
// it does not block the partition.
func skippable(err error) bool {
	return errors.Is(err, apperrors.ErrInvalidInput) || errors.Is(err, apperrors.ErrPayloadType)
}

// HandleMessage returns a Kafka MessageHandler that decodes payload events
// and applies them to idx. Malformed and rejected events are logged and
// skipped; other failures are returned so the consumer retries the event.
func HandleMessage(idx Target) kafka.MessageHandler {
	logger := slog.Default().With("component", "payload-consumer")
	m := metrics.Default()
	return func(ctx context.Context, key []byte, value []byte) error {
		event, err := kafka.DecodeJSON[Event](value)
		if err != nil {
			logger.Error("failed to decode payload event",
				"error", err,
				"key", string(key),
			)
			m.ConsumerEventsTotal.WithLabelValues("unknown", "malformed").Inc()
			return nil
		}
		err = Apply(ctx, idx, event)
		switch {
		case err == nil:
			m.ConsumerEventsTotal.WithLabelValues(event.Op, "ok").Inc()
			logger.Debug("payload event applied", "op", event.Op, "point", *event.PointID)
			return nil
		case skippable(err):
			m.ConsumerEventsTotal.WithLabelValues(event.Op, "skipped").Inc()
			logger.Warn("skipping payload event",
				"op", event.Op,
				"key", string(key),
				"error", err,
			)
			return nil
		default:
			m.ConsumerEventsTotal.WithLabelValues(event.Op, "error").Inc()
			return fmt.Errorf("applying %s event: %w", event.Op, err)
		}
	}
}

// Flushable is anything with a payload-index style flusher.
type Flushable interface {
	Flusher() func() error
}

// PayloadConsumer drives a Kafka consumer and flushes the index on a timer
// and once more on shutdown.
type PayloadConsumer struct {
	consumer *kafka.Consumer
	index    Flushable
	interval time.Duration
	logger   *slog.Logger
}

// New creates a PayloadConsumer. A non-positive interval flushes only on
// shutdown. With a nil consumer Run only flushes.
func New(c *kafka.Consumer, index Flushable, interval time.Duration) *PayloadConsumer {
	return &PayloadConsumer{
		consumer: c,
		index:    index,
		interval: interval,
		logger:   slog.Default().With("component", "payload-consumer"),
	}
}

// Run blocks until ctx is cancelled or the consumer fails.
func (pc *PayloadConsumer) Run(ctx context.Context) error {
	pc.logger.Info("payload consumer starting", "flush_interval", pc.interval)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if pc.consumer == nil {
			<-gctx.Done()
			return nil
		}
		return pc.consumer.Start(gctx)
	})
	if pc.interval > 0 {
		g.Go(func() error {
			ticker := time.NewTicker(pc.interval)
			defer ticker.Stop()
			for {
				select {
				case <-gctx.Done():
					return nil
				case <-ticker.C:
					if err := pc.flush(); err != nil {
						pc.logger.Error("periodic flush failed", "error", err)
					}
				}
			}
		})
	}
	return multierr.Append(g.Wait(), pc.flush())
}

func (pc *PayloadConsumer) flush() error {
	start := time.Now()
	err := pc.index.Flusher()()
	metrics.Default().IndexFlushesTotal.WithLabelValues(metrics.Status(err)).Inc()
	if err != nil {
		return fmt.Errorf("flushing payload index: %w", err)
	}
	pc.logger.Debug("payload index flushed", "duration", time.Since(start))
	return nil
}
