// Package kafka carries payload update events over Kafka using
// segmentio/kafka-go. The producer publishes JSON events keyed by point; the
// consumer applies them in order through a MessageHandler.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/Adithya-Monish-Kumar-K/payload-text-index/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/payload-text-index/pkg/resilience"
)

// MessageHandler processes one message. A nil return commits it; an error
// makes the consumer retry the same message.
type MessageHandler func(ctx context.Context, key []byte, value []byte) error

// Reader is the subset of *kafka.Reader the consumer uses.
type Reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Consumer feeds the messages of one topic to a MessageHandler in offset
// order. A message is committed once its handler succeeds; a failing
// handler is retried with backoff and holds back the rest of the partition.
type Consumer struct {
	reader  Reader
	handler MessageHandler
	retry   resilience.Backoff
	logger  *slog.Logger
}

// NewConsumer creates a Consumer for cfg.PayloadTopic. A new consumer group
// starts from the oldest retained message so a fresh index sees every write.
func NewConsumer(cfg config.KafkaConfig, handler MessageHandler) *Consumer {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     cfg.Brokers,
		Topic:       cfg.PayloadTopic,
		GroupID:     cfg.ConsumerGroup,
		MinBytes:    1e3,
		MaxBytes:    10e6,
		StartOffset: kafka.FirstOffset,
	})
	return NewConsumerWithReader(r, cfg.PayloadTopic, handler)
}

// NewConsumerWithReader wraps an existing reader.
func NewConsumerWithReader(r Reader, topic string, handler MessageHandler) *Consumer {
	return &Consumer{
		reader:  r,
		handler: handler,
		retry:   resilience.Backoff{Initial: 500 * time.Millisecond, Max: 30 * time.Second, Jitter: 0.2},
		logger:  slog.Default().With("component", "kafka-consumer", "topic", topic),
	}
}

// Start consumes until ctx is cancelled, then closes the reader.
func (c *Consumer) Start(ctx context.Context) error {
	c.logger.Info("consumer started")
	defer c.logger.Info("consumer stopped")
	for fetchFailures := 0; ; {
		msg, err := c.reader.FetchMessage(ctx)
		if ctx.Err() != nil {
			return c.reader.Close()
		}
		if err != nil {
			fetchFailures++
			c.logger.Error("fetching message failed", "attempt", fetchFailures, "error", err)
			if !c.sleep(ctx, fetchFailures) {
				return c.reader.Close()
			}
			continue
		}
		fetchFailures = 0
		if !c.process(ctx, msg) {
			return c.reader.Close()
		}
	}
}

// process hands msg to the handler until it succeeds and commits it. It
// reports false when ctx ended first.
func (c *Consumer) process(ctx context.Context, msg kafka.Message) bool {
	log := c.logger.With("partition", msg.Partition, "offset", msg.Offset)
	log.Debug("message received", "key", string(msg.Key), "value_size", len(msg.Value))
	for attempt := 1; ; attempt++ {
		err := c.handler(ctx, msg.Key, msg.Value)
		if err == nil {
			break
		}
		log.Error("handling message failed", "attempt", attempt, "error", err)
		if !c.sleep(ctx, attempt) {
			return false
		}
	}
	if err := c.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
		log.Error("committing message failed", "error", err)
	}
	return ctx.Err() == nil
}

func (c *Consumer) sleep(ctx context.Context, attempt int) bool {
	t := time.NewTimer(c.retry.Delay(attempt))
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// Close closes the underlying Kafka reader.
func (c *Consumer) Close() error {
	return c.reader.Close()
}

// DecodeJSON is a generic helper that unmarshals a Kafka message value into T.
func DecodeJSON[T any](value []byte) (T, error) {
	var result T
	if err := json.Unmarshal(value, &result); err != nil {
		return result, fmt.Errorf("decoding kafka message: %w", err)
	}
	return result, nil
}
