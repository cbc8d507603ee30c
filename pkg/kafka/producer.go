package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/Adithya-Monish-Kumar-K/payload-text-index/pkg/config"
)

// Event is the unit of data published to Kafka. Key is used for partition
// hashing and Value is JSON-serialised.
type Event struct {
	Key   string
	Value any
}

// Writer is the subset of *kafka.Writer the producer uses.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer publishes JSON-encoded events to a Kafka topic.
type Producer struct {
	writer Writer
	logger *slog.Logger
}

// NewProducer creates a Producer for cfg.PayloadTopic. Events with the same
// key land on the same partition, so writes to one point stay ordered.
func NewProducer(cfg config.KafkaConfig) *Producer {
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.PayloadTopic,
		Balancer:     &kafka.Hash{},
		BatchSize:    100,
		BatchTimeout: 10 * time.Millisecond,
		MaxAttempts:  3,
		RequiredAcks: kafka.RequireAll,
	}
	return NewProducerWithWriter(w, cfg.PayloadTopic)
}

// NewProducerWithWriter wraps an existing writer.
func NewProducerWithWriter(w Writer, topic string) *Producer {
	return &Producer{
		writer: w,
		logger: slog.Default().With("component", "kafka-producer", "topic", topic),
	}
}

func encode(event Event) (kafka.Message, error) {
	value, err := json.Marshal(event.Value)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("encoding event %q: %w", event.Key, err)
	}
	return kafka.Message{
		Key:     []byte(event.Key),
		Value:   value,
		Headers: []kafka.Header{{Key: "content-type", Value: []byte("application/json")}},
	}, nil
}

// Publish writes one event and waits for the brokers to acknowledge it.
func (p *Producer) Publish(ctx context.Context, event Event) error {
	return p.PublishBatch(ctx, []Event{event})
}

// PublishBatch encodes every event before writing any, then writes them in
// one call. Nothing is written when an event fails to encode.
func (p *Producer) PublishBatch(ctx context.Context, events []Event) error {
	if len(events) == 0 {
		return nil
	}
	msgs := make([]kafka.Message, len(events))
	for i, event := range events {
		msg, err := encode(event)
		if err != nil {
			return err
		}
		msgs[i] = msg
	}
	if err := p.writer.WriteMessages(ctx, msgs...); err != nil {
		p.logger.Error("publishing failed", "count", len(msgs), "error", err)
		return fmt.Errorf("publishing %d events: %w", len(msgs), err)
	}
	p.logger.Debug("events published", "count", len(msgs))
	return nil
}

// Close flushes pending writes and closes the underlying Kafka writer.
func (p *Producer) Close() error {
	return p.writer.Close()
}
