package history

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/servwatch/servwatch/pkg/types"
)

const kafkaWriteTimeout = 10 * time.Second

// messageWriter is the subset of *kafka.Writer used by Kafka.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Kafka publishes alert events as JSON to a topic, keyed by tenant so every
// event of a tenant lands on the same partition in order.
type Kafka struct {
	w     messageWriter
	topic string
}

// NewKafka creates a synchronous, leader-acked Kafka writer.
func NewKafka(brokers []string, topic string) *Kafka {
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		WriteTimeout: kafkaWriteTimeout,
		RequiredAcks: kafka.RequireOne,
	}
	slog.Info("history: kafka writer configured", "brokers", brokers, "topic", topic)
	return &Kafka{w: w, topic: topic}
}

func (k *Kafka) Name() string { return "kafka" }

// Record publishes ev.
func (k *Kafka) Record(ctx context.Context, ev types.AlertEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("history: marshal event %s: %w", ev.ID, err)
	}
	msg := kafka.Message{
		Key:   []byte(ev.TenantID),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "kind", Value: []byte(ev.Kind)},
			{Key: "event_id", Value: []byte(ev.ID)},
		},
		Time: time.UnixMilli(ev.AtMs),
	}
	if err := k.w.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("history: write to kafka topic %s: %w", k.topic, err)
	}
	return nil
}

// Close flushes and closes the underlying writer.
func (k *Kafka) Close() error {
	return k.w.Close()
}
