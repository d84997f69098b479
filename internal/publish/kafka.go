// Package publish implements the event-publishing abstraction: a
// topic-structured broker transport for production and an in-process
// emitter fallback for local and test runs.
package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
)

// Envelope wraps every published payload with its routing metadata.
type Envelope struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	OccurredAt time.Time `json:"occurredAt"`
	Payload    any       `json:"payload"`
}

// KafkaPublisher writes canonical events to the broker. The routing key
// (topic) equals the canonical event name and writes are durable: the
// writer waits for acknowledgement from all in-sync replicas.
type KafkaPublisher struct {
	writer *kafka.Writer
	logger *slog.Logger
}

// NewKafkaPublisher builds a publisher over the given broker addresses.
func NewKafkaPublisher(brokers []string, clientID string, logger *slog.Logger) *KafkaPublisher {
	transport := &kafka.Transport{ClientID: clientID}
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: 20 * time.Millisecond,
		Transport:    transport,
	}
	return &KafkaPublisher{writer: writer, logger: logger}
}

func (p *KafkaPublisher) Publish(ctx context.Context, eventName string, payload any) error {
	env := Envelope{
		ID:         uuid.New().String(),
		Name:       eventName,
		OccurredAt: time.Now().UTC(),
		Payload:    payload,
	}
	value, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal event %s: %w", eventName, err)
	}

	msg := kafka.Message{
		Topic: eventName,
		Key:   []byte(env.ID),
		Value: value,
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publish %s: %w", eventName, err)
	}

	p.logger.Debug("event published", "event", eventName, "id", env.ID)
	return nil
}

func (p *KafkaPublisher) Close() error { return p.writer.Close() }
