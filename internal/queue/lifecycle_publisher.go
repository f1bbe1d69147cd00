package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

// LifecyclePublisher publishes terminal call-lifecycle events.
type LifecyclePublisher struct {
	writer *kafka.Writer
}

// NewLifecyclePublisher constructs a publisher for the given topic.
func NewLifecyclePublisher(k *Kafka, topic string) *LifecyclePublisher {
	return &LifecyclePublisher{writer: k.NewWriter(topic)}
}

// PublishLifecycle emits a lifecycle message keyed by the external call id so
// events for one call stay ordered.
func (p *LifecyclePublisher) PublishLifecycle(ctx context.Context, msg LifecycleMessage) error {
	value, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("lifecycle publisher: marshal message: %w", err)
	}
	record := kafka.Message{
		Key:   []byte(msg.ExternalID),
		Value: value,
		Time:  time.Now().UTC(),
	}
	if err := p.writer.WriteMessages(ctx, record); err != nil {
		return fmt.Errorf("lifecycle publisher: write message: %w", err)
	}
	return nil
}

// Close closes the publisher.
func (p *LifecyclePublisher) Close() error {
	return p.writer.Close()
}
