// Package kafka publishes completion events to a Kafka topic.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/convohubhq/convohub/pkg/events"
)

// Publisher writes events to a Kafka topic, keyed by thread id so all events
// of one thread land on one partition in order.
type Publisher struct {
	writer *kafkago.Writer
}

// NewPublisher creates a Kafka publisher for the given brokers and topic.
func NewPublisher(brokers []string, topic string) *Publisher {
	return &Publisher{
		writer: &kafkago.Writer{
			Addr:         kafkago.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafkago.LeastBytes{},
			RequiredAcks: kafkago.RequireOne,
		},
	}
}

// Publish serializes the event as JSON and writes it to the topic.
func (p *Publisher) Publish(ctx context.Context, event *events.Event) error {
	if event == nil {
		return events.ErrNilEvent
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event %s: %w", event.EventID, err)
	}
	if err := p.writer.WriteMessages(ctx, kafkago.Message{
		Key:   []byte(event.ThreadID),
		Value: payload,
	}); err != nil {
		return fmt.Errorf("write event %s: %w", event.EventID, err)
	}
	return nil
}

// Close flushes and closes the underlying writer.
func (p *Publisher) Close() error {
	return p.writer.Close()
}

var _ events.Publisher = (*Publisher)(nil)
