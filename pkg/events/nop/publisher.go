package nop

import (
	"context"

	"github.com/convohubhq/convohub/pkg/events"
)

// Publisher is a no-op events publisher used for tests and disabled mode.
type Publisher struct{}

// NewPublisher creates a new no-op events publisher.
func NewPublisher() *Publisher {
	return &Publisher{}
}

// Publish validates input and otherwise does nothing.
func (p *Publisher) Publish(_ context.Context, event *events.Event) error {
	if event == nil {
		return events.ErrNilEvent
	}
	return nil
}

// Close is a no-op.
func (p *Publisher) Close() error {
	return nil
}
