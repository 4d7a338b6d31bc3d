package broker

import (
	"context"

	"github.com/streadway/amqp"
)

// MessageBroker defines the operations to publish and consume order events.
type MessageBroker interface {
	// Publish sends the message body on the configured routing key, marked
	// persistent. Success means accepted for delivery, not processed.
	Publish(ctx context.Context, body []byte) error
	// Consume registers a manual-ack consumer on the bound queue and returns
	// its delivery channel. The channel closes on any transport failure.
	Consume(ctx context.Context) (<-chan amqp.Delivery, error)
	// Close cleans up any resources (connections).
	Close() error
}
