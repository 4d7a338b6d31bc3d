package broker

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/bookhaven/fulfillment/pkg/event"
)

// Publisher emits persisted order-created events. Publish success means the
// broker accepted the message for delivery, nothing more.
type Publisher struct {
	broker MessageBroker
	logger zerolog.Logger
}

func NewPublisher(b MessageBroker, logger zerolog.Logger) *Publisher {
	return &Publisher{
		broker: b,
		logger: logger.With().Str("component", "publisher").Logger(),
	}
}

// PublishOrderCreated serializes the event and hands it to the broker.
// Errors propagate unchanged so the caller can decide between retrying and
// failing the originating request.
func (p *Publisher) PublishOrderCreated(ctx context.Context, evt *event.OrderEvent) error {
	body, err := evt.Marshal()
	if err != nil {
		return err
	}
	if err := p.broker.Publish(ctx, body); err != nil {
		return err
	}
	p.logger.Info().Int64("order", evt.OrderID).Int64("book", evt.BookID).Int("quantity", evt.Quantity).Msg("order event published")
	return nil
}
