package consumer

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"github.com/streadway/amqp"

	"github.com/bookhaven/fulfillment/pkg/broker"
	"github.com/bookhaven/fulfillment/pkg/metrics"
	"github.com/bookhaven/fulfillment/pkg/saga"
)

// Handler processes one message body. Its outcome feeds logs and metrics
// only; it never influences acknowledgment.
type Handler interface {
	Execute(ctx context.Context, body []byte) saga.Outcome
}

// Loop pulls order events one at a time and keeps itself alive through
// broker failures. It has no terminal state other than context
// cancellation: any transport failure tears the connection down, waits one
// backoff interval and starts over.
type Loop struct {
	broker  broker.MessageBroker
	handler Handler
	backoff backoff.BackOff
	logger  zerolog.Logger
	metrics *metrics.Metrics
}

func NewLoop(b broker.MessageBroker, handler Handler, bo backoff.BackOff, m *metrics.Metrics, logger zerolog.Logger) *Loop {
	return &Loop{
		broker:  b,
		handler: handler,
		backoff: bo,
		logger:  logger.With().Str("component", "consumer").Logger(),
		metrics: m,
	}
}

// Run blocks until ctx is canceled, processing messages strictly
// sequentially. The prefetch limit of one means no second event is in
// flight while a handler runs.
func (l *Loop) Run(ctx context.Context) error {
	defer func() {
		if err := l.broker.Close(); err != nil {
			l.logger.Debug().Err(err).Msg("broker close on shutdown")
		}
	}()

	for {
		err := l.receive(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		wait := l.backoff.NextBackOff()
		if l.metrics != nil {
			l.metrics.Reconnects.Inc()
		}
		l.logger.Warn().Err(err).Dur("backoff", wait).Msg("consume interrupted, reconnecting")

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// receive registers a consumer and drains deliveries until the transport
// fails or ctx is canceled.
func (l *Loop) receive(ctx context.Context) error {
	deliveries, err := l.broker.Consume(ctx)
	if err != nil {
		return err
	}
	l.backoff.Reset()
	l.logger.Info().Msg("waiting for messages")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				// a closed delivery channel means the broker or the network
				// gave up on us; drop the connection and start over
				if err := l.broker.Close(); err != nil {
					l.logger.Debug().Err(err).Msg("broker close after delivery loss")
				}
				return errors.New("delivery channel closed")
			}
			l.dispatch(ctx, d)
		}
	}
}

// dispatch hands the body to the handler and acknowledges the delivery after
// the handler returns, regardless of the outcome. Once dispatched, a message
// is only ever redelivered because of connection loss before this ack.
func (l *Loop) dispatch(ctx context.Context, d amqp.Delivery) {
	if l.metrics != nil {
		l.metrics.Consumed.Inc()
	}

	defer func() {
		if r := recover(); r != nil {
			l.logger.Error().Interface("panic", r).Uint64("delivery_tag", d.DeliveryTag).Msg("handler panicked")
		}
		if err := d.Ack(false); err != nil {
			l.logger.Error().Err(err).Uint64("delivery_tag", d.DeliveryTag).Msg("ack failed")
		}
	}()

	outcome := l.handler.Execute(ctx, d.Body)
	if d.Redelivered {
		l.logger.Info().Int64("order", outcome.OrderID).Bool("duplicate", outcome.Duplicate).Msg("redelivered message handled")
	}
}
