package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/streadway/amqp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	semconv "go.opentelemetry.io/otel/semconv/v1.10.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/bookhaven/fulfillment/pkg/config"
)

// ErrBrokerUnavailable marks transport-level failures during connect,
// channel-open or topology declaration. Callers recover by retrying; the
// condition never crashes the process.
var ErrBrokerUnavailable = errors.New("broker unavailable")

// amqpChannel is the subset of *amqp.Channel the broker uses.
type amqpChannel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Qos(prefetchCount, prefetchSize int, global bool) error
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	NotifyClose(c chan *amqp.Error) chan *amqp.Error
	Close() error
}

type amqpConnection interface {
	Channel() (amqpChannel, error)
	IsClosed() bool
	Close() error
}

type liveConnection struct {
	conn *amqp.Connection
}

func (c *liveConnection) Channel() (amqpChannel, error) { return c.conn.Channel() }
func (c *liveConnection) IsClosed() bool                { return c.conn.IsClosed() }
func (c *liveConnection) Close() error                  { return c.conn.Close() }

// dialAMQP is a package-level hook so tests can substitute the transport.
var dialAMQP = func(url string, cfg amqp.Config) (amqpConnection, error) {
	conn, err := amqp.DialConfig(url, cfg)
	if err != nil {
		return nil, err
	}
	return &liveConnection{conn: conn}, nil
}

// RabbitMQBroker owns one logical connection and channel to RabbitMQ,
// recreating both lazily after any detected failure. The connection/channel
// pair must not be shared across processes publishing or consuming
// concurrently; give each its own broker instance.
type RabbitMQBroker struct {
	settings config.BrokerSettings
	logger   zerolog.Logger
	tracer   trace.Tracer

	mu          sync.Mutex
	conn        amqpConnection
	channel     amqpChannel
	notifyClose chan *amqp.Error
}

func NewRabbitMQBroker(settings config.BrokerSettings, logger zerolog.Logger) *RabbitMQBroker {
	return &RabbitMQBroker{
		settings: settings,
		logger:   logger.With().Str("component", "broker").Logger(),
		tracer:   otel.Tracer("fulfillment"),
	}
}

// ensureReady re-establishes the connection and channel if either is absent
// or closed, then redeclares the topology. A fresh channel has no memory of
// prior declarations, so declarations run on every call; with identical
// parameters they are no-ops on the broker.
func (r *RabbitMQBroker) ensureReady() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ensureReadyLocked()
}

func (r *RabbitMQBroker) ensureReadyLocked() error {
	if r.conn == nil || r.conn.IsClosed() {
		r.logger.Info().Str("host", r.settings.Host).Int("port", r.settings.Port).Msg("connecting to RabbitMQ")
		conn, err := dialAMQP(r.settings.AMQPURL(), amqp.Config{
			Heartbeat: r.settings.Heartbeat,
			Dial:      amqp.DefaultDial(r.settings.ConnectTimeout),
		})
		if err != nil {
			return fmt.Errorf("%w: dial: %v", ErrBrokerUnavailable, err)
		}
		r.conn = conn
		r.channel = nil
	}

	if r.channel == nil || r.channelClosed() {
		ch, err := r.conn.Channel()
		if err != nil {
			return fmt.Errorf("%w: open channel: %v", ErrBrokerUnavailable, err)
		}
		r.channel = ch
		r.notifyClose = ch.NotifyClose(make(chan *amqp.Error, 1))
	}

	if err := r.declareTopology(); err != nil {
		return err
	}
	return nil
}

func (r *RabbitMQBroker) declareTopology() error {
	s := r.settings
	if err := r.channel.ExchangeDeclare(
		s.Exchange, // name of the exchange
		"direct",   // type of the exchange
		true,       // durable
		false,      // auto-deleted
		false,      // internal
		false,      // no-wait
		nil,        // arguments
	); err != nil {
		return fmt.Errorf("%w: declare exchange: %v", ErrBrokerUnavailable, err)
	}

	q, err := r.channel.QueueDeclare(
		s.Queue, // name of the queue
		true,    // durable
		false,   // auto-deleted
		false,   // exclusive
		false,   // no-wait
		nil,     // arguments
	)
	if err != nil {
		return fmt.Errorf("%w: declare queue: %v", ErrBrokerUnavailable, err)
	}

	if err := r.channel.QueueBind(q.Name, s.RoutingKey, s.Exchange, false, nil); err != nil {
		return fmt.Errorf("%w: bind queue: %v", ErrBrokerUnavailable, err)
	}
	return nil
}

// channelClosed reports whether the broker shut the current channel down.
// The notify channel is closed on shutdown, so a non-blocking receive fires
// exactly when the channel is gone.
func (r *RabbitMQBroker) channelClosed() bool {
	select {
	case err := <-r.notifyClose:
		if err != nil {
			r.logger.Warn().Err(err).Msg("channel closed by broker")
		}
		return true
	default:
		return false
	}
}

// Publish sends the body on the configured routing key with persistent
// delivery. Transport errors from the send propagate unchanged; the caller
// decides whether to retry or fail the originating request.
func (r *RabbitMQBroker) Publish(ctx context.Context, body []byte) error {
	_, span := r.tracer.Start(ctx, "Publish",
		trace.WithAttributes(
			semconv.MessagingSystemKey.String("rabbitmq"),
			semconv.MessagingDestinationKey.String(r.settings.Exchange),
			semconv.MessagingRabbitmqRoutingKeyKey.String(r.settings.RoutingKey),
		),
	)
	defer span.End()

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.ensureReadyLocked(); err != nil {
		span.RecordError(err)
		return err
	}

	err := r.channel.Publish(
		r.settings.Exchange, r.settings.RoutingKey, false, false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now(),
			Body:         body,
		},
	)
	if err != nil {
		span.RecordError(err)
		return err
	}

	span.SetAttributes(
		attribute.Int("messaging.message_payload_size_bytes", len(body)),
	)

	return nil
}

// Consume applies the prefetch limit and registers a manual-ack consumer on
// the bound queue. The returned channel closes when the transport fails; the
// caller is expected to Close the broker and call Consume again.
func (r *RabbitMQBroker) Consume(ctx context.Context) (<-chan amqp.Delivery, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.ensureReadyLocked(); err != nil {
		return nil, err
	}

	if err := r.channel.Qos(r.settings.PrefetchCount, 0, false); err != nil {
		return nil, fmt.Errorf("%w: set qos: %v", ErrBrokerUnavailable, err)
	}

	consumerTag := "fulfillment-" + uuid.NewString()
	deliveries, err := r.channel.Consume(
		r.settings.Queue, // queue
		consumerTag,      // consumer tag
		false,            // auto-ack off, acks are manual
		false,            // exclusive
		false,            // no-local
		false,            // no-wait
		nil,              // arguments
	)
	if err != nil {
		return nil, fmt.Errorf("%w: register consumer: %v", ErrBrokerUnavailable, err)
	}

	r.logger.Info().Str("queue", r.settings.Queue).Str("consumer", consumerTag).Msg("consumer registered")
	return deliveries, nil
}

// Close tears down the channel and connection. The next ensureReady call
// re-establishes both.
func (r *RabbitMQBroker) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.channel != nil {
		if err := r.channel.Close(); err != nil {
			r.logger.Debug().Err(err).Msg("channel close")
		}
		r.channel = nil
	}

	if r.conn != nil {
		conn := r.conn
		r.conn = nil
		if !conn.IsClosed() {
			return conn.Close()
		}
	}
	return nil
}
