package broker

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/streadway/amqp"
	"github.com/stretchr/testify/assert"

	"github.com/bookhaven/fulfillment/pkg/config"
)

// --- Fakes ---

type declaredExchange struct {
	name, kind string
	durable    bool
}

type fakeChannel struct {
	exchanges  []declaredExchange
	queues     []string
	binds      [][3]string // queue, key, exchange
	qosCalls   [][2]int    // prefetch count, global as 0/1
	published  []amqp.Publishing
	pubKeys    [][2]string // exchange, routing key
	consumeArg []string    // queue names
	autoAcks   []bool
	notify     chan *amqp.Error
	deliveries chan amqp.Delivery
	closed     bool

	publishErr error
	declareErr error
}

func (f *fakeChannel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	if f.declareErr != nil {
		return f.declareErr
	}
	f.exchanges = append(f.exchanges, declaredExchange{name: name, kind: kind, durable: durable})
	return nil
}

func (f *fakeChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	f.queues = append(f.queues, name)
	return amqp.Queue{Name: name}, nil
}

func (f *fakeChannel) QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error {
	f.binds = append(f.binds, [3]string{name, key, exchange})
	return nil
}

func (f *fakeChannel) Qos(prefetchCount, prefetchSize int, global bool) error {
	g := 0
	if global {
		g = 1
	}
	f.qosCalls = append(f.qosCalls, [2]int{prefetchCount, g})
	return nil
}

func (f *fakeChannel) Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	if f.publishErr != nil {
		return f.publishErr
	}
	f.published = append(f.published, msg)
	f.pubKeys = append(f.pubKeys, [2]string{exchange, key})
	return nil
}

func (f *fakeChannel) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	f.consumeArg = append(f.consumeArg, queue)
	f.autoAcks = append(f.autoAcks, autoAck)
	if f.deliveries == nil {
		f.deliveries = make(chan amqp.Delivery)
	}
	return f.deliveries, nil
}

func (f *fakeChannel) NotifyClose(c chan *amqp.Error) chan *amqp.Error {
	f.notify = c
	return c
}

func (f *fakeChannel) Close() error {
	f.closed = true
	return nil
}

type fakeConnection struct {
	channels   []*fakeChannel
	closed     bool
	channelErr error
}

func (f *fakeConnection) Channel() (amqpChannel, error) {
	if f.channelErr != nil {
		return nil, f.channelErr
	}
	ch := &fakeChannel{}
	f.channels = append(f.channels, ch)
	return ch, nil
}

func (f *fakeConnection) IsClosed() bool { return f.closed }
func (f *fakeConnection) Close() error {
	f.closed = true
	return nil
}

type fakeDialer struct {
	conns   []*fakeConnection
	urls    []string
	configs []amqp.Config
	err     error
}

func (d *fakeDialer) dial(url string, cfg amqp.Config) (amqpConnection, error) {
	d.urls = append(d.urls, url)
	d.configs = append(d.configs, cfg)
	if d.err != nil {
		return nil, d.err
	}
	conn := &fakeConnection{}
	d.conns = append(d.conns, conn)
	return conn, nil
}

func withFakeDialer(t *testing.T) *fakeDialer {
	t.Helper()
	d := &fakeDialer{}
	orig := dialAMQP
	dialAMQP = d.dial
	t.Cleanup(func() { dialAMQP = orig })
	return d
}

func testSettings() config.BrokerSettings {
	return config.BrokerSettings{
		Host:          "localhost",
		Port:          5672,
		Username:      "guest",
		Password:      "guest",
		VHost:         "/",
		Exchange:      "orders",
		Queue:         "order_queue",
		RoutingKey:    "order.new",
		PrefetchCount: 1,
	}
}

// --- Tests ---

func TestEnsureReady_DeclaresTopology(t *testing.T) {
	dialer := withFakeDialer(t)
	b := NewRabbitMQBroker(testSettings(), zerolog.Nop())

	err := b.ensureReady()
	assert.NoError(t, err)

	assert.Len(t, dialer.conns, 1)
	ch := dialer.conns[0].channels[0]
	assert.Equal(t, []declaredExchange{{name: "orders", kind: "direct", durable: true}}, ch.exchanges)
	assert.Equal(t, []string{"order_queue"}, ch.queues)
	assert.Equal(t, [][3]string{{"order_queue", "order.new", "orders"}}, ch.binds)
}

func TestEnsureReady_Idempotent(t *testing.T) {
	dialer := withFakeDialer(t)
	b := NewRabbitMQBroker(testSettings(), zerolog.Nop())

	assert.NoError(t, b.ensureReady())
	assert.NoError(t, b.ensureReady())

	// one connection, one channel; redeclarations carry identical parameters
	assert.Len(t, dialer.conns, 1)
	assert.Len(t, dialer.conns[0].channels, 1)
	ch := dialer.conns[0].channels[0]
	assert.Len(t, ch.exchanges, 2)
	assert.Equal(t, ch.exchanges[0], ch.exchanges[1])
	assert.Equal(t, ch.binds[0], ch.binds[1])
}

func TestEnsureReady_ReconnectsAfterConnectionLoss(t *testing.T) {
	dialer := withFakeDialer(t)
	b := NewRabbitMQBroker(testSettings(), zerolog.Nop())

	assert.NoError(t, b.ensureReady())
	dialer.conns[0].closed = true

	assert.NoError(t, b.ensureReady())
	assert.Len(t, dialer.conns, 2)
	// fresh channel on the new connection got the full topology again
	ch := dialer.conns[1].channels[0]
	assert.Len(t, ch.exchanges, 1)
	assert.Len(t, ch.binds, 1)
}

func TestEnsureReady_ReopensClosedChannel(t *testing.T) {
	dialer := withFakeDialer(t)
	b := NewRabbitMQBroker(testSettings(), zerolog.Nop())

	assert.NoError(t, b.ensureReady())
	conn := dialer.conns[0]
	close(conn.channels[0].notify) // broker shut the channel down

	assert.NoError(t, b.ensureReady())
	assert.Len(t, dialer.conns, 1)
	assert.Len(t, conn.channels, 2)
}

func TestEnsureReady_DialFailure(t *testing.T) {
	dialer := withFakeDialer(t)
	dialer.err = errors.New("connection refused")
	b := NewRabbitMQBroker(testSettings(), zerolog.Nop())

	err := b.ensureReady()
	assert.ErrorIs(t, err, ErrBrokerUnavailable)
}

func TestEnsureReady_DeclareFailure(t *testing.T) {
	dialer := withFakeDialer(t)
	b := NewRabbitMQBroker(testSettings(), zerolog.Nop())

	assert.NoError(t, b.ensureReady())
	dialer.conns[0].channels[0].declareErr = errors.New("access refused")

	err := b.ensureReady()
	assert.ErrorIs(t, err, ErrBrokerUnavailable)
}

func TestPublish_PersistentOnRoutingKey(t *testing.T) {
	dialer := withFakeDialer(t)
	b := NewRabbitMQBroker(testSettings(), zerolog.Nop())

	err := b.Publish(context.Background(), []byte(`{"order_id":1}`))
	assert.NoError(t, err)

	ch := dialer.conns[0].channels[0]
	assert.Len(t, ch.published, 1)
	assert.Equal(t, [2]string{"orders", "order.new"}, ch.pubKeys[0])
	assert.Equal(t, uint8(amqp.Persistent), ch.published[0].DeliveryMode)
	assert.Equal(t, "application/json", ch.published[0].ContentType)
	assert.Equal(t, []byte(`{"order_id":1}`), ch.published[0].Body)
}

func TestPublish_ErrorPropagatesUnchanged(t *testing.T) {
	dialer := withFakeDialer(t)
	b := NewRabbitMQBroker(testSettings(), zerolog.Nop())

	assert.NoError(t, b.ensureReady())
	sendErr := errors.New("channel gone")
	dialer.conns[0].channels[0].publishErr = sendErr

	err := b.Publish(context.Background(), []byte("x"))
	assert.Equal(t, sendErr, err)
}

func TestConsume_PrefetchOneManualAck(t *testing.T) {
	dialer := withFakeDialer(t)
	b := NewRabbitMQBroker(testSettings(), zerolog.Nop())

	deliveries, err := b.Consume(context.Background())
	assert.NoError(t, err)
	assert.NotNil(t, deliveries)

	ch := dialer.conns[0].channels[0]
	assert.Equal(t, [][2]int{{1, 0}}, ch.qosCalls)
	assert.Equal(t, []string{"order_queue"}, ch.consumeArg)
	assert.Equal(t, []bool{false}, ch.autoAcks) // manual acknowledgment
}

func TestClose_ThenConsumeReestablishes(t *testing.T) {
	dialer := withFakeDialer(t)
	b := NewRabbitMQBroker(testSettings(), zerolog.Nop())

	_, err := b.Consume(context.Background())
	assert.NoError(t, err)

	assert.NoError(t, b.Close())
	assert.True(t, dialer.conns[0].closed)
	assert.True(t, dialer.conns[0].channels[0].closed)

	_, err = b.Consume(context.Background())
	assert.NoError(t, err)
	assert.Len(t, dialer.conns, 2)
}
