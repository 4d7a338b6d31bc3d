package consumer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"github.com/streadway/amqp"
	"github.com/stretchr/testify/assert"

	"github.com/bookhaven/fulfillment/pkg/saga"
)

// --- Fakes ---

type fakeAcknowledger struct {
	mu   sync.Mutex
	acks []uint64
}

func (f *fakeAcknowledger) Ack(tag uint64, multiple bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acks = append(f.acks, tag)
	return nil
}

func (f *fakeAcknowledger) Nack(tag uint64, multiple, requeue bool) error { return nil }
func (f *fakeAcknowledger) Reject(tag uint64, requeue bool) error         { return nil }

func (f *fakeAcknowledger) ackCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.acks)
}

type consumeBroker struct {
	mu         sync.Mutex
	channels   []chan amqp.Delivery
	consumeErr []error // popped per Consume call
	closes     int
}

func (b *consumeBroker) Publish(ctx context.Context, body []byte) error { return nil }

func (b *consumeBroker) Consume(ctx context.Context) (<-chan amqp.Delivery, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.consumeErr) > 0 {
		err := b.consumeErr[0]
		b.consumeErr = b.consumeErr[1:]
		if err != nil {
			return nil, err
		}
	}
	ch := make(chan amqp.Delivery, 10)
	b.channels = append(b.channels, ch)
	return ch, nil
}

func (b *consumeBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closes++
	return nil
}

func (b *consumeBroker) channel(i int) chan amqp.Delivery {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.channels[i]
}

func (b *consumeBroker) channelCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.channels)
}

func (b *consumeBroker) closeCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closes
}

type recordingHandler struct {
	mu     sync.Mutex
	bodies [][]byte
	panics bool
}

func (h *recordingHandler) Execute(ctx context.Context, body []byte) saga.Outcome {
	h.mu.Lock()
	h.bodies = append(h.bodies, body)
	h.mu.Unlock()
	if h.panics {
		panic("handler bug")
	}
	return saga.Outcome{}
}

func (h *recordingHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.bodies)
}

func newTestLoop(b *consumeBroker, h Handler) *Loop {
	return NewLoop(b, h, backoff.NewConstantBackOff(time.Millisecond), nil, zerolog.Nop())
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	assert.Eventually(t, cond, time.Second, time.Millisecond)
}

// --- Tests ---

func TestRun_DispatchesAndAcks(t *testing.T) {
	b := &consumeBroker{}
	h := &recordingHandler{}
	ack := &fakeAcknowledger{}
	loop := newTestLoop(b, h)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx) }()

	eventually(t, func() bool { return b.channelCount() == 1 })
	b.channel(0) <- amqp.Delivery{Acknowledger: ack, DeliveryTag: 1, Body: []byte(`{"order_id":1}`)}
	b.channel(0) <- amqp.Delivery{Acknowledger: ack, DeliveryTag: 2, Body: []byte(`{"order_id":2}`)}

	eventually(t, func() bool { return ack.ackCount() == 2 })
	assert.Equal(t, 2, h.count())

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestRun_AcksEvenWhenHandlerPanics(t *testing.T) {
	b := &consumeBroker{}
	h := &recordingHandler{panics: true}
	ack := &fakeAcknowledger{}
	loop := newTestLoop(b, h)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = loop.Run(ctx) }()

	eventually(t, func() bool { return b.channelCount() == 1 })
	b.channel(0) <- amqp.Delivery{Acknowledger: ack, DeliveryTag: 7, Body: []byte("x")}

	eventually(t, func() bool { return ack.ackCount() == 1 })
	assert.Equal(t, []uint64{7}, ack.acks)
}

func TestRun_ReconnectsAfterDeliveryChannelCloses(t *testing.T) {
	b := &consumeBroker{}
	h := &recordingHandler{}
	ack := &fakeAcknowledger{}
	loop := newTestLoop(b, h)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = loop.Run(ctx) }()

	eventually(t, func() bool { return b.channelCount() == 1 })
	close(b.channel(0)) // transport failure

	// the loop closes the broker and re-registers within one backoff interval
	eventually(t, func() bool { return b.channelCount() == 2 })
	assert.GreaterOrEqual(t, b.closeCount(), 1)

	// already-acknowledged work is not duplicated; the new channel starts empty
	b.channel(1) <- amqp.Delivery{Acknowledger: ack, DeliveryTag: 1, Body: []byte("y")}
	eventually(t, func() bool { return h.count() == 1 })
}

func TestRun_RetriesAfterConsumeError(t *testing.T) {
	b := &consumeBroker{consumeErr: []error{errors.New("broker unavailable"), nil}}
	h := &recordingHandler{}
	loop := newTestLoop(b, h)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = loop.Run(ctx) }()

	eventually(t, func() bool { return b.channelCount() == 1 })
}

func TestRun_StopsOnContextCancel(t *testing.T) {
	b := &consumeBroker{}
	loop := newTestLoop(b, &recordingHandler{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx) }()

	eventually(t, func() bool { return b.channelCount() == 1 })
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("loop did not stop on cancellation")
	}
	assert.GreaterOrEqual(t, b.closeCount(), 1) // connection released on shutdown
}
