package saga

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/bookhaven/fulfillment/pkg/event"
	"github.com/bookhaven/fulfillment/pkg/metrics"
	"github.com/bookhaven/fulfillment/pkg/services"
	"github.com/bookhaven/fulfillment/pkg/store"
)

// Inventory is the synchronous contract for adjusting a book's stock.
type Inventory interface {
	Decrement(ctx context.Context, bookID int64, quantity int) (services.Result, error)
}

// Orders is the synchronous contract for finalizing an order record.
type Orders interface {
	SetStatus(ctx context.Context, orderID int64, status event.OrderStatus) error
}

// State names the steps of the per-event fulfillment state machine.
type State string

const (
	StateReceived           State = "received"
	StateAdjustingInventory State = "adjusting_inventory"
	StateFinalizing         State = "finalizing"
	StateDone               State = "done"
)

// Outcome summarizes what the saga did with one delivery. It feeds logs and
// metrics only; acknowledgment never depends on it.
type Outcome struct {
	OrderID   int64
	Status    event.OrderStatus
	Reason    string
	Finalized bool
	Duplicate bool
	Invalid   bool
}

// Executor runs the order-fulfillment saga: decrement stock, then finalize
// the order status. Every Step-1 failure, business or transport, compensates
// by finalizing the order as failed; there is no retry state. A Step-2
// failure is observed only, and repaired later by the reconciler when the
// outcome store is enabled.
type Executor struct {
	inventory Inventory
	orders    Orders
	outcomes  store.OutcomeRepository // nil disables dedup and reconciliation
	delay     time.Duration
	sleep     func(ctx context.Context, d time.Duration)
	logger    zerolog.Logger
	metrics   *metrics.Metrics
	tracer    trace.Tracer
}

func NewExecutor(
	inventory Inventory,
	orders Orders,
	outcomes store.OutcomeRepository,
	delay time.Duration,
	m *metrics.Metrics,
	logger zerolog.Logger,
) *Executor {
	return &Executor{
		inventory: inventory,
		orders:    orders,
		outcomes:  outcomes,
		delay:     delay,
		sleep:     sleepCtx,
		logger:    logger.With().Str("component", "saga").Logger(),
		metrics:   m,
		tracer:    otel.Tracer("fulfillment"),
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// Execute processes one raw message body through the state machine and
// returns the outcome. It never panics and never signals the caller to
// redeliver; the consumer loop acknowledges unconditionally.
func (e *Executor) Execute(ctx context.Context, body []byte) Outcome {
	ctx, span := e.tracer.Start(ctx, "ProcessOrderEvent")
	defer span.End()

	// parse the whole payload before touching anything downstream so the
	// order id is available for compensation whatever fails later
	evt, err := event.Parse(body)
	if err != nil {
		span.RecordError(err)
		e.count(func(m *metrics.Metrics) { m.Invalid.Inc() })
		e.logger.Error().Err(err).Msg("dropping unparseable message")
		return Outcome{Invalid: true, Reason: err.Error()}
	}

	span.SetAttributes(
		attribute.Int64("order.id", evt.OrderID),
		attribute.Int64("order.book_id", evt.BookID),
		attribute.Int("order.quantity", evt.Quantity),
	)
	logger := e.logger.With().Int64("order", evt.OrderID).Logger()
	logger.Info().Int64("book", evt.BookID).Int("quantity", evt.Quantity).Str("state", string(StateReceived)).Msg("order event received")

	// a redelivered order that already reached a decision is never adjusted
	// again; at most its finalization is retried
	if prev := e.lookupPrior(ctx, evt.OrderID, logger); prev != nil {
		e.count(func(m *metrics.Metrics) { m.Duplicates.Inc() })
		outcome := Outcome{OrderID: evt.OrderID, Status: prev.Status, Duplicate: true, Finalized: prev.Finalized}
		if !prev.Finalized {
			outcome.Finalized = e.finalize(ctx, evt.OrderID, prev.Status, logger)
		}
		logger.Info().Str("status", string(prev.Status)).Msg("duplicate delivery, decision already recorded")
		return outcome
	}

	// the delay happens before any irreversible state change
	e.sleep(ctx, e.delay)

	logger.Debug().Str("state", string(StateAdjustingInventory)).Msg("decrementing stock")
	status := event.StatusCompleted
	reason := ""
	result, err := e.inventory.Decrement(ctx, evt.BookID, evt.Quantity)
	switch {
	case err != nil:
		// transport failure counts as a terminal business failure for this
		// event; it is not retried at the message level
		span.RecordError(err)
		status = event.StatusFailed
		reason = err.Error()
		logger.Error().Err(err).Msg("inventory call failed")
	case !result.OK:
		status = event.StatusFailed
		reason = result.Message
		logger.Warn().Int("code", result.Code).Str("message", result.Message).Msg("inventory adjustment refused")
	default:
		if result.NewQuantity != nil {
			logger.Info().Int("remaining", *result.NewQuantity).Msg("stock decremented")
		} else {
			logger.Info().Msg("stock decremented")
		}
	}

	e.record(ctx, evt.OrderID, status, reason, logger)

	logger.Debug().Str("state", string(StateFinalizing)).Str("status", string(status)).Msg("finalizing order")
	finalized := e.finalize(ctx, evt.OrderID, status, logger)

	if status == event.StatusCompleted {
		e.count(func(m *metrics.Metrics) { m.Completed.Inc() })
	} else {
		e.count(func(m *metrics.Metrics) { m.Failed.Inc() })
	}

	logger.Info().Str("state", string(StateDone)).Str("status", string(status)).Bool("finalized", finalized).Msg("order event processed")
	return Outcome{OrderID: evt.OrderID, Status: status, Reason: reason, Finalized: finalized}
}

// lookupPrior returns the previously recorded decision for the order, or nil
// when the store is disabled, empty for this order, or unreachable. A store
// failure degrades to fresh processing rather than blocking the event.
func (e *Executor) lookupPrior(ctx context.Context, orderID int64, logger zerolog.Logger) *store.FulfillmentOutcome {
	if e.outcomes == nil {
		return nil
	}
	prev, err := e.outcomes.FindByOrderID(ctx, orderID)
	if err != nil {
		logger.Warn().Err(err).Msg("outcome lookup failed, processing as fresh")
		return nil
	}
	return prev
}

func (e *Executor) record(ctx context.Context, orderID int64, status event.OrderStatus, reason string, logger zerolog.Logger) {
	if e.outcomes == nil {
		return
	}
	outcome := &store.FulfillmentOutcome{
		ID:      uuid.NewString(),
		OrderID: orderID,
		Status:  status,
		Reason:  reason,
	}
	if err := e.outcomes.RecordOutcome(ctx, outcome); err != nil {
		logger.Warn().Err(err).Msg("failed to record outcome")
	}
}

// finalize sets the order's terminal status. Failures do not alter control
// flow: the saga proceeds to Done and the message is acknowledged anyway.
func (e *Executor) finalize(ctx context.Context, orderID int64, status event.OrderStatus, logger zerolog.Logger) bool {
	if err := e.orders.SetStatus(ctx, orderID, status); err != nil {
		logger.Error().Err(err).Str("status", string(status)).Msg("order status update failed")
		return false
	}
	if e.outcomes != nil {
		if err := e.outcomes.MarkFinalized(ctx, orderID); err != nil {
			logger.Warn().Err(err).Msg("failed to mark outcome finalized")
		}
	}
	return true
}

func (e *Executor) count(inc func(m *metrics.Metrics)) {
	if e.metrics != nil {
		inc(e.metrics)
	}
}
