package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the worker's Prometheus counters.
type Metrics struct {
	Consumed   prometheus.Counter
	Completed  prometheus.Counter
	Failed     prometheus.Counter
	Invalid    prometheus.Counter
	Duplicates prometheus.Counter
	Reconnects prometheus.Counter
	Reconciled prometheus.Counter
}

func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Consumed: factory.NewCounter(prometheus.CounterOpts{
			Name: "fulfillment_messages_consumed_total",
			Help: "Order events delivered to the worker.",
		}),
		Completed: factory.NewCounter(prometheus.CounterOpts{
			Name: "fulfillment_orders_completed_total",
			Help: "Orders whose inventory decrement succeeded.",
		}),
		Failed: factory.NewCounter(prometheus.CounterOpts{
			Name: "fulfillment_orders_failed_total",
			Help: "Orders marked failed after an inventory refusal or error.",
		}),
		Invalid: factory.NewCounter(prometheus.CounterOpts{
			Name: "fulfillment_messages_invalid_total",
			Help: "Messages dropped because the payload could not be parsed.",
		}),
		Duplicates: factory.NewCounter(prometheus.CounterOpts{
			Name: "fulfillment_messages_duplicate_total",
			Help: "Redelivered events skipped because a decision was already recorded.",
		}),
		Reconnects: factory.NewCounter(prometheus.CounterOpts{
			Name: "fulfillment_broker_reconnects_total",
			Help: "Times the consumer loop re-established the broker connection.",
		}),
		Reconciled: factory.NewCounter(prometheus.CounterOpts{
			Name: "fulfillment_orders_reconciled_total",
			Help: "Stuck orders finalized by the reconciliation sweep.",
		}),
	}
}
