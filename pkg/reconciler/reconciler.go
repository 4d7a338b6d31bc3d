package reconciler

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/bookhaven/fulfillment/pkg/metrics"
	"github.com/bookhaven/fulfillment/pkg/saga"
	"github.com/bookhaven/fulfillment/pkg/store"
)

// Reconciler sweeps outcome records whose status update never reached the
// orders service and re-drives the update. Without it, an order whose
// finalization failed would stay pending forever.
type Reconciler struct {
	outcomes  store.OutcomeRepository
	orders    saga.Orders
	interval  time.Duration
	olderThan time.Duration
	batchSize int
	logger    zerolog.Logger
	metrics   *metrics.Metrics
}

func New(
	outcomes store.OutcomeRepository,
	orders saga.Orders,
	interval, olderThan time.Duration,
	batchSize int,
	m *metrics.Metrics,
	logger zerolog.Logger,
) *Reconciler {
	return &Reconciler{
		outcomes:  outcomes,
		orders:    orders,
		interval:  interval,
		olderThan: olderThan,
		batchSize: batchSize,
		logger:    logger.With().Str("component", "reconciler").Logger(),
		metrics:   m,
	}
}

// Run sweeps on a fixed interval until ctx is canceled.
func (r *Reconciler) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := r.Sweep(ctx); err != nil {
				r.logger.Error().Err(err).Msg("sweep failed")
			}
		}
	}
}

// Sweep finalizes one batch of stuck outcomes. Orders that still cannot be
// updated stay unfinalized and are picked up by a later sweep.
func (r *Reconciler) Sweep(ctx context.Context) error {
	stuck, err := r.outcomes.ListUnfinalized(ctx, r.olderThan, r.batchSize)
	if err != nil {
		return err
	}

	for _, outcome := range stuck {
		if err := r.orders.SetStatus(ctx, outcome.OrderID, outcome.Status); err != nil {
			r.logger.Warn().Err(err).Int64("order", outcome.OrderID).Msg("order still not updatable")
			continue
		}
		if err := r.outcomes.MarkFinalized(ctx, outcome.OrderID); err != nil {
			r.logger.Warn().Err(err).Int64("order", outcome.OrderID).Msg("failed to mark outcome finalized")
			continue
		}
		if r.metrics != nil {
			r.metrics.Reconciled.Inc()
		}
		r.logger.Info().Int64("order", outcome.OrderID).Str("status", string(outcome.Status)).Msg("stuck order finalized")
	}
	return nil
}
