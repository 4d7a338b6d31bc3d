package store

import (
	"context"
	"time"
)

// OutcomeRepository defines the database operations for fulfillment outcomes.
type OutcomeRepository interface {
	// RecordOutcome persists a terminal decision. If a decision already
	// exists for the order it is kept unchanged; the first decision wins.
	RecordOutcome(ctx context.Context, outcome *FulfillmentOutcome) error
	// FindByOrderID returns the recorded decision for an order, or nil when
	// none exists.
	FindByOrderID(ctx context.Context, orderID int64) (*FulfillmentOutcome, error)
	// MarkFinalized flags that the order record now carries the decided status.
	MarkFinalized(ctx context.Context, orderID int64) error
	// ListUnfinalized returns decisions whose status update has not reached
	// the orders service yet, oldest first.
	ListUnfinalized(ctx context.Context, olderThan time.Duration, limit int) ([]FulfillmentOutcome, error)
}
