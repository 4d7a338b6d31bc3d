package store

import (
	"time"

	"github.com/bookhaven/fulfillment/pkg/event"
)

// FulfillmentOutcome records the terminal decision the saga made for one
// order. Rows exist so that a decision survives redelivery and so that a
// failed finalization can be retried later; the status never changes once
// recorded.
type FulfillmentOutcome struct {
	ID        string            `json:"id" bson:"id"`
	OrderID   int64             `json:"order_id" bson:"order_id"`
	Status    event.OrderStatus `json:"status" bson:"status"`
	Reason    string            `json:"reason,omitempty" bson:"reason,omitempty"`
	Finalized bool              `json:"finalized" bson:"finalized"`
	CreatedAt time.Time         `json:"created_at" bson:"created_at"`
	UpdatedAt time.Time         `json:"updated_at" bson:"updated_at"`
}
