package event

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// OrderStatus is the terminal status the saga assigns to an order.
type OrderStatus string

const (
	StatusPending   OrderStatus = "pending"
	StatusCompleted OrderStatus = "completed"
	StatusFailed    OrderStatus = "failed"
)

// OrderEvent is the message body published once per accepted order.
type OrderEvent struct {
	OrderID  int64  `json:"order_id"`
	BookID   int64  `json:"book_id"`
	Quantity int    `json:"quantity"`
	UserID   *int64 `json:"user_id,omitempty"`
}

// Parse decodes and validates a raw message body. The whole payload is
// decoded up front so order_id is available for compensation no matter
// which later step fails.
func Parse(body []byte) (*OrderEvent, error) {
	var evt OrderEvent
	if err := json.Unmarshal(body, &evt); err != nil {
		return nil, errors.Wrap(err, "decode order event")
	}
	if evt.OrderID <= 0 {
		return nil, errors.New("order event: missing or invalid order_id")
	}
	if evt.BookID <= 0 {
		return nil, errors.New("order event: missing or invalid book_id")
	}
	if evt.Quantity <= 0 {
		return nil, errors.New("order event: quantity must be positive")
	}
	return &evt, nil
}

func (e *OrderEvent) Marshal() ([]byte, error) {
	body, err := json.Marshal(e)
	if err != nil {
		return nil, errors.Wrap(err, "encode order event")
	}
	return body, nil
}
