package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/bookhaven/fulfillment/pkg/config"
	"github.com/bookhaven/fulfillment/pkg/event"
)

// OrdersClient updates order records on the orders service.
type OrdersClient struct {
	baseURL string
	client  *http.Client
	logger  zerolog.Logger
}

func NewOrdersClient(cfg config.ServiceSettings, logger zerolog.Logger) *OrdersClient {
	return &OrdersClient{
		baseURL: cfg.OrdersURL,
		client:  &http.Client{Timeout: cfg.RequestTimeout},
		logger:  logger.With().Str("component", "orders-client").Logger(),
	}
}

type statusUpdate struct {
	Status event.OrderStatus `json:"status"`
}

// SetStatus moves the order to its terminal status. The saga treats a
// failure here as observational; the reconciler retries it later when the
// outcome store is enabled.
func (c *OrdersClient) SetStatus(ctx context.Context, orderID int64, status event.OrderStatus) error {
	body, err := json.Marshal(statusUpdate{Status: status})
	if err != nil {
		return errors.Wrap(err, "encode status update")
	}

	url := fmt.Sprintf("%s/orders/%d", c.baseURL, orderID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "build status request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return errors.Wrap(err, "orders request")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var envelope serviceEnvelope
		_ = json.NewDecoder(resp.Body).Decode(&envelope)
		return errors.Errorf("orders service returned %d: %s", resp.StatusCode, envelope.Message)
	}

	c.logger.Debug().Int64("order", orderID).Str("status", string(status)).Msg("order status updated")
	return nil
}
