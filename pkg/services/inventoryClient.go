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
)

// InventoryClient decrements a book's on-hand quantity on the books service.
// The service enforces that quantity never goes negative; a refusal comes
// back as a non-success Result, not an error.
type InventoryClient struct {
	baseURL string
	client  *http.Client
	logger  zerolog.Logger
}

func NewInventoryClient(cfg config.ServiceSettings, logger zerolog.Logger) *InventoryClient {
	return &InventoryClient{
		baseURL: cfg.BooksURL,
		client:  &http.Client{Timeout: cfg.RequestTimeout},
		logger:  logger.With().Str("component", "inventory-client").Logger(),
	}
}

type decrementRequest struct {
	QuantityOrdered int `json:"quantity_ordered"`
}

// Decrement asks the books service to subtract quantity from the book's
// stock. The error return is reserved for transport failures; any HTTP
// response, success or refusal, is normalized into the Result.
func (c *InventoryClient) Decrement(ctx context.Context, bookID int64, quantity int) (Result, error) {
	body, err := json.Marshal(decrementRequest{QuantityOrdered: quantity})
	if err != nil {
		return Result{}, errors.Wrap(err, "encode decrement request")
	}

	url := fmt.Sprintf("%s/books/%d/decrement", c.baseURL, bookID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(body))
	if err != nil {
		return Result{}, errors.Wrap(err, "build decrement request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return Result{}, errors.Wrap(err, "inventory request")
	}
	defer resp.Body.Close()

	var envelope serviceEnvelope
	// refusals may come with an empty or non-JSON body; the status code alone
	// is enough to classify them
	_ = json.NewDecoder(resp.Body).Decode(&envelope)

	result := Result{
		OK:      resp.StatusCode >= 200 && resp.StatusCode < 300,
		Code:    resp.StatusCode,
		Message: envelope.Message,
	}

	if result.OK && len(envelope.Data) > 0 {
		var book struct {
			Quantity int `json:"quantity"`
		}
		if err := json.Unmarshal(envelope.Data, &book); err == nil {
			result.NewQuantity = &book.Quantity
		}
	}

	if result.OK {
		c.logger.Debug().Int64("book", bookID).Int("quantity", quantity).Msg("stock decremented")
	} else {
		c.logger.Warn().Int64("book", bookID).Int("status", resp.StatusCode).Str("message", envelope.Message).Msg("decrement refused")
	}

	return result, nil
}
