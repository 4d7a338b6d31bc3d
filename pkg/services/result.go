package services

import "encoding/json"

// Result normalizes downstream responses into one shape: some failure
// responses carry a body, others do not, and success bodies differ between
// services.
type Result struct {
	OK          bool
	Code        int
	Message     string
	NewQuantity *int // inventory decrements only, when the service reports it
}

// serviceEnvelope matches the {code, message, data} JSON envelope both
// services reply with.
type serviceEnvelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}
