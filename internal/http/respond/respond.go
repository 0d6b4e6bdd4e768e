// Package respond writes JSON payloads and error envelopes for the API handlers.
package respond

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
)

// Error codes returned in the "code" field of error responses.
const (
	CodeBadRequest             = "bad_request"
	CodeInvalidRequestBody     = "invalid_request_body"
	CodeInvalidWindow          = "invalid_window"
	CodeInvalidDate            = "invalid_date"
	CodeInvalidRange           = "invalid_range"
	CodeStaleRevision          = "stale_revision"
	CodeConflict               = "conflict"
	CodeSlotUnavailable        = "slot_unavailable"
	CodeNotFound               = "not_found"
	CodeHoldExpired            = "hold_expired"
	CodeHoldReleased           = "hold_released"
	CodePaymentDeclined        = "payment_declined"
	CodePaymentError           = "payment_error"
	CodeReconciliationRequired = "reconciliation_required"
	CodeInvalidState           = "invalid_state"
	CodeBusy                   = "busy"
	CodeUnauthorized           = "unauthorized"
	CodeForbidden              = "forbidden"
	CodeRateLimited            = "rate_limited"
	CodeInternalError          = "internal_error"
)

// ErrorBody is the error envelope.
type ErrorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// JSON writes payload with the given status.
func JSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// Error writes an error envelope.
func Error(w http.ResponseWriter, status int, code, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	payload, err := json.Marshal(ErrorBody{Error: msg, Code: code})
	if err != nil {
		_, _ = w.Write([]byte(`{"error":"internal error","code":"internal_error"}`))
		return
	}
	_, _ = w.Write(payload)
}

// Internal writes a generic 500 without leaking err.
func Internal(w http.ResponseWriter) {
	Error(w, http.StatusInternalServerError, CodeInternalError, "internal server error")
}

const maxBodyBytes = 1 << 20

// Decode reads a JSON request body into dst, rejecting unknown fields.
// An empty body leaves dst untouched.
func Decode(r *http.Request, dst any) error {
	if r.Body == nil {
		return nil
	}
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return nil
}
