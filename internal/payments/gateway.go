// Package payments defines the contract the booking workflow uses to charge a
// consultation fee, with a fake gateway for development and a Stripe gateway.
package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// ChargeRequest is one consultation charge. ReservationID doubles as the
// idempotency key, so retrying a request never charges twice.
type ChargeRequest struct {
	ReservationID uuid.UUID
	Amount        int64
	Currency      string
	Description   string
	PaymentMethod string
}

// Validate rejects requests no gateway could process.
func (r ChargeRequest) Validate() error {
	switch {
	case r.ReservationID == uuid.Nil:
		return errors.New("payments: reservation id required")
	case r.Amount <= 0:
		return fmt.Errorf("payments: amount must be positive, got %d", r.Amount)
	case strings.TrimSpace(r.Currency) == "":
		return errors.New("payments: currency required")
	}
	return nil
}

// Receipt identifies a successful charge at the provider.
type Receipt struct {
	ID       string `json:"id"`
	Provider string `json:"provider"`
}

// Gateway charges a payment method.
type Gateway interface {
	Charge(ctx context.Context, req ChargeRequest) (*Receipt, error)
}

// DeclinedError means the provider refused the charge. Nothing was captured.
type DeclinedError struct {
	Reason string
	Code   string
}

func (e *DeclinedError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("payments: declined (%s): %s", e.Code, e.Reason)
	}
	return "payments: declined: " + e.Reason
}

// TransientError means the charge outcome is a provider or network failure.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return "payments: gateway error: " + e.Err.Error()
}

func (e *TransientError) Unwrap() error { return e.Err }

// IsDeclined reports whether err carries a *DeclinedError.
func IsDeclined(err error) bool {
	var d *DeclinedError
	return errors.As(err, &d)
}

// IsTransient reports whether err carries a *TransientError.
func IsTransient(err error) bool {
	var t *TransientError
	return errors.As(err, &t)
}

// DeclineReason returns the provider reason of a declined charge, or "".
func DeclineReason(err error) string {
	var d *DeclinedError
	if errors.As(err, &d) {
		return d.Reason
	}
	return ""
}
