package payments

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/wolfman30/telehealth-scheduling/pkg/logging"
)

var stripeTracer = otel.Tracer("telehealth.internal.payments.stripe")

// StripeGateway charges through a PaymentIntent created and confirmed in one
// call, keyed by the reservation ID for idempotency.
type StripeGateway struct {
	api           *client.API
	defaultMethod string
	logger        *logging.Logger
}

// StripeOptions configures the Stripe backend.
type StripeOptions struct {
	// BaseURL overrides https://api.stripe.com (tests, stripe-mock).
	BaseURL string
	// DefaultPaymentMethod is used when a charge carries none ("pm_card_visa" in test mode).
	DefaultPaymentMethod string
	HTTPClient           *http.Client
}

func NewStripeGateway(secretKey string, opts StripeOptions, logger *logging.Logger) *StripeGateway {
	if logger == nil {
		logger = logging.Default()
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	cfg := &stripe.BackendConfig{
		HTTPClient:        httpClient,
		MaxNetworkRetries: stripe.Int64(0),
		LeveledLogger:     &stripe.LeveledLogger{Level: stripe.LevelError},
	}
	if opts.BaseURL != "" {
		cfg.URL = stripe.String(strings.TrimRight(opts.BaseURL, "/"))
	}
	backend := stripe.GetBackendWithConfig(stripe.APIBackend, cfg)
	api := client.New(secretKey, &stripe.Backends{API: backend, Connect: backend, Uploads: backend})

	method := opts.DefaultPaymentMethod
	if method == "" {
		method = "pm_card_visa"
	}
	return &StripeGateway{api: api, defaultMethod: method, logger: logger}
}

func (g *StripeGateway) Charge(ctx context.Context, req ChargeRequest) (*Receipt, error) {
	ctx, span := stripeTracer.Start(ctx, "stripe.charge")
	defer span.End()
	span.SetAttributes(
		attribute.String("reservation.id", req.ReservationID.String()),
		attribute.Int64("payment.amount", req.Amount),
		attribute.String("payment.currency", req.Currency),
	)

	if err := req.Validate(); err != nil {
		return nil, err
	}
	method := req.PaymentMethod
	if method == "" {
		method = g.defaultMethod
	}

	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(req.Amount),
		Currency:      stripe.String(strings.ToLower(req.Currency)),
		Confirm:       stripe.Bool(true),
		PaymentMethod: stripe.String(method),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled:        stripe.Bool(true),
			AllowRedirects: stripe.String("never"),
		},
	}
	if req.Description != "" {
		params.Description = stripe.String(req.Description)
	}
	params.Context = ctx
	params.SetIdempotencyKey("reservation-" + req.ReservationID.String())
	params.AddMetadata("reservation_id", req.ReservationID.String())

	pi, err := g.api.PaymentIntents.New(params)
	if err != nil {
		span.RecordError(err)
		return nil, classifyStripeError(err)
	}

	switch pi.Status {
	case stripe.PaymentIntentStatusSucceeded:
		g.logger.Info("stripe payment captured", "reservation_id", req.ReservationID, "payment_intent", pi.ID)
		return &Receipt{ID: pi.ID, Provider: "stripe"}, nil
	case stripe.PaymentIntentStatusRequiresPaymentMethod:
		reason := "payment method was not accepted"
		if pi.LastPaymentError != nil && pi.LastPaymentError.Msg != "" {
			reason = pi.LastPaymentError.Msg
		}
		return nil, &DeclinedError{Reason: reason, Code: "requires_payment_method"}
	default:
		return nil, &TransientError{Err: fmt.Errorf("payment intent %s in status %s", pi.ID, pi.Status)}
	}
}

func classifyStripeError(err error) error {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) && stripeErr.Type == stripe.ErrorTypeCard {
		code := string(stripeErr.DeclineCode)
		if code == "" {
			code = string(stripeErr.Code)
		}
		return &DeclinedError{Reason: stripeErr.Msg, Code: code}
	}
	return &TransientError{Err: err}
}
