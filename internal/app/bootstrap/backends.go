package bootstrap

import (
	"fmt"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"

	"github.com/wolfman30/telehealth-scheduling/internal/availability"
	"github.com/wolfman30/telehealth-scheduling/internal/booking"
	"github.com/wolfman30/telehealth-scheduling/internal/clock"
	appconfig "github.com/wolfman30/telehealth-scheduling/internal/config"
	"github.com/wolfman30/telehealth-scheduling/internal/events"
	"github.com/wolfman30/telehealth-scheduling/internal/notify"
	"github.com/wolfman30/telehealth-scheduling/internal/payments"
	"github.com/wolfman30/telehealth-scheduling/internal/reservations"
	"github.com/wolfman30/telehealth-scheduling/pkg/logging"
)

// BuildAvailabilityStore selects the schedule store named by AVAILABILITY_BACKEND.
func BuildAvailabilityStore(cfg *appconfig.Config, res *Resources) (availability.Store, error) {
	switch cfg.AvailabilityBackend {
	case appconfig.BackendRedis:
		if res == nil || res.Redis == nil {
			return nil, fmt.Errorf("bootstrap: redis availability backend without a redis client")
		}
		return availability.NewRedisStore(res.Redis), nil
	case appconfig.BackendPostgres:
		if res == nil || res.SQL == nil {
			return nil, fmt.Errorf("bootstrap: postgres availability backend without a database")
		}
		return availability.NewPostgresStore(res.SQL), nil
	default:
		return availability.NewMemoryStore(), nil
	}
}

// BuildReservationStore selects the reservation store named by RESERVATION_BACKEND.
func BuildReservationStore(cfg *appconfig.Config, res *Resources, clk clock.Clock) (reservations.Store, error) {
	if cfg.ReservationBackend != appconfig.BackendPostgres {
		return reservations.NewMemoryStore(clk, reservations.WithRetention(cfg.ReservationRetention)), nil
	}
	if res == nil || res.Pool == nil {
		return nil, fmt.Errorf("bootstrap: postgres reservation backend without a database")
	}
	return reservations.NewPostgresStore(res.Pool, clk), nil
}

// BuildSnapshotStore selects where booking workflows are persisted.
func BuildSnapshotStore(cfg *appconfig.Config, res *Resources, logger *logging.Logger) (booking.SnapshotStore, error) {
	if cfg.WorkflowBackend != appconfig.BackendDynamoDB {
		return booking.NewMemorySnapshotStore(), nil
	}
	if res == nil || res.AWS == nil {
		return nil, fmt.Errorf("bootstrap: dynamodb workflow backend without aws config")
	}
	return booking.NewDynamoSnapshotStore(dynamodb.NewFromConfig(*res.AWS), cfg.WorkflowTable, logger), nil
}

// BuildPaymentGateway returns Stripe when configured, otherwise the fake gateway.
func BuildPaymentGateway(cfg *appconfig.Config, logger *logging.Logger) payments.Gateway {
	if cfg.PaymentProvider == "stripe" {
		return payments.NewStripeGateway(cfg.StripeSecretKey, payments.StripeOptions{BaseURL: cfg.StripeAPIURL}, logger)
	}
	return payments.NewFakeGateway(cfg.FakePaymentDelay, logger)
}

// BuildEmailSender returns the configured sender, or nil when email is off.
func BuildEmailSender(cfg *appconfig.Config, res *Resources, logger *logging.Logger) notify.EmailSender {
	switch cfg.EmailProvider {
	case "sendgrid":
		sender := notify.NewSendGridSender(notify.SendGridConfig{
			APIKey:    cfg.SendGridAPIKey,
			FromEmail: cfg.OpsEmailFrom,
		}, logger)
		if sender == nil {
			logger.Warn("sendgrid selected but SENDGRID_API_KEY is empty; email disabled")
			return nil
		}
		return sender
	case "ses":
		if res == nil || res.AWS == nil {
			logger.Warn("ses selected without aws config; email disabled")
			return nil
		}
		return notify.NewSESSender(sesv2.NewFromConfig(*res.AWS), notify.SESConfig{FromEmail: cfg.OpsEmailFrom, ConfigurationSet: cfg.SESConfigSet}, logger)
	default:
		return nil
	}
}

// BuildOutbox uses Postgres when a pool is open and memory otherwise.
func BuildOutbox(res *Resources) events.Outbox {
	if res != nil && res.Pool != nil {
		return events.NewOutboxStore(res.Pool)
	}
	return events.NewMemoryOutbox()
}
