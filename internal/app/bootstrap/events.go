package bootstrap

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/google/uuid"

	"github.com/wolfman30/telehealth-scheduling/internal/availability"
	appconfig "github.com/wolfman30/telehealth-scheduling/internal/config"
	"github.com/wolfman30/telehealth-scheduling/internal/events"
	"github.com/wolfman30/telehealth-scheduling/internal/notify"
	"github.com/wolfman30/telehealth-scheduling/internal/reservations"
	"github.com/wolfman30/telehealth-scheduling/pkg/logging"
)

// ReservationEvents records every reservation transition in the outbox.
func ReservationEvents(outbox events.Outbox, logger *logging.Logger) reservations.Listener {
	return func(ctx context.Context, r reservations.Reservation) {
		evt := events.ReservationChangedV1{
			EventID:        uuid.NewString(),
			ReservationID:  r.ID.String(),
			PractitionerID: r.Slot.PractitionerID,
			PatientID:      r.PatientID,
			Date:           r.Slot.Date.String(),
			Start:          availability.FormatClock(r.Slot.Start),
			End:            availability.FormatClock(r.End),
			State:          string(r.State),
			ExpiresAt:      r.ExpiresAt,
			OccurredAt:     eventTime(r),
		}
		if _, err := outbox.Insert(context.WithoutCancel(ctx), r.ID.String(), events.TypeReservationChanged, evt); err != nil {
			logger.Error("failed to record reservation event", "reservation_id", r.ID, "state", r.State, "error", err)
		}
	}
}

// ScheduleEvents records every schedule revision in the outbox.
func ScheduleEvents(outbox events.Outbox, logger *logging.Logger) availability.ChangeListener {
	return func(ctx context.Context, s *availability.Schedule) {
		evt := events.ScheduleChangedV1{
			EventID:        uuid.NewString(),
			PractitionerID: s.PractitionerID,
			Revision:       s.Revision,
			OccurredAt:     s.UpdatedAt,
		}
		if _, err := outbox.Insert(context.WithoutCancel(ctx), s.PractitionerID, events.TypeScheduleChanged, evt); err != nil {
			logger.Error("failed to record schedule event", "practitioner_id", s.PractitionerID, "revision", s.Revision, "error", err)
		}
	}
}

func eventTime(r reservations.Reservation) time.Time {
	switch {
	case r.ReleasedAt != nil:
		return *r.ReleasedAt
	case r.ConfirmedAt != nil:
		return *r.ConfirmedAt
	default:
		return r.CreatedAt
	}
}

// BuildEventHandler fans outbox entries out to every configured transport.
// The log handler is always present. The returned close func releases
// broker connections.
func BuildEventHandler(cfg *appconfig.Config, res *Resources, email notify.EmailSender, logger *logging.Logger) (events.DeliveryHandler, func() error, error) {
	handlers := []events.DeliveryHandler{events.LogHandler(logger)}
	var closers []func() error

	if queueURL := strings.TrimSpace(cfg.EventsQueueURL); queueURL != "" {
		if res == nil || res.AWS == nil {
			return nil, nil, errors.New("bootstrap: EVENTS_SQS_QUEUE_URL set without aws config")
		}
		handlers = append(handlers, events.NewSQSPublisher(sqs.NewFromConfig(*res.AWS), queueURL))
		logger.Info("sqs event publishing enabled", "queue_url", queueURL)
	}

	if amqpURL := strings.TrimSpace(cfg.AMQPURL); amqpURL != "" {
		pub, err := events.DialAMQP(amqpURL, cfg.AMQPExchange)
		if err != nil {
			return nil, nil, err
		}
		handlers = append(handlers, pub)
		closers = append(closers, pub.Close)
		logger.Info("amqp event publishing enabled", "exchange", cfg.AMQPExchange)
	}

	if strings.TrimSpace(cfg.OpsEmailTo) != "" {
		if email == nil {
			email = notify.NewStubEmailSender(logger)
		}
		handlers = append(handlers, notify.NewOpsNotifier(email, cfg.OpsEmailTo, logger))
	}

	closeAll := func() error {
		var errs []error
		for _, c := range closers {
			errs = append(errs, c())
		}
		return errors.Join(errs...)
	}
	return events.Fanout(handlers...), closeAll, nil
}
