package reservations

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/wolfman30/telehealth-scheduling/pkg/logging"
)

// TypeExpireHold is the asynq task type that expires one hold at its deadline.
const TypeExpireHold = "reservation:expire"

// ExpiryQueue is the asynq queue expire tasks are enqueued on.
const ExpiryQueue = "reservations"

type expirePayload struct {
	ReservationID uuid.UUID `json:"reservation_id"`
}

// NewExpireTask builds the task for one reservation.
func NewExpireTask(id uuid.UUID) (*asynq.Task, error) {
	b, err := json.Marshal(expirePayload{ReservationID: id})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypeExpireHold, b), nil
}

type taskEnqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// ExpiryScheduler enqueues an expire task due at each new hold's expiresAt, so
// abandoned holds free their slot without waiting for the next sweep.
type ExpiryScheduler struct {
	client taskEnqueuer
	queue  string
	logger *logging.Logger
}

func NewExpiryScheduler(client taskEnqueuer, logger *logging.Logger) *ExpiryScheduler {
	if logger == nil {
		logger = logging.Default()
	}
	return &ExpiryScheduler{client: client, queue: ExpiryQueue, logger: logger}
}

// Schedule enqueues the expire task for r. A task already queued for r is not an error.
func (s *ExpiryScheduler) Schedule(ctx context.Context, r Reservation) error {
	task, err := NewExpireTask(r.ID)
	if err != nil {
		return fmt.Errorf("reservations: build expire task: %w", err)
	}
	_, err = s.client.EnqueueContext(ctx, task,
		asynq.ProcessAt(r.ExpiresAt),
		asynq.TaskID("expire:"+r.ID.String()),
		asynq.Queue(s.queue),
		asynq.MaxRetry(5),
	)
	if err != nil && !errors.Is(err, asynq.ErrTaskIDConflict) {
		return fmt.Errorf("reservations: enqueue expire task: %w", err)
	}
	return nil
}

// Listener schedules expiry for every new hold. Enqueue failures are logged;
// the sweeper still covers the hold.
func (s *ExpiryScheduler) Listener() Listener {
	return func(ctx context.Context, r Reservation) {
		if r.State != StateHeld {
			return
		}
		if err := s.Schedule(ctx, r); err != nil {
			s.logger.Warn("failed to schedule hold expiry", "reservation_id", r.ID, "error", err)
		}
	}
}

// ExpiryHandler processes TypeExpireHold tasks.
type ExpiryHandler struct {
	store  Store
	logger *logging.Logger
}

func NewExpiryHandler(store Store, logger *logging.Logger) *ExpiryHandler {
	if logger == nil {
		logger = logging.Default()
	}
	return &ExpiryHandler{store: store, logger: logger}
}

func (h *ExpiryHandler) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var p expirePayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("reservations: decode expire task: %v: %w", err, asynq.SkipRetry)
	}
	expired, err := h.store.ExpireIfDue(ctx, p.ReservationID)
	if errors.Is(err, ErrNotFound) {
		h.logger.Warn("expire task for unknown reservation", "reservation_id", p.ReservationID)
		return nil
	}
	if err != nil {
		return err
	}
	if expired {
		h.logger.Info("hold expired at deadline", "reservation_id", p.ReservationID)
	}
	return nil
}
