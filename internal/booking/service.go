package booking

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"cloud.google.com/go/civil"
	"github.com/google/uuid"

	"github.com/wolfman30/telehealth-scheduling/internal/clock"
	"github.com/wolfman30/telehealth-scheduling/internal/payments"
	"github.com/wolfman30/telehealth-scheduling/pkg/logging"
)

// Fee is the consultation price in minor units.
type Fee struct {
	Amount   int64
	Currency string
}

// DefaultFee is 500 INR.
var DefaultFee = Fee{Amount: 50000, Currency: "inr"}

// CreateRequest starts a workflow.
type CreateRequest struct {
	PractitionerID string `json:"practitioner_id"`
	PatientID      string `json:"patient_id"`
	Notes          string `json:"notes"`
}

const maxNotesLength = 2000

func (r CreateRequest) Validate() error {
	switch {
	case strings.TrimSpace(r.PractitionerID) == "":
		return fmt.Errorf("%w: practitioner_id is required", ErrInvalidRequest)
	case strings.TrimSpace(r.PatientID) == "":
		return fmt.Errorf("%w: patient_id is required", ErrInvalidRequest)
	case len(r.Notes) > maxNotesLength:
		return fmt.Errorf("%w: notes exceed %d characters", ErrInvalidRequest, maxNotesLength)
	}
	return nil
}

// Service owns workflow instances. Operations on one workflow are serialised;
// while its payment is in flight every other mutation gets ErrBusy and Get
// returns the last snapshot.
type Service struct {
	engine *Engine
	store  SnapshotStore
	clock  clock.Clock
	fee    Fee
	logger *logging.Logger

	mu      sync.Mutex
	entries map[uuid.UUID]*entry
}

type entry struct {
	mu     sync.Mutex
	refs   int
	paying bool
}

func NewService(engine *Engine, store SnapshotStore, fee Fee, clk clock.Clock, logger *logging.Logger) *Service {
	if logger == nil {
		logger = logging.Default()
	}
	if fee.Amount <= 0 || fee.Currency == "" {
		fee = DefaultFee
	}
	return &Service{
		engine:  engine,
		store:   store,
		clock:   clock.OrSystem(clk),
		fee:     fee,
		logger:  logger,
		entries: make(map[uuid.UUID]*entry),
	}
}

// Create starts a workflow in selecting_slot.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Workflow, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	now := s.clock.Now()
	wf := &Workflow{
		ID:             uuid.New(),
		PractitionerID: strings.TrimSpace(req.PractitionerID),
		PatientID:      strings.TrimSpace(req.PatientID),
		Notes:          strings.TrimSpace(req.Notes),
		Amount:         s.fee.Amount,
		Currency:       s.fee.Currency,
		State:          StateSelectingSlot,
		CreatedAt:      now,
		UpdatedAt:      now,
		Version:        1,
	}
	if err := s.store.Save(ctx, wf, 0); err != nil {
		return nil, fmt.Errorf("booking: save workflow: %w", err)
	}
	s.logger.Info("booking started", "workflow_id", wf.ID, "practitioner_id", wf.PractitionerID)
	return wf.Clone(), nil
}

// Get syncs the workflow with its hold and returns it. During a payment it
// returns the stored snapshot untouched.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Workflow, error) {
	e := s.acquire(id)
	defer s.release(id, e)
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.paying {
		return s.store.Get(ctx, id)
	}
	wf, err := s.apply(ctx, id, s.engine.Sync)
	if err != nil && wf == nil {
		return nil, err
	}
	if err != nil {
		s.logger.Warn("booking sync failed", "workflow_id", id, "error", err)
	}
	return wf, nil
}

func (s *Service) SelectSlot(ctx context.Context, id uuid.UUID, date civil.Date, start civil.Time) (*Workflow, error) {
	return s.mutate(ctx, id, func(ctx context.Context, wf *Workflow) error {
		return s.engine.SelectSlot(ctx, wf, date, start)
	})
}

func (s *Service) Cancel(ctx context.Context, id uuid.UUID) (*Workflow, error) {
	return s.mutate(ctx, id, s.engine.Cancel)
}

// Pay charges the workflow once. The workflow lock is dropped for the gateway
// call and the charge is not tied to the caller's cancellation.
func (s *Service) Pay(ctx context.Context, id uuid.UUID, paymentMethod string) (*Workflow, error) {
	e := s.acquire(id)
	defer s.release(id, e)

	e.mu.Lock()
	if e.paying {
		e.mu.Unlock()
		return nil, ErrBusy
	}
	var req payments.ChargeRequest
	wf, err := s.apply(ctx, id, func(ctx context.Context, wf *Workflow) error {
		var err error
		req, err = s.engine.PreparePayment(ctx, wf, paymentMethod)
		return err
	})
	if err != nil {
		e.mu.Unlock()
		return wf, err
	}
	e.paying = true
	e.mu.Unlock()

	ctx = context.WithoutCancel(ctx)
	receipt, chargeErr := s.engine.Charge(ctx, req)

	e.mu.Lock()
	defer e.mu.Unlock()
	e.paying = false
	wf, err = s.apply(ctx, id, func(ctx context.Context, wf *Workflow) error {
		return s.engine.CompletePayment(ctx, wf, receipt, chargeErr)
	})
	if wf == nil && receipt != nil {
		s.logger.Error("charged workflow could not be updated",
			"workflow_id", id, "receipt_id", receipt.ID, "provider", receipt.Provider, "error", err)
	}
	return wf, err
}

func (s *Service) mutate(ctx context.Context, id uuid.UUID, op func(context.Context, *Workflow) error) (*Workflow, error) {
	e := s.acquire(id)
	defer s.release(id, e)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.paying {
		return nil, ErrBusy
	}
	return s.apply(ctx, id, op)
}

// apply loads the snapshot, runs op on a copy, and saves the copy if op
// changed it. It returns the resulting workflow together with op's error;
// the workflow is nil only when loading or saving failed.
func (s *Service) apply(ctx context.Context, id uuid.UUID, op func(context.Context, *Workflow) error) (*Workflow, error) {
	current, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	next := current.Clone()
	opErr := op(ctx, next)
	if reflect.DeepEqual(current, next) {
		return next, opErr
	}
	next.Version = current.Version + 1
	if err := s.store.Save(ctx, next, current.Version); err != nil {
		return nil, fmt.Errorf("booking: save workflow: %w", err)
	}
	return next.Clone(), opErr
}

func (s *Service) acquire(id uuid.UUID) *entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		e = &entry{}
		s.entries[id] = e
	}
	e.refs++
	return e
}

func (s *Service) release(id uuid.UUID, e *entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(s.entries, id)
	}
}
