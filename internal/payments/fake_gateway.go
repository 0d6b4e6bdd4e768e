package payments

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wolfman30/telehealth-scheduling/pkg/logging"
)

// Payment method tokens the fake gateway treats specially.
const (
	FakeMethodDeclined = "pm_fake_declined"
	FakeMethodError    = "pm_fake_error"
)

// FakeGateway approves every charge after a delay unless the payment method is
// one of the FakeMethod tokens or a failure was queued with FailNext.
//
// This must only be enabled outside production (PAYMENT_PROVIDER=fake).
type FakeGateway struct {
	delay  time.Duration
	logger *logging.Logger

	mu       sync.Mutex
	queued   []error
	receipts map[uuid.UUID]*Receipt
	calls    map[uuid.UUID]int
}

func NewFakeGateway(delay time.Duration, logger *logging.Logger) *FakeGateway {
	if logger == nil {
		logger = logging.Default()
	}
	return &FakeGateway{
		delay:    delay,
		logger:   logger,
		receipts: make(map[uuid.UUID]*Receipt),
		calls:    make(map[uuid.UUID]int),
	}
}

// FailNext makes the next charge return err (a *DeclinedError or *TransientError).
func (g *FakeGateway) FailNext(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.queued = append(g.queued, err)
}

// Calls reports how many times Charge ran for a reservation.
func (g *FakeGateway) Calls(reservationID uuid.UUID) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls[reservationID]
}

func (g *FakeGateway) Charge(ctx context.Context, req ChargeRequest) (*Receipt, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	g.mu.Lock()
	g.calls[req.ReservationID]++
	if r, ok := g.receipts[req.ReservationID]; ok {
		g.mu.Unlock()
		cp := *r
		return &cp, nil
	}
	var injected error
	if len(g.queued) > 0 {
		injected = g.queued[0]
		g.queued = g.queued[1:]
	}
	g.mu.Unlock()

	if g.delay > 0 {
		timer := time.NewTimer(g.delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, &TransientError{Err: ctx.Err()}
		case <-timer.C:
		}
	}

	switch {
	case injected != nil:
		return nil, injected
	case req.PaymentMethod == FakeMethodDeclined:
		return nil, &DeclinedError{Reason: "card declined", Code: "card_declined"}
	case req.PaymentMethod == FakeMethodError:
		return nil, &TransientError{Err: errors.New("simulated processor outage")}
	}

	receipt := &Receipt{ID: "fake_" + uuid.NewString(), Provider: "fake"}
	g.mu.Lock()
	g.receipts[req.ReservationID] = receipt
	g.mu.Unlock()

	g.logger.Info("fake payment captured", "reservation_id", req.ReservationID, "amount", req.Amount, "currency", req.Currency)
	cp := *receipt
	return &cp, nil
}
