package reservations

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/wolfman30/telehealth-scheduling/internal/observability/metrics"
)

// Listener is told about every reservation that changed state.
type Listener func(ctx context.Context, r Reservation)

// ObservedStore records metrics for each store call and fans state changes out
// to listeners (slot cache, realtime feed, expiry scheduling).
type ObservedStore struct {
	Store
	metrics   *metrics.SchedulingMetrics
	listeners []Listener
}

// Observe wraps inner. A nil metrics value disables instrumentation.
func Observe(inner Store, m *metrics.SchedulingMetrics, listeners ...Listener) *ObservedStore {
	return &ObservedStore{Store: inner, metrics: m, listeners: listeners}
}

// AddListener registers another listener. Not safe for concurrent use with store calls.
func (o *ObservedStore) AddListener(l Listener) {
	if l != nil {
		o.listeners = append(o.listeners, l)
	}
}

func (o *ObservedStore) Hold(ctx context.Context, req HoldRequest) (*Reservation, error) {
	r, err := o.Store.Hold(ctx, req)
	switch {
	case err == nil:
		if r.Reclaimed != nil {
			o.metrics.ObserveExpired("lazy", 1)
			o.emit(ctx, *r.Reclaimed)
		}
		o.metrics.ObserveHold("held")
		o.emit(ctx, *r)
	case errors.Is(err, ErrSlotUnavailable):
		o.metrics.ObserveHold("unavailable")
	case errors.Is(err, ErrInvalidHold):
		o.metrics.ObserveHold("invalid")
	default:
		o.metrics.ObserveHold("error")
	}
	return r, err
}

func (o *ObservedStore) Confirm(ctx context.Context, id uuid.UUID) (*Reservation, error) {
	r, err := o.Store.Confirm(ctx, id)
	switch {
	case err == nil:
		o.metrics.ObserveConfirm("confirmed")
		o.emit(ctx, *r)
	case errors.Is(err, ErrExpired):
		o.metrics.ObserveConfirm("expired")
		o.metrics.ObserveExpired("lazy", 1)
		o.emitByID(ctx, id)
	case errors.Is(err, ErrReleased):
		o.metrics.ObserveConfirm("released")
	case errors.Is(err, ErrNotFound):
		o.metrics.ObserveConfirm("not_found")
	default:
		o.metrics.ObserveConfirm("error")
	}
	return r, err
}

func (o *ObservedStore) Release(ctx context.Context, id uuid.UUID) (*Reservation, error) {
	r, err := o.Store.Release(ctx, id)
	if err != nil {
		return r, err
	}
	o.metrics.ObserveRelease(string(r.State))
	o.emit(ctx, *r)
	return r, nil
}

func (o *ObservedStore) SweepExpired(ctx context.Context) ([]Reservation, error) {
	expired, err := o.Store.SweepExpired(ctx)
	if err != nil {
		return expired, err
	}
	o.metrics.ObserveExpired("sweep", len(expired))
	for _, r := range expired {
		o.emit(ctx, r)
	}
	return expired, nil
}

func (o *ObservedStore) ExpireIfDue(ctx context.Context, id uuid.UUID) (bool, error) {
	expired, err := o.Store.ExpireIfDue(ctx, id)
	if err == nil && expired {
		o.metrics.ObserveExpired("task", 1)
		o.emitByID(ctx, id)
	}
	return expired, err
}

func (o *ObservedStore) emit(ctx context.Context, r Reservation) {
	for _, l := range o.listeners {
		l(ctx, r)
	}
}

func (o *ObservedStore) emitByID(ctx context.Context, id uuid.UUID) {
	if len(o.listeners) == 0 {
		return
	}
	if r, err := o.Store.Get(ctx, id); err == nil {
		o.emit(ctx, *r)
	}
}
