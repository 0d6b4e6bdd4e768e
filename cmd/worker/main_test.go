package main

import (
	"context"
	"testing"
	"time"

	"cloud.google.com/go/civil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/telehealth-scheduling/internal/clock"
	appconfig "github.com/wolfman30/telehealth-scheduling/internal/config"
	"github.com/wolfman30/telehealth-scheduling/internal/reservations"
	"github.com/wolfman30/telehealth-scheduling/pkg/logging"
)

func TestNewWorkerRequiresPostgresReservations(t *testing.T) {
	_, err := newWorker(&appconfig.Config{ReservationBackend: appconfig.BackendMemory}, nil, nil, nil, logging.Discard())
	assert.ErrorContains(t, err, "RESERVATION_BACKEND=postgres")

	_, err = newWorker(&appconfig.Config{ReservationBackend: appconfig.BackendPostgres}, nil, nil, nil, logging.Discard())
	assert.Error(t, err)
}

func TestTaskMuxExpiresDueHold(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewManual(time.Date(2026, 10, 18, 8, 0, 0, 0, time.UTC))
	store := reservations.NewMemoryStore(clk)
	r, err := store.Hold(ctx, reservations.HoldRequest{
		Slot:      reservations.SlotKey{PractitionerID: "dr-1", Date: civil.Date{Year: 2026, Month: 10, Day: 19}, Start: civil.Time{Hour: 10}},
		End:       civil.Time{Hour: 10, Minute: 30},
		PatientID: "patient-1",
		TTL:       10 * time.Minute,
	})
	require.NoError(t, err)

	task, err := reservations.NewExpireTask(r.ID)
	require.NoError(t, err)
	mux := newTaskMux(store, logging.Discard())

	require.NoError(t, mux.ProcessTask(ctx, task))
	got, err := store.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, reservations.StateHeld, got.State)

	clk.Advance(11 * time.Minute)
	require.NoError(t, mux.ProcessTask(ctx, task))
	got, err = store.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, reservations.StateExpired, got.State)
}
