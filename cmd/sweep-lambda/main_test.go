package main

import (
	"context"
	"testing"
	"time"

	"cloud.google.com/go/civil"
	"github.com/aws/aws-lambda-go/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/telehealth-scheduling/internal/clock"
	"github.com/wolfman30/telehealth-scheduling/internal/reservations"
	"github.com/wolfman30/telehealth-scheduling/pkg/logging"
)

func TestHandleSweepsExpiredHolds(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewManual(time.Date(2026, 10, 18, 8, 0, 0, 0, time.UTC))
	store := reservations.NewMemoryStore(clk)
	for _, hour := range []int{9, 10} {
		_, err := store.Hold(ctx, reservations.HoldRequest{
			Slot:      reservations.SlotKey{PractitionerID: "dr-1", Date: civil.Date{Year: 2026, Month: 10, Day: 19}, Start: civil.Time{Hour: hour}},
			End:       civil.Time{Hour: hour, Minute: 30},
			PatientID: "patient-1",
			TTL:       10 * time.Minute,
		})
		require.NoError(t, err)
	}
	sweeper := reservations.NewSweeper(store, logging.Discard())
	evt := events.CloudWatchEvent{ID: "evt-1", Source: "aws.events"}

	got, err := handle(ctx, sweeper, evt, logging.Discard())
	require.NoError(t, err)
	assert.Equal(t, 0, got.Expired)

	clk.Advance(15 * time.Minute)
	got, err = handle(ctx, sweeper, evt, logging.Discard())
	require.NoError(t, err)
	assert.Equal(t, 2, got.Expired)
}
