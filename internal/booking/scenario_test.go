package booking

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/telehealth-scheduling/internal/availability"
	"github.com/wolfman30/telehealth-scheduling/internal/clock"
	"github.com/wolfman30/telehealth-scheduling/internal/payments"
	"github.com/wolfman30/telehealth-scheduling/internal/reservations"
	"github.com/wolfman30/telehealth-scheduling/internal/slots"
	"github.com/wolfman30/telehealth-scheduling/pkg/logging"
)

type scenario struct {
	ctx       context.Context
	schedules *availability.Service
	store     *reservations.MemoryStore
	finder    *slots.Finder
	svc       *Service
}

func newScenario(t *testing.T) *scenario {
	t.Helper()
	logger := logging.Discard()
	clk := clock.NewManual(time.Date(2026, 10, 18, 8, 0, 0, 0, time.UTC))
	schedules := availability.NewService(availability.NewMemoryStore(), clk, "UTC", logger)
	store := reservations.NewMemoryStore(clk)
	engine := NewEngine(schedules, store, payments.NewFakeGateway(0, logger), nil,
		EngineConfig{HoldTTL: 10 * time.Minute, Granularity: 30 * time.Minute}, clk, nil, logger)
	return &scenario{
		ctx:       context.Background(),
		schedules: schedules,
		store:     store,
		finder:    slots.NewFinder(schedules, store, logger, slots.WithClock(clk)),
		svc:       NewService(engine, NewMemorySnapshotStore(), DefaultFee, clk, logger),
	}
}

func (s *scenario) openMonday(t *testing.T) []string {
	t.Helper()
	page, err := s.finder.OpenSlots(s.ctx, slots.Query{
		PractitionerID: "pr-1",
		From:           monday,
		To:             monday.AddDays(1),
		Granularity:    30 * time.Minute,
		Limit:          100,
	})
	require.NoError(t, err)
	starts := make([]string, 0, len(page.Slots))
	for _, sl := range page.Slots {
		starts = append(starts, availability.FormatClock(sl.Start))
	}
	return starts
}

func TestMondayMorningBookingScenario(t *testing.T) {
	s := newScenario(t)
	_, err := s.schedules.Create(s.ctx, "pr-1", "UTC", false)
	require.NoError(t, err)
	_, err = s.schedules.ToggleDay(s.ctx, "pr-1", nil, availability.Monday, true)
	require.NoError(t, err)
	_, err = s.schedules.SetDayWindows(s.ctx, "pr-1", nil, availability.Monday,
		[]availability.TimeWindow{{Start: at(9, 0), End: at(12, 0)}})
	require.NoError(t, err)

	assert.Equal(t, []string{"09:00", "09:30", "10:00", "10:30", "11:00", "11:30"}, s.openMonday(t))

	a, err := s.svc.Create(s.ctx, CreateRequest{PractitionerID: "pr-1", PatientID: "patient-a"})
	require.NoError(t, err)
	b, err := s.svc.Create(s.ctx, CreateRequest{PractitionerID: "pr-1", PatientID: "patient-b"})
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, wf := range []*Workflow{a, b} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = s.svc.SelectSlot(s.ctx, wf.ID, monday, at(9, 0))
		}()
	}
	wg.Wait()

	winner, loser := a, b
	if errs[0] != nil {
		winner, loser = b, a
		errs[0], errs[1] = errs[1], errs[0]
	}
	require.NoError(t, errs[0])
	assert.ErrorIs(t, errs[1], reservations.ErrSlotUnavailable)

	got, err := s.svc.Get(s.ctx, loser.ID)
	require.NoError(t, err)
	assert.Equal(t, StateSelectingSlot, got.State)

	confirmed, err := s.svc.Pay(s.ctx, winner.ID, "")
	require.NoError(t, err)
	assert.Equal(t, StateConfirmed, confirmed.State)

	assert.Equal(t, []string{"09:30", "10:00", "10:30", "11:00", "11:30"}, s.openMonday(t))

	// Blocking the date afterwards keeps the confirmed booking and only stops new holds.
	_, err = s.schedules.BlockDate(s.ctx, "pr-1", nil, monday)
	require.NoError(t, err)
	assert.Empty(t, s.openMonday(t))

	r, err := s.store.Get(s.ctx, *confirmed.ReservationID)
	require.NoError(t, err)
	assert.Equal(t, reservations.StateConfirmed, r.State)

	_, err = s.svc.SelectSlot(s.ctx, loser.ID, monday, at(10, 0))
	assert.ErrorIs(t, err, reservations.ErrSlotUnavailable)
}
