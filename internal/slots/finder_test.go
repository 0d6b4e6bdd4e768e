package slots

import (
	"context"
	"errors"
	"testing"
	"time"

	"cloud.google.com/go/civil"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/telehealth-scheduling/internal/availability"
	"github.com/wolfman30/telehealth-scheduling/internal/clock"
	"github.com/wolfman30/telehealth-scheduling/internal/observability/metrics"
	"github.com/wolfman30/telehealth-scheduling/internal/reservations"
	"github.com/wolfman30/telehealth-scheduling/pkg/logging"
)

type stubSchedules struct {
	sched *availability.Schedule
	calls int
}

func (s *stubSchedules) Get(_ context.Context, id string) (*availability.Schedule, error) {
	s.calls++
	if s.sched == nil || s.sched.PractitionerID != id {
		return nil, availability.ErrNotFound
	}
	return s.sched.Clone(), nil
}

type failingLister struct{}

func (failingLister) ListNonTerminal(context.Context, string, civil.Date, civil.Date) ([]reservations.SlotKey, error) {
	return nil, errors.New("db down")
}

type finderFixture struct {
	finder *Finder
	store  *reservations.MemoryStore
	sched  *stubSchedules
	clock  *clock.Manual
	cache  *Cache
	reg    *prometheus.Registry
}

func newFinderFixture(t *testing.T) finderFixture {
	t.Helper()
	clk := clock.NewManual(time.Date(2026, 10, 18, 8, 0, 0, 0, time.UTC))
	store := reservations.NewMemoryStore(clk)
	sched := &stubSchedules{sched: defaultSchedule()}
	cache, err := NewCache(16)
	require.NoError(t, err)
	reg := prometheus.NewRegistry()
	f := NewFinder(sched, store, logging.Discard(),
		WithCache(cache),
		WithClock(clk),
		WithMetrics(metrics.NewSchedulingMetrics(reg)),
	)
	return finderFixture{finder: f, store: store, sched: sched, clock: clk, cache: cache, reg: reg}
}

func mondayQuery() Query {
	return Query{PractitionerID: "pr-1", From: monday, To: monday.AddDays(1), Granularity: 30 * time.Minute}
}

func TestOpenSlotsExcludesHeldAndConfirmed(t *testing.T) {
	fx := newFinderFixture(t)
	ctx := context.Background()

	held, err := fx.store.Hold(ctx, reservations.HoldRequest{
		Slot: reservations.SlotKey{PractitionerID: "pr-1", Date: monday, Start: clockAt(9, 0)},
		End:  clockAt(9, 30), PatientID: "pa-1", TTL: 10 * time.Minute,
	})
	require.NoError(t, err)
	booked, err := fx.store.Hold(ctx, reservations.HoldRequest{
		Slot: reservations.SlotKey{PractitionerID: "pr-1", Date: monday, Start: clockAt(14, 0)},
		End:  clockAt(14, 30), PatientID: "pa-2", TTL: 10 * time.Minute,
	})
	require.NoError(t, err)
	_, err = fx.store.Confirm(ctx, booked.ID)
	require.NoError(t, err)

	page, err := fx.finder.OpenSlots(ctx, mondayQuery())
	require.NoError(t, err)
	require.Len(t, page.Slots, 10)
	for _, s := range page.Slots {
		assert.NotEqual(t, held.Slot, s.Key())
		assert.NotEqual(t, booked.Slot, s.Key())
	}

	_, err = fx.store.Release(ctx, held.ID)
	require.NoError(t, err)
	page, err = fx.finder.OpenSlots(ctx, mondayQuery())
	require.NoError(t, err)
	assert.Len(t, page.Slots, 11, "released slot reappears")
}

func TestOpenSlotsExpiredHoldFreesSlot(t *testing.T) {
	fx := newFinderFixture(t)
	ctx := context.Background()
	_, err := fx.store.Hold(ctx, reservations.HoldRequest{
		Slot: reservations.SlotKey{PractitionerID: "pr-1", Date: monday, Start: clockAt(9, 0)},
		End:  clockAt(9, 30), PatientID: "pa-1", TTL: 10 * time.Minute,
	})
	require.NoError(t, err)
	fx.clock.Advance(10 * time.Minute)

	page, err := fx.finder.OpenSlots(ctx, mondayQuery())
	require.NoError(t, err)
	assert.Len(t, page.Slots, 12)
}

func TestOpenSlotsHidesPastSlots(t *testing.T) {
	fx := newFinderFixture(t)
	fx.clock.Set(time.Date(2026, 10, 19, 10, 0, 0, 0, time.UTC))

	page, err := fx.finder.OpenSlots(context.Background(), mondayQuery())
	require.NoError(t, err)
	require.Len(t, page.Slots, 10)
	assert.Equal(t, clockAt(10, 0), page.Slots[0].Start)
}

func TestOpenSlotsUsesScheduleTimezone(t *testing.T) {
	fx := newFinderFixture(t)
	fx.sched.sched.Timezone = "Asia/Kolkata"
	// 04:00 UTC is 09:30 in Kolkata.
	fx.clock.Set(time.Date(2026, 10, 19, 4, 0, 0, 0, time.UTC))

	page, err := fx.finder.OpenSlots(context.Background(), mondayQuery())
	require.NoError(t, err)
	require.NotEmpty(t, page.Slots)
	assert.Equal(t, clockAt(9, 30), page.Slots[0].Start)
}

func TestOpenSlotsCachesByRevision(t *testing.T) {
	fx := newFinderFixture(t)
	ctx := context.Background()

	_, err := fx.finder.OpenSlots(ctx, mondayQuery())
	require.NoError(t, err)
	_, err = fx.finder.OpenSlots(ctx, mondayQuery())
	require.NoError(t, err)
	assert.Equal(t, 1, fx.cache.Len())
	assert.Equal(t, 1.0, counterValue(t, fx.reg, "hit"))
	assert.Equal(t, 1.0, counterValue(t, fx.reg, "miss"))

	require.NoError(t, fx.sched.sched.BlockDate(monday))
	page, err := fx.finder.OpenSlots(ctx, mondayQuery())
	require.NoError(t, err)
	assert.Empty(t, page.Slots, "new revision is expanded fresh")
	assert.Equal(t, 2, fx.cache.Len())

	fx.cache.ScheduleListener()(ctx, fx.sched.sched)
	assert.Zero(t, fx.cache.Len())
}

func TestOpenSlotsErrors(t *testing.T) {
	fx := newFinderFixture(t)
	ctx := context.Background()

	q := mondayQuery()
	q.Granularity = 0
	_, err := fx.finder.OpenSlots(ctx, q)
	assert.ErrorIs(t, err, ErrInvalidGranularity)

	q = mondayQuery()
	q.To = q.From.AddDays(90)
	_, err = fx.finder.OpenSlots(ctx, q)
	assert.ErrorIs(t, err, ErrRangeTooLarge)

	q = mondayQuery()
	q.PractitionerID = "nobody"
	_, err = fx.finder.OpenSlots(ctx, q)
	assert.ErrorIs(t, err, availability.ErrNotFound)

	f := NewFinder(fx.sched, failingLister{}, logging.Discard())
	_, err = f.OpenSlots(ctx, mondayQuery())
	assert.Error(t, err)
}

func counterValue(t *testing.T, reg *prometheus.Registry, result string) float64 {
	t.Helper()
	samples, err := metrics.SnapshotCounters(reg, "telehealth_slots_cache_requests_total")
	require.NoError(t, err)
	for _, s := range samples {
		if s.Labels["result"] == result {
			return s.Value
		}
	}
	return 0
}
