package bootstrap

import (
	"fmt"

	"github.com/wolfman30/telehealth-scheduling/internal/availability"
	"github.com/wolfman30/telehealth-scheduling/internal/booking"
	"github.com/wolfman30/telehealth-scheduling/internal/clock"
	appconfig "github.com/wolfman30/telehealth-scheduling/internal/config"
	"github.com/wolfman30/telehealth-scheduling/internal/events"
	"github.com/wolfman30/telehealth-scheduling/internal/observability/metrics"
	"github.com/wolfman30/telehealth-scheduling/internal/payments"
	"github.com/wolfman30/telehealth-scheduling/internal/reservations"
	"github.com/wolfman30/telehealth-scheduling/internal/slots"
	"github.com/wolfman30/telehealth-scheduling/pkg/logging"
)

// Scheduling is the assembled domain: schedules, reservations, slot search
// and the booking workflow, sharing one outbox.
type Scheduling struct {
	Schedules    *availability.Service
	Reservations *reservations.ObservedStore
	Outbox       events.Outbox
	Cache        *slots.Cache
	Finder       *slots.Finder
	Gateway      payments.Gateway
	Bookings     *booking.Service
}

// BuildScheduling wires the domain services over the selected backends.
// Schedule edits invalidate the slot cache and every schedule and
// reservation change is written to the outbox.
func BuildScheduling(cfg *appconfig.Config, res *Resources, clk clock.Clock, m *metrics.SchedulingMetrics, logger *logging.Logger) (*Scheduling, error) {
	if cfg == nil {
		return nil, fmt.Errorf("bootstrap: config is required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	clk = clock.OrSystem(clk)

	availStore, err := BuildAvailabilityStore(cfg, res)
	if err != nil {
		return nil, err
	}
	resStore, err := BuildReservationStore(cfg, res, clk)
	if err != nil {
		return nil, err
	}
	snapshots, err := BuildSnapshotStore(cfg, res, logger)
	if err != nil {
		return nil, err
	}
	cache, err := slots.NewCache(cfg.SlotCacheSize)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: slot cache: %w", err)
	}
	outbox := BuildOutbox(res)

	schedules := availability.NewService(availStore, clk, cfg.DefaultTimezone, logger)
	schedules.OnChange(cache.ScheduleListener())
	schedules.OnChange(ScheduleEvents(outbox, logger))

	store := reservations.Observe(resStore, m, ReservationEvents(outbox, logger))

	finder := slots.NewFinder(schedules, store, logger,
		slots.WithCache(cache),
		slots.WithMetrics(m),
		slots.WithMaxRangeDays(cfg.MaxSlotRangeDays),
		slots.WithClock(clk),
	)

	gateway := BuildPaymentGateway(cfg, logger)
	engine := booking.NewEngine(schedules, store, gateway,
		booking.NewOutboxReporter(outbox, m, logger),
		booking.EngineConfig{HoldTTL: cfg.HoldTTL, Granularity: cfg.SlotGranularity},
		clk, m, logger)
	fee := booking.Fee{Amount: cfg.ConsultationFeeMinor, Currency: cfg.ConsultationCurrency}

	return &Scheduling{
		Schedules:    schedules,
		Reservations: store,
		Outbox:       outbox,
		Cache:        cache,
		Finder:       finder,
		Gateway:      gateway,
		Bookings:     booking.NewService(engine, snapshots, fee, clk, logger),
	}, nil
}
