package slots

import (
	"context"
	"fmt"
	"slices"
	"time"

	"cloud.google.com/go/civil"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/wolfman30/telehealth-scheduling/internal/availability"
	"github.com/wolfman30/telehealth-scheduling/internal/clock"
	"github.com/wolfman30/telehealth-scheduling/internal/observability/metrics"
	"github.com/wolfman30/telehealth-scheduling/internal/reservations"
	"github.com/wolfman30/telehealth-scheduling/pkg/logging"
)

var slotsTracer = otel.Tracer("telehealth.internal.slots")

// ScheduleSource loads a practitioner's schedule.
type ScheduleSource interface {
	Get(ctx context.Context, practitionerID string) (*availability.Schedule, error)
}

// TakenLister reports held or confirmed slot keys in [from, to).
type TakenLister interface {
	ListNonTerminal(ctx context.Context, practitionerID string, from, to civil.Date) ([]reservations.SlotKey, error)
}

// Query selects one page of open slots.
type Query struct {
	PractitionerID string
	From           civil.Date
	To             civil.Date
	Granularity    time.Duration
	Cursor         string
	Limit          int
}

// Finder answers "which slots can a patient pick right now".
type Finder struct {
	schedules ScheduleSource
	taken     TakenLister
	cache     *Cache
	clock     clock.Clock
	metrics   *metrics.SchedulingMetrics
	logger    *logging.Logger
	maxDays   int
}

// FinderOption customises a Finder.
type FinderOption func(*Finder)

func WithCache(c *Cache) FinderOption { return func(f *Finder) { f.cache = c } }

func WithMetrics(m *metrics.SchedulingMetrics) FinderOption {
	return func(f *Finder) { f.metrics = m }
}

func WithMaxRangeDays(days int) FinderOption { return func(f *Finder) { f.maxDays = days } }

func WithClock(c clock.Clock) FinderOption { return func(f *Finder) { f.clock = c } }

func NewFinder(schedules ScheduleSource, taken TakenLister, logger *logging.Logger, opts ...FinderOption) *Finder {
	if logger == nil {
		logger = logging.Default()
	}
	f := &Finder{
		schedules: schedules,
		taken:     taken,
		clock:     clock.NewSystem(),
		logger:    logger,
		maxDays:   62,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// OpenSlots returns one page of slots that are offered, not taken and not in
// the past (in the practitioner's timezone).
func (f *Finder) OpenSlots(ctx context.Context, q Query) (Page, error) {
	ctx, span := slotsTracer.Start(ctx, "slots.open")
	defer span.End()
	span.SetAttributes(
		attribute.String("practitioner.id", q.PractitionerID),
		attribute.String("slots.from", q.From.String()),
		attribute.String("slots.to", q.To.String()),
	)

	if err := ValidateGranularity(q.Granularity); err != nil {
		return Page{}, err
	}
	if err := ValidateRange(q.From, q.To, f.maxDays); err != nil {
		return Page{}, err
	}

	sched, err := f.schedules.Get(ctx, q.PractitionerID)
	if err != nil {
		span.RecordError(err)
		return Page{}, err
	}
	all := f.expand(sched, q)

	keys, err := f.taken.ListNonTerminal(ctx, q.PractitionerID, q.From, q.To)
	if err != nil {
		span.RecordError(err)
		return Page{}, fmt.Errorf("slots: list reservations: %w", err)
	}

	loc := sched.Location()
	now := f.clock.Now()
	upcoming := func(yield func(Slot) bool) {
		for _, s := range all {
			if s.StartsAt(loc).Before(now) {
				continue
			}
			if !yield(s) {
				return
			}
		}
	}

	page, err := Paginate(Open(upcoming, TakenSet(keys)), q.Cursor, q.Limit)
	if err != nil {
		return Page{}, err
	}
	span.SetAttributes(attribute.Int("slots.returned", len(page.Slots)))
	return page, nil
}

func (f *Finder) expand(sched *availability.Schedule, q Query) []Slot {
	key := cacheKey{
		PractitionerID: sched.PractitionerID,
		Revision:       sched.Revision,
		From:           q.From,
		To:             q.To,
		Granularity:    q.Granularity,
	}
	if cached, ok := f.cache.get(key); ok {
		f.metrics.ObserveSlotCache(true)
		return cached
	}
	all := slices.Collect(Expand(sched, q.From, q.To, q.Granularity))
	if f.cache != nil {
		f.metrics.ObserveSlotCache(false)
		f.cache.add(key, all)
	}
	return all
}
