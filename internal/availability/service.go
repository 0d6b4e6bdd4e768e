package availability

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/civil"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/wolfman30/telehealth-scheduling/internal/clock"
	"github.com/wolfman30/telehealth-scheduling/pkg/logging"
)

var availabilityTracer = otel.Tracer("telehealth.internal.availability")

var (
	// ErrAlreadyExists is returned by Create for a practitioner that already has a schedule.
	ErrAlreadyExists = errors.New("availability: schedule already exists")
	// ErrInvalidTimezone is returned for an unknown IANA zone name.
	ErrInvalidTimezone = errors.New("availability: invalid timezone")
)

const maxSaveAttempts = 3

// ChangeListener is told about every committed schedule change.
type ChangeListener func(ctx context.Context, schedule *Schedule)

// Service applies practitioner edits to stored schedules. Writes are
// last-writer-wins guarded by the revision counter: a caller that supplies the
// revision it read gets ErrStaleRevision on conflict; a caller that does not is
// retried against the fresh copy.
type Service struct {
	store           Store
	clock           clock.Clock
	logger          *logging.Logger
	defaultTimezone string
	listeners       []ChangeListener
}

// NewService constructs an availability service.
func NewService(store Store, clk clock.Clock, defaultTimezone string, logger *logging.Logger) *Service {
	if store == nil {
		panic("availability: store required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	if defaultTimezone == "" {
		defaultTimezone = "UTC"
	}
	return &Service{
		store:           store,
		clock:           clock.OrSystem(clk),
		logger:          logger,
		defaultTimezone: defaultTimezone,
	}
}

// OnChange registers a listener. Not safe to call concurrently with edits.
func (s *Service) OnChange(l ChangeListener) {
	if l != nil {
		s.listeners = append(s.listeners, l)
	}
}

// Get returns the stored schedule or ErrNotFound.
func (s *Service) Get(ctx context.Context, practitionerID string) (*Schedule, error) {
	return s.store.Get(ctx, practitionerID)
}

// Create stores a new schedule seeded from the default template when
// useDefaultTemplate is set, or with every day disabled otherwise.
func (s *Service) Create(ctx context.Context, practitionerID, timezone string, useDefaultTemplate bool) (*Schedule, error) {
	if timezone == "" {
		timezone = s.defaultTimezone
	}
	if _, err := time.LoadLocation(timezone); err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidTimezone, timezone)
	}
	sched := NewSchedule(practitionerID, timezone)
	if useDefaultTemplate {
		sched.Week = DefaultWeek()
	}
	sched.Revision = 1
	sched.UpdatedAt = s.clock.Now()
	if err := s.store.Save(ctx, sched, 0); err != nil {
		if errors.Is(err, ErrStaleRevision) {
			return nil, ErrAlreadyExists
		}
		return nil, err
	}
	s.notify(ctx, sched)
	return sched, nil
}

// SetDayWindows replaces one day's windows.
func (s *Service) SetDayWindows(ctx context.Context, practitionerID string, ifMatch *int64, day Weekday, windows []TimeWindow) (*Schedule, error) {
	return s.mutate(ctx, practitionerID, ifMatch, "set_day_windows", func(sc *Schedule) error {
		return sc.SetDayWindows(day, windows)
	})
}

// AddWindow appends one window to a day.
func (s *Service) AddWindow(ctx context.Context, practitionerID string, ifMatch *int64, day Weekday, w TimeWindow) (*Schedule, error) {
	return s.mutate(ctx, practitionerID, ifMatch, "add_window", func(sc *Schedule) error {
		return sc.AddWindow(day, w)
	})
}

// RemoveWindow drops one window from a day.
func (s *Service) RemoveWindow(ctx context.Context, practitionerID string, ifMatch *int64, day Weekday, index int) (*Schedule, error) {
	return s.mutate(ctx, practitionerID, ifMatch, "remove_window", func(sc *Schedule) error {
		return sc.RemoveWindow(day, index)
	})
}

// ToggleDay enables or disables a weekday.
func (s *Service) ToggleDay(ctx context.Context, practitionerID string, ifMatch *int64, day Weekday, enabled bool) (*Schedule, error) {
	return s.mutate(ctx, practitionerID, ifMatch, "toggle_day", func(sc *Schedule) error {
		return sc.ToggleDay(day, enabled)
	})
}

// BlockDate blocks a calendar date. Confirmed reservations on it are kept.
func (s *Service) BlockDate(ctx context.Context, practitionerID string, ifMatch *int64, date civil.Date) (*Schedule, error) {
	return s.mutate(ctx, practitionerID, ifMatch, "block_date", func(sc *Schedule) error {
		return sc.BlockDate(date)
	})
}

// UnblockDate removes a calendar date from the blocked set.
func (s *Service) UnblockDate(ctx context.Context, practitionerID string, ifMatch *int64, date civil.Date) (*Schedule, error) {
	return s.mutate(ctx, practitionerID, ifMatch, "unblock_date", func(sc *Schedule) error {
		return sc.UnblockDate(date)
	})
}

func (s *Service) mutate(ctx context.Context, practitionerID string, ifMatch *int64, op string, apply func(*Schedule) error) (*Schedule, error) {
	ctx, span := availabilityTracer.Start(ctx, "availability."+op)
	defer span.End()
	span.SetAttributes(attribute.String("telehealth.practitioner_id", practitionerID))

	attempts := maxSaveAttempts
	if ifMatch != nil {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		sched, err := s.store.Get(ctx, practitionerID)
		if errors.Is(err, ErrNotFound) {
			// First edit seeds the practitioner from the default template.
			sched = NewSchedule(practitionerID, s.defaultTimezone)
			sched.Week = DefaultWeek()
		} else if err != nil {
			span.RecordError(err)
			return nil, err
		}
		expected := sched.Revision
		if ifMatch != nil && *ifMatch != expected {
			return nil, ErrStaleRevision
		}

		before := sched.Revision
		if err := apply(sched); err != nil {
			return nil, err
		}
		if sched.Revision == before && expected != 0 {
			return sched, nil
		}
		if expected == 0 && sched.Revision == 0 {
			sched.Revision = 1
		}
		sched.UpdatedAt = s.clock.Now()

		err = s.store.Save(ctx, sched, expected)
		if err == nil {
			span.SetAttributes(attribute.Int64("telehealth.revision", sched.Revision))
			s.logger.Info("availability updated", "practitioner_id", practitionerID, "op", op, "revision", sched.Revision)
			s.notify(ctx, sched)
			return sched, nil
		}
		if !errors.Is(err, ErrStaleRevision) {
			span.RecordError(err)
			return nil, err
		}
		lastErr = err
		s.logger.Debug("availability save raced, retrying", "practitioner_id", practitionerID, "op", op, "attempt", attempt+1)
	}
	return nil, lastErr
}

func (s *Service) notify(ctx context.Context, sched *Schedule) {
	for _, l := range s.listeners {
		l(ctx, sched.Clone())
	}
}
