package reservations

import (
	"context"
	"time"

	"github.com/wolfman30/telehealth-scheduling/pkg/logging"
)

// Sweeper periodically expires holds whose TTL elapsed without a confirm.
type Sweeper struct {
	store    Store
	logger   *logging.Logger
	interval time.Duration
}

func NewSweeper(store Store, logger *logging.Logger) *Sweeper {
	if logger == nil {
		logger = logging.Default()
	}
	return &Sweeper{store: store, logger: logger, interval: 30 * time.Second}
}

func (s *Sweeper) WithInterval(interval time.Duration) *Sweeper {
	if interval > 0 {
		s.interval = interval
	}
	return s
}

// Start sweeps on every tick until ctx is cancelled.
func (s *Sweeper) Start(ctx context.Context) {
	if s.store == nil {
		return
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.SweepOnce(ctx); err != nil {
				s.logger.Error("reservation sweep failed", "error", err)
			}
		}
	}
}

// SweepOnce runs a single sweep and returns how many holds expired.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	expired, err := s.store.SweepExpired(ctx)
	if err != nil {
		return 0, err
	}
	for _, r := range expired {
		s.logger.Info("hold expired", "reservation_id", r.ID, "slot", r.Slot.String(), "patient_id", r.PatientID)
	}
	return len(expired), nil
}
