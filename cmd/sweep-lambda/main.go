package main

import (
	"context"
	"fmt"
	"os"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"

	"github.com/wolfman30/telehealth-scheduling/internal/app/bootstrap"
	"github.com/wolfman30/telehealth-scheduling/internal/clock"
	appconfig "github.com/wolfman30/telehealth-scheduling/internal/config"
	"github.com/wolfman30/telehealth-scheduling/internal/reservations"
	"github.com/wolfman30/telehealth-scheduling/pkg/logging"
)

type sweepResult struct {
	Expired int `json:"expired"`
}

func main() {
	cfg, err := appconfig.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logger := logging.New(cfg.LogLevel)
	if cfg.ReservationBackend != appconfig.BackendPostgres {
		logger.Error("sweep lambda requires RESERVATION_BACKEND=postgres", "backend", cfg.ReservationBackend)
		os.Exit(1)
	}

	res, err := bootstrap.OpenResources(context.Background(), cfg, logger)
	if err != nil {
		logger.Error("failed to open resources", "error", err)
		os.Exit(1)
	}
	defer res.Close()

	inner, err := bootstrap.BuildReservationStore(cfg, res, clock.NewSystem())
	if err != nil {
		logger.Error("failed to build reservation store", "error", err)
		os.Exit(1)
	}
	store := reservations.Observe(inner, nil, bootstrap.ReservationEvents(bootstrap.BuildOutbox(res), logger))
	sweeper := reservations.NewSweeper(store, logger)

	lambda.Start(func(ctx context.Context, evt events.CloudWatchEvent) (sweepResult, error) {
		return handle(ctx, sweeper, evt, logger)
	})
}

// handle runs one sweep per scheduled event.
func handle(ctx context.Context, sweeper *reservations.Sweeper, evt events.CloudWatchEvent, logger *logging.Logger) (sweepResult, error) {
	n, err := sweeper.SweepOnce(ctx)
	if err != nil {
		return sweepResult{}, fmt.Errorf("sweep: %w", err)
	}
	logger.Info("sweep complete", "expired", n, "event_id", evt.ID, "source", evt.Source)
	return sweepResult{Expired: n}, nil
}
