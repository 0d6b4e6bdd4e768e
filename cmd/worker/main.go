package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wolfman30/telehealth-scheduling/internal/app/bootstrap"
	"github.com/wolfman30/telehealth-scheduling/internal/clock"
	appconfig "github.com/wolfman30/telehealth-scheduling/internal/config"
	"github.com/wolfman30/telehealth-scheduling/internal/events"
	"github.com/wolfman30/telehealth-scheduling/internal/observability/metrics"
	"github.com/wolfman30/telehealth-scheduling/internal/reservations"
	"github.com/wolfman30/telehealth-scheduling/pkg/logging"
)

func main() {
	cfg, err := appconfig.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logger := logging.New(cfg.LogLevel)
	logger.Info("starting scheduling worker", "env", cfg.Env, "concurrency", cfg.WorkerConcurrency)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	res, err := bootstrap.OpenResources(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to open resources", "error", err)
		os.Exit(1)
	}
	defer res.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	w, err := newWorker(cfg, res, clock.NewSystem(), metrics.NewSchedulingMetrics(reg), logger)
	if err != nil {
		logger.Error("failed to build worker", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := w.closeHandler(); err != nil {
			logger.Warn("event handler close failed", "error", err)
		}
	}()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		w.sweeper.Start(ctx)
	}()
	go func() {
		defer wg.Done()
		w.deliverer.Start(ctx)
	}()

	var tasks *asynq.Server
	if cfg.RedisAddr != "" {
		tasks = asynq.NewServer(bootstrap.AsynqRedisOpt(cfg), asynq.Config{
			Concurrency: cfg.WorkerConcurrency,
			Queues:      map[string]int{reservations.ExpiryQueue: 1},
			LogLevel:    asynq.WarnLevel,
		})
		if err := tasks.Start(w.mux); err != nil {
			logger.Error("failed to start task server", "error", err)
			os.Exit(1)
		}
		logger.Info("expiry task server started", "queue", reservations.ExpiryQueue)
	} else {
		logger.Warn("REDIS_ADDR not set; holds expire by sweep only")
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	srv := &http.Server{Addr: ":" + cfg.Port, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server error", "error", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("shutting down scheduling worker...")
	if tasks != nil {
		tasks.Shutdown()
	}
	cancel()

	doneCtx, doneCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer doneCancel()
	_ = srv.Shutdown(doneCtx)

	waitCh := make(chan struct{})
	go func() {
		wg.Wait()
		close(waitCh)
	}()

	select {
	case <-waitCh:
		logger.Info("scheduling worker stopped")
	case <-doneCtx.Done():
		logger.Error("scheduling worker shutdown timed out", "error", doneCtx.Err())
	}
}

type worker struct {
	sweeper      *reservations.Sweeper
	deliverer    *events.Deliverer
	mux          *asynq.ServeMux
	closeHandler func() error
}

// newWorker wires the background side of the service. It only makes sense
// against shared storage; with in-memory reservations cmd/api does this work.
func newWorker(cfg *appconfig.Config, res *bootstrap.Resources, clk clock.Clock, m *metrics.SchedulingMetrics, logger *logging.Logger) (*worker, error) {
	if cfg.ReservationBackend != appconfig.BackendPostgres {
		return nil, fmt.Errorf("worker requires RESERVATION_BACKEND=postgres, got %q", cfg.ReservationBackend)
	}
	inner, err := bootstrap.BuildReservationStore(cfg, res, clk)
	if err != nil {
		return nil, err
	}
	outbox := bootstrap.BuildOutbox(res)
	handler, closeHandler, err := bootstrap.BuildEventHandler(cfg, res, bootstrap.BuildEmailSender(cfg, res, logger), logger)
	if err != nil {
		return nil, err
	}

	store := reservations.Observe(inner, m, bootstrap.ReservationEvents(outbox, logger))
	return &worker{
		sweeper:      reservations.NewSweeper(store, logger).WithInterval(cfg.SweepInterval),
		deliverer:    events.NewDeliverer(outbox, handler, logger).WithInterval(cfg.OutboxPollInterval).WithMetrics(m),
		mux:          newTaskMux(store, logger),
		closeHandler: closeHandler,
	}, nil
}

func newTaskMux(store reservations.Store, logger *logging.Logger) *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.Handle(reservations.TypeExpireHold, reservations.NewExpiryHandler(store, logger))
	return mux
}
