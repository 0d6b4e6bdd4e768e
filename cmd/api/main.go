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

	"github.com/wolfman30/telehealth-scheduling/internal/api/router"
	"github.com/wolfman30/telehealth-scheduling/internal/app/bootstrap"
	"github.com/wolfman30/telehealth-scheduling/internal/availability"
	"github.com/wolfman30/telehealth-scheduling/internal/booking"
	"github.com/wolfman30/telehealth-scheduling/internal/clock"
	appconfig "github.com/wolfman30/telehealth-scheduling/internal/config"
	"github.com/wolfman30/telehealth-scheduling/internal/events"
	"github.com/wolfman30/telehealth-scheduling/internal/observability/metrics"
	"github.com/wolfman30/telehealth-scheduling/internal/realtime"
	"github.com/wolfman30/telehealth-scheduling/internal/reservations"
	"github.com/wolfman30/telehealth-scheduling/internal/slots"
	"github.com/wolfman30/telehealth-scheduling/pkg/logging"
)

func main() {
	cfg, err := appconfig.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel)
	logger.Info("starting telehealth scheduling API server",
		"env", cfg.Env,
		"port", cfg.Port,
		"availability_backend", cfg.AvailabilityBackend,
		"reservation_backend", cfg.ReservationBackend,
		"workflow_backend", cfg.WorkflowBackend,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	res, err := bootstrap.OpenResources(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to open resources", "error", err)
		os.Exit(1)
	}
	defer res.Close()

	app, err := buildApp(cfg, res, clock.NewSystem(), logger)
	if err != nil {
		logger.Error("failed to build application", "error", err)
		os.Exit(1)
	}
	defer app.close()

	var wg sync.WaitGroup
	for _, run := range app.background {
		wg.Add(1)
		go func() {
			defer wg.Done()
			run(ctx)
		}()
	}

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      app.handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")
	app.hub.Close()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
	}
	cancel()
	wg.Wait()

	logger.Info("server stopped")
}

type application struct {
	handler    http.Handler
	hub        *realtime.Hub
	background []func(ctx context.Context)
	closers    []func() error
	stop       chan struct{}
	logger     *logging.Logger
}

func (a *application) close() {
	close(a.stop)
	for _, c := range a.closers {
		if err := c(); err != nil {
			a.logger.Warn("close failed", "error", err)
		}
	}
}

// buildApp assembles the HTTP surface. With the in-memory reservation
// backend nothing outside this process can see holds or the outbox, so the
// sweeper and the outbox deliverer run here instead of in cmd/worker.
func buildApp(cfg *appconfig.Config, res *bootstrap.Resources, clk clock.Clock, logger *logging.Logger) (*application, error) {
	clk = clock.OrSystem(clk)
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewSchedulingMetrics(reg)

	s, err := bootstrap.BuildScheduling(cfg, res, clk, m, logger)
	if err != nil {
		return nil, err
	}

	app := &application{stop: make(chan struct{}), logger: logger}

	hub := realtime.NewHub(cfg.CORSAllowedOrigins, logger)
	s.Reservations.AddListener(hub.ReservationListener())
	s.Schedules.OnChange(hub.ScheduleListener())
	app.hub = hub

	if cfg.RedisAddr != "" {
		client := asynq.NewClient(bootstrap.AsynqRedisOpt(cfg))
		s.Reservations.AddListener(reservations.NewExpiryScheduler(client, logger).Listener())
		app.closers = append(app.closers, client.Close)
	}

	if cfg.ReservationBackend == appconfig.BackendMemory {
		sweeper := reservations.NewSweeper(s.Reservations, logger).WithInterval(cfg.SweepInterval)
		handler, closeHandler, err := bootstrap.BuildEventHandler(cfg, res, bootstrap.BuildEmailSender(cfg, res, logger), logger)
		if err != nil {
			return nil, err
		}
		deliverer := events.NewDeliverer(s.Outbox, handler, logger).
			WithInterval(cfg.OutboxPollInterval).
			WithMetrics(m)
		app.background = append(app.background, sweeper.Start, deliverer.Start)
		app.closers = append(app.closers, closeHandler)
	}

	app.handler = router.New(&router.Config{
		Logger:             logger,
		Availability:       availability.NewHandler(s.Schedules, logger),
		Slots:              slots.NewHandler(s.Finder, cfg.SlotGranularity, clk, logger),
		Bookings:           booking.NewHandler(s.Bookings, logger),
		Realtime:           hub,
		Admin:              router.NewAdminHandler(reg, hub.Subscribers, logger),
		Health:             router.NewHealthHandler(healthChecks(res)),
		MetricsHandler:     promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
		JWTSecret:          cfg.JWTSecret,
		RateLimitRPS:       cfg.RateLimitRPS,
		RateLimitBurst:     cfg.RateLimitBurst,
		Stop:               app.stop,
	})
	return app, nil
}

func healthChecks(res *bootstrap.Resources) map[string]router.Check {
	checks := map[string]router.Check{}
	if res == nil {
		return checks
	}
	if res.Pool != nil {
		checks["postgres"] = res.Pool.Ping
	}
	if res.SQL != nil {
		checks["postgres_sql"] = res.SQL.PingContext
	}
	if res.Redis != nil {
		checks["redis"] = func(ctx context.Context) error { return res.Redis.Ping(ctx).Err() }
	}
	return checks
}
