package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/telehealth-scheduling/internal/app/bootstrap"
	"github.com/wolfman30/telehealth-scheduling/internal/clock"
	appconfig "github.com/wolfman30/telehealth-scheduling/internal/config"
	"github.com/wolfman30/telehealth-scheduling/pkg/logging"
)

func testConfig() *appconfig.Config {
	return &appconfig.Config{
		AvailabilityBackend:  appconfig.BackendMemory,
		ReservationBackend:   appconfig.BackendMemory,
		WorkflowBackend:      appconfig.BackendMemory,
		HoldTTL:              10 * time.Minute,
		SweepInterval:        time.Second,
		SlotGranularity:      30 * time.Minute,
		MaxSlotRangeDays:     62,
		SlotCacheSize:        16,
		DefaultTimezone:      "UTC",
		ConsultationFeeMinor: 50000,
		ConsultationCurrency: "inr",
		PaymentProvider:      "fake",
		EmailProvider:        "none",
		OutboxPollInterval:   time.Second,
	}
}

func TestBuildAppInMemoryRunsBackgroundWork(t *testing.T) {
	clk := clock.NewManual(time.Date(2026, 10, 18, 8, 0, 0, 0, time.UTC))
	app, err := buildApp(testConfig(), nil, clk, logging.Discard())
	require.NoError(t, err)
	t.Cleanup(app.close)

	assert.Len(t, app.background, 2)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		for _, run := range app.background {
			run(ctx)
		}
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("background work did not stop on cancel")
	}
}

func TestBuildAppPostgresReservationsRequirePool(t *testing.T) {
	cfg := testConfig()
	cfg.ReservationBackend = appconfig.BackendPostgres
	_, err := buildApp(cfg, &bootstrap.Resources{}, nil, logging.Discard())
	assert.Error(t, err, "postgres reservations need a pool")
}

func TestBuildAppServesHealthAndMetrics(t *testing.T) {
	app, err := buildApp(testConfig(), nil, nil, logging.Discard())
	require.NoError(t, err)
	t.Cleanup(app.close)

	for _, path := range []string{"/health", "/ready", "/metrics"} {
		rec := httptest.NewRecorder()
		app.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusOK, rec.Code, path)
	}

	rec := httptest.NewRecorder()
	app.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.True(t, strings.Contains(rec.Body.String(), "go_goroutines"))
}

func TestHealthChecksFollowResources(t *testing.T) {
	assert.Empty(t, healthChecks(nil))
	assert.Empty(t, healthChecks(&bootstrap.Resources{}))
}
