package router

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/wolfman30/telehealth-scheduling/internal/availability"
	"github.com/wolfman30/telehealth-scheduling/internal/booking"
	httpmiddleware "github.com/wolfman30/telehealth-scheduling/internal/http/middleware"
	"github.com/wolfman30/telehealth-scheduling/internal/realtime"
	"github.com/wolfman30/telehealth-scheduling/internal/slots"
	"github.com/wolfman30/telehealth-scheduling/pkg/logging"
)

// Config holds router configuration
type Config struct {
	Logger       *logging.Logger
	Availability *availability.Handler
	Slots        *slots.Handler
	Bookings     *booking.Handler
	Realtime     *realtime.Hub
	Admin        *AdminHandler
	Health       *HealthHandler

	MetricsHandler     http.Handler
	CORSAllowedOrigins []string
	// JWTSecret signs practitioner and admin tokens. Empty leaves schedule
	// edits open and disables the admin routes.
	JWTSecret      string
	RateLimitRPS   float64
	RateLimitBurst int
	// Stop ends background work owned by the router (limiter eviction).
	Stop <-chan struct{}
}

// New creates a new Chi router with all routes configured
func New(cfg *Config) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(httpmiddleware.RequestLogger(cfg.Logger))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5, "application/json"))
	if len(cfg.CORSAllowedOrigins) > 0 {
		r.Use(httpmiddleware.CORS(cfg.CORSAllowedOrigins))
	}

	health := cfg.Health
	if health == nil {
		health = NewHealthHandler(nil)
	}
	r.Get("/health", health.Live)
	r.Get("/ready", health.Ready)
	if cfg.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", cfg.MetricsHandler)
	}

	r.Route("/v1", func(v1 chi.Router) {
		v1.Use(httpmiddleware.RateLimit(cfg.RateLimitRPS, cfg.RateLimitBurst, cfg.Stop))

		v1.Route("/practitioners/{practitionerID}", func(r chi.Router) {
			if cfg.Availability != nil {
				cfg.Availability.Register(r, httpmiddleware.PractitionerJWT(cfg.JWTSecret))
			}
			if cfg.Slots != nil {
				cfg.Slots.Register(r)
			}
			if cfg.Realtime != nil {
				cfg.Realtime.Register(r)
			}
		})

		if cfg.Bookings != nil {
			v1.Route("/bookings", cfg.Bookings.Register)
		}
	})

	if cfg.Admin != nil {
		r.Route("/admin", func(admin chi.Router) {
			admin.Use(httpmiddleware.AdminJWT(cfg.JWTSecret))
			admin.Get("/stats", cfg.Admin.Stats)
		})
	}

	return r
}
