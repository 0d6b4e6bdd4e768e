package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v6"
	"github.com/joho/godotenv"
)

// Backend names accepted by the *_BACKEND settings.
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
	BackendDynamoDB = "dynamodb"
)

// Config holds application configuration
type Config struct {
	Port     string `env:"PORT" envDefault:"8080"`
	Env      string `env:"ENV" envDefault:"development"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	DatabaseURL   string `env:"DATABASE_URL"`
	RedisAddr     string `env:"REDIS_ADDR"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisTLS      bool   `env:"REDIS_TLS" envDefault:"false"`

	AvailabilityBackend string `env:"AVAILABILITY_BACKEND" envDefault:"memory"`
	ReservationBackend  string `env:"RESERVATION_BACKEND" envDefault:"memory"`
	WorkflowBackend     string `env:"WORKFLOW_BACKEND" envDefault:"memory"`

	HoldTTL          time.Duration `env:"HOLD_TTL" envDefault:"10m"`
	SweepInterval    time.Duration `env:"SWEEP_INTERVAL" envDefault:"30s"`
	SlotGranularity  time.Duration `env:"SLOT_GRANULARITY" envDefault:"30m"`
	MaxSlotRangeDays int           `env:"MAX_SLOT_RANGE_DAYS" envDefault:"62"`
	SlotCacheSize    int           `env:"SLOT_CACHE_SIZE" envDefault:"1024"`
	DefaultTimezone  string        `env:"DEFAULT_TIMEZONE" envDefault:"UTC"`

	// ReservationRetention bounds how long the memory backend keeps
	// released and expired reservations.
	ReservationRetention time.Duration `env:"RESERVATION_RETENTION" envDefault:"24h"`

	ConsultationFeeMinor int64         `env:"CONSULTATION_FEE_MINOR" envDefault:"50000"`
	ConsultationCurrency string        `env:"CONSULTATION_CURRENCY" envDefault:"inr"`
	PaymentProvider      string        `env:"PAYMENT_PROVIDER" envDefault:"fake"`
	FakePaymentDelay     time.Duration `env:"FAKE_PAYMENT_DELAY" envDefault:"0s"`
	StripeSecretKey      string        `env:"STRIPE_SECRET_KEY"`
	StripeAPIURL         string        `env:"STRIPE_API_URL"`

	JWTSecret          string   `env:"JWT_SECRET"`
	CORSAllowedOrigins []string `env:"CORS_ALLOWED_ORIGINS" envSeparator:","`
	RateLimitRPS       float64  `env:"RATE_LIMIT_RPS" envDefault:"20"`
	RateLimitBurst     int      `env:"RATE_LIMIT_BURST" envDefault:"40"`

	AWSRegion           string `env:"AWS_REGION" envDefault:"us-east-1"`
	AWSAccessKeyID      string `env:"AWS_ACCESS_KEY_ID"`
	AWSSecretAccessKey  string `env:"AWS_SECRET_ACCESS_KEY"`
	AWSEndpointOverride string `env:"AWS_ENDPOINT_URL"`
	EventsQueueURL      string `env:"EVENTS_SQS_QUEUE_URL"`
	WorkflowTable       string `env:"WORKFLOW_TABLE" envDefault:"booking_workflows"`

	AMQPURL      string `env:"AMQP_URL"`
	AMQPExchange string `env:"AMQP_EXCHANGE" envDefault:"telehealth.events"`

	EmailProvider  string `env:"EMAIL_PROVIDER" envDefault:"none"`
	SendGridAPIKey string `env:"SENDGRID_API_KEY"`
	OpsEmailTo     string `env:"OPS_EMAIL_TO"`
	OpsEmailFrom   string `env:"OPS_EMAIL_FROM" envDefault:"scheduling@telehealth.local"`
	SESConfigSet   string `env:"SES_CONFIGURATION_SET"`

	OutboxPollInterval time.Duration `env:"OUTBOX_POLL_INTERVAL" envDefault:"5s"`
	WorkerConcurrency  int           `env:"WORKER_CONCURRENCY" envDefault:"10"`
}

// Load reads an optional .env file, then parses the environment.
func Load() (*Config, error) {
	envFile := os.Getenv("ENV_FILE")
	if envFile == "" {
		envFile = ".env"
	}
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("config: load %s: %w", envFile, err)
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("config: parse env: %w", err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) normalize() {
	c.AvailabilityBackend = strings.ToLower(strings.TrimSpace(c.AvailabilityBackend))
	c.ReservationBackend = strings.ToLower(strings.TrimSpace(c.ReservationBackend))
	c.WorkflowBackend = strings.ToLower(strings.TrimSpace(c.WorkflowBackend))
	c.PaymentProvider = strings.ToLower(strings.TrimSpace(c.PaymentProvider))
	c.EmailProvider = strings.ToLower(strings.TrimSpace(c.EmailProvider))
	c.ConsultationCurrency = strings.ToLower(strings.TrimSpace(c.ConsultationCurrency))
	origins := c.CORSAllowedOrigins[:0]
	for _, o := range c.CORSAllowedOrigins {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	c.CORSAllowedOrigins = origins
}

// Validate rejects settings the service cannot run with.
func (c *Config) Validate() error {
	if c.HoldTTL <= 0 || c.HoldTTL > time.Hour {
		return fmt.Errorf("config: HOLD_TTL must be in (0, 1h], got %s", c.HoldTTL)
	}
	if c.SlotGranularity <= 0 || c.SlotGranularity%time.Minute != 0 {
		return fmt.Errorf("config: SLOT_GRANULARITY must be a positive whole number of minutes, got %s", c.SlotGranularity)
	}
	if c.MaxSlotRangeDays <= 0 {
		return fmt.Errorf("config: MAX_SLOT_RANGE_DAYS must be positive")
	}
	if c.ConsultationFeeMinor <= 0 {
		return fmt.Errorf("config: CONSULTATION_FEE_MINOR must be positive")
	}
	if _, err := time.LoadLocation(c.DefaultTimezone); err != nil {
		return fmt.Errorf("config: DEFAULT_TIMEZONE: %w", err)
	}
	if err := oneOf("AVAILABILITY_BACKEND", c.AvailabilityBackend, BackendMemory, BackendRedis, BackendPostgres); err != nil {
		return err
	}
	if err := oneOf("RESERVATION_BACKEND", c.ReservationBackend, BackendMemory, BackendPostgres); err != nil {
		return err
	}
	if err := oneOf("WORKFLOW_BACKEND", c.WorkflowBackend, BackendMemory, BackendDynamoDB); err != nil {
		return err
	}
	if err := oneOf("PAYMENT_PROVIDER", c.PaymentProvider, "fake", "stripe"); err != nil {
		return err
	}
	if err := oneOf("EMAIL_PROVIDER", c.EmailProvider, "none", "sendgrid", "ses"); err != nil {
		return err
	}
	if c.PaymentProvider == "stripe" && c.StripeSecretKey == "" {
		return fmt.Errorf("config: STRIPE_SECRET_KEY is required when PAYMENT_PROVIDER=stripe")
	}
	if (c.AvailabilityBackend == BackendPostgres || c.ReservationBackend == BackendPostgres) && c.DatabaseURL == "" {
		return fmt.Errorf("config: DATABASE_URL is required for postgres backends")
	}
	if c.AvailabilityBackend == BackendRedis && c.RedisAddr == "" {
		return fmt.Errorf("config: REDIS_ADDR is required for the redis availability backend")
	}
	return nil
}

// IsProduction reports whether the service runs in production.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Env, "production")
}

func oneOf(key, value string, allowed ...string) error {
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return fmt.Errorf("config: %s must be one of %s, got %q", key, strings.Join(allowed, "|"), value)
}
