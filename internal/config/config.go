// Package config loads storefront settings from the environment. A .env file
// in the working directory is read first when present; real environment
// variables always win.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

const (
	StoreDriverPostgres = "postgres"
	StoreDriverREST     = "rest"
)

type Config struct {
	Port     string
	LogLevel logrus.Level

	SquareAccessToken        string
	SquareLocationID         string
	SquareEnv                string
	SquareBaseURL            string
	SquareTimeout            time.Duration
	SquareBreakerMaxFailures int
	SquareBreakerTimeout     time.Duration
	WebhookSignatureKey      string
	WebhookURL               string

	StoreDriver  string
	DatabaseURL  string
	StoreURL     string
	StoreKey     string
	StoreTimeout time.Duration

	DailyLimit       int
	TaxPercent       decimal.Decimal
	PickupUTCOffset  string
	ReservationTTL   time.Duration
	SweepInterval    time.Duration
	SaleDays         []string
	AdminWindowStart string
	AdminWindowEnd   string
	AdminToken       string

	BackfillConcurrency int

	KafkaBrokers  []string
	KafkaGroup    string
	KafkaDLQGroup string
	InstanceID    string

	RedisAddr     string
	AdminCacheTTL time.Duration
}

// Load reads .env (if any) and the environment. Malformed values are
// reported together; missing required ones are left to Validate.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to read .env: %w", err)
	}

	p := &parser{}
	cfg := &Config{
		Port: getEnv("PORT", "8080"),

		SquareAccessToken:        os.Getenv("SQUARE_ACCESS_TOKEN"),
		SquareLocationID:         os.Getenv("SQUARE_LOCATION_ID"),
		SquareEnv:                strings.ToLower(getEnv("SQUARE_ENV", "sandbox")),
		SquareBaseURL:            os.Getenv("SQUARE_BASE_URL"),
		SquareTimeout:            p.duration("SQUARE_TIMEOUT", 10*time.Second),
		SquareBreakerMaxFailures: p.integer("SQUARE_BREAKER_MAX_FAILURES", 5),
		SquareBreakerTimeout:     p.duration("SQUARE_BREAKER_TIMEOUT", 30*time.Second),
		WebhookSignatureKey:      os.Getenv("SQUARE_WEBHOOK_SIGNATURE_KEY"),
		WebhookURL:               os.Getenv("SQUARE_WEBHOOK_URL"),

		StoreDriver:  strings.ToLower(getEnv("STORE_DRIVER", StoreDriverPostgres)),
		DatabaseURL:  os.Getenv("DATABASE_URL"),
		StoreURL:     os.Getenv("STORE_URL"),
		StoreKey:     os.Getenv("STORE_KEY"),
		StoreTimeout: p.duration("STORE_TIMEOUT", 5*time.Second),

		DailyLimit:       p.integer("DAILY_LIMIT", 250),
		TaxPercent:       p.decimal("TAX_PERCENT", "8.875"),
		PickupUTCOffset:  getEnv("PICKUP_UTC_OFFSET", "-05:00"),
		ReservationTTL:   p.duration("RESERVATION_TTL", 30*time.Minute),
		SweepInterval:    p.duration("RESERVATION_SWEEP_INTERVAL", time.Minute),
		SaleDays:         splitList(os.Getenv("SALE_DAYS")),
		AdminWindowStart: getEnv("ADMIN_WINDOW_START", "2025-12-14T00:00:00-05:00"),
		AdminWindowEnd:   getEnv("ADMIN_WINDOW_END", "2025-12-23T23:59:59-05:00"),
		AdminToken:       os.Getenv("ADMIN_TOKEN"),

		BackfillConcurrency: p.integer("BACKFILL_CONCURRENCY", 4),

		KafkaBrokers:  splitList(os.Getenv("KAFKA_BROKERS")),
		KafkaDLQGroup: getEnv("KAFKA_DLQ_GROUP", "storefront-dlq-monitor"),
		InstanceID:    getEnv("INSTANCE_ID", instanceID()),

		RedisAddr:     os.Getenv("REDIS_ADDR"),
		AdminCacheTTL: p.duration("ADMIN_CACHE_TTL", time.Minute),
	}

	// Each instance feeds its own admin sockets and must see every change,
	// so the feed group is never shared between instances.
	cfg.KafkaGroup = getEnv("KAFKA_GROUP", "storefront-admin-feed") + "-" + cfg.InstanceID

	level, err := logrus.ParseLevel(getEnv("LOG_LEVEL", "info"))
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("LOG_LEVEL: %w", err))
		level = logrus.InfoLevel
	}
	cfg.LogLevel = level

	if len(p.errs) > 0 {
		return nil, errors.Join(p.errs...)
	}
	return cfg, nil
}

// Validate checks that the secrets and settings the selected components
// need are present.
func (c *Config) Validate() error {
	var errs []error
	if c.SquareAccessToken == "" {
		errs = append(errs, errors.New("SQUARE_ACCESS_TOKEN is required"))
	}
	if c.SquareLocationID == "" {
		errs = append(errs, errors.New("SQUARE_LOCATION_ID is required"))
	}
	if c.SquareEnv != "production" && c.SquareEnv != "sandbox" {
		errs = append(errs, fmt.Errorf("SQUARE_ENV must be production or sandbox, got %q", c.SquareEnv))
	}

	switch c.StoreDriver {
	case StoreDriverPostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required for the postgres store"))
		}
	case StoreDriverREST:
		if c.StoreURL == "" || c.StoreKey == "" {
			errs = append(errs, errors.New("STORE_URL and STORE_KEY are required for the rest store"))
		}
	default:
		errs = append(errs, fmt.Errorf("STORE_DRIVER must be postgres or rest, got %q", c.StoreDriver))
	}

	if c.DailyLimit <= 0 {
		errs = append(errs, errors.New("DAILY_LIMIT must be positive"))
	}
	if c.ReservationTTL <= 0 {
		errs = append(errs, errors.New("RESERVATION_TTL must be positive"))
	}
	if c.SweepInterval <= 0 {
		errs = append(errs, errors.New("RESERVATION_SWEEP_INTERVAL must be positive"))
	}
	if c.TaxPercent.IsNegative() {
		errs = append(errs, errors.New("TAX_PERCENT must not be negative"))
	}
	if _, err := time.Parse("-07:00", c.PickupUTCOffset); err != nil {
		errs = append(errs, fmt.Errorf("PICKUP_UTC_OFFSET must look like -05:00, got %q", c.PickupUTCOffset))
	}
	for _, day := range c.SaleDays {
		if _, err := time.Parse("2006-01-02", day); err != nil {
			errs = append(errs, fmt.Errorf("SALE_DAYS entry %q is not YYYY-MM-DD", day))
		}
	}
	if c.WebhookSignatureKey != "" && c.WebhookURL == "" {
		errs = append(errs, errors.New("SQUARE_WEBHOOK_URL is required when a signature key is set"))
	}

	return errors.Join(errs...)
}

// SquareURL is the API host: SQUARE_BASE_URL when set, else the host for
// SQUARE_ENV.
func (c *Config) SquareURL() string {
	if c.SquareBaseURL != "" {
		return c.SquareBaseURL
	}
	if c.SquareEnv == "production" {
		return "https://connect.squareup.com"
	}
	return "https://connect.squareupsandbox.com"
}

// instanceID defaults to the hostname, which is unique per container.
func instanceID() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return uuid.NewString()[:8]
}

func getEnv(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

// parser collects conversion errors so Load can report all of them at once.
type parser struct {
	errs []error
}

func (p *parser) integer(key string, defaultValue int) int {
	raw := getEnv(key, "")
	if raw == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: invalid integer %q", key, raw))
		return defaultValue
	}
	return n
}

func (p *parser) duration(key string, defaultValue time.Duration) time.Duration {
	raw := getEnv(key, "")
	if raw == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: invalid duration %q", key, raw))
		return defaultValue
	}
	return d
}

func (p *parser) decimal(key, defaultValue string) decimal.Decimal {
	raw := getEnv(key, defaultValue)
	d, err := decimal.NewFromString(raw)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: invalid number %q", key, raw))
		return decimal.RequireFromString(defaultValue)
	}
	return d
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
