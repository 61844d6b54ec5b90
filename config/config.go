// Package config provides application configuration loading and management.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"toolshare/closure"
	"toolshare/dispute"
)

const defaultJWTSecret = "change-me-in-production"

// Config holds application configuration values loaded from file or environment variables.
type Config struct {
	DatabaseURL           string        `mapstructure:"DATABASE_URL"`
	DBMaxConns            int32         `mapstructure:"DB_MAX_CONNS"`
	RedisURL              string        `mapstructure:"REDIS_URL"`
	JWTSecret             string        `mapstructure:"JWT_SECRET"`
	HTTPAddr              string        `mapstructure:"HTTP_ADDR"`
	Env                   string        `mapstructure:"APP_ENV"`
	LogLevel              string        `mapstructure:"LOG_LEVEL"`
	ExpirySweepInterval   time.Duration `mapstructure:"EXPIRY_SWEEP_INTERVAL"`
	ReminderSweepInterval time.Duration `mapstructure:"REMINDER_SWEEP_INTERVAL"`
	EmbeddedWorker        bool          `mapstructure:"EMBEDDED_WORKER"`

	KafkaBrokers       []string      `mapstructure:"KAFKA_BROKERS"`
	OutboxPollInterval time.Duration `mapstructure:"OUTBOX_POLL_INTERVAL"`
	OutboxBatchSize    int           `mapstructure:"OUTBOX_BATCH_SIZE"`
	OutboxMaxAttempts  int           `mapstructure:"OUTBOX_MAX_ATTEMPTS"`

	TracingEnabled     bool    `mapstructure:"TRACING_ENABLED"`
	TracingExporter    string  `mapstructure:"TRACING_EXPORTER"`
	TracingSampleRatio float64 `mapstructure:"TRACING_SAMPLE_RATIO"`
	OTLPEndpoint       string  `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`

	ClosureMaxAmount              string        `mapstructure:"CLOSURE_MAX_AMOUNT"`
	ClosureAdminReviewAmount      string        `mapstructure:"CLOSURE_ADMIN_REVIEW_AMOUNT"`
	ClosureMinExpirationHours     int           `mapstructure:"CLOSURE_MIN_EXPIRATION_HOURS"`
	ClosureMaxExpirationHours     int           `mapstructure:"CLOSURE_MAX_EXPIRATION_HOURS"`
	ClosureDefaultExpirationHours int           `mapstructure:"CLOSURE_DEFAULT_EXPIRATION_HOURS"`
	ClosureVelocityLimit          int           `mapstructure:"CLOSURE_VELOCITY_LIMIT"`
	ClosureVelocityWindow         time.Duration `mapstructure:"CLOSURE_VELOCITY_WINDOW"`
	ClosureEligibleStatuses       []string      `mapstructure:"CLOSURE_ELIGIBLE_STATUSES"`
	ClosureEligibleTypes          []string      `mapstructure:"CLOSURE_ELIGIBLE_TYPES"`
	ClosureAdminReviewTypes       []string      `mapstructure:"CLOSURE_ADMIN_REVIEW_TYPES"`
	ClosureOverrideSettles        bool          `mapstructure:"CLOSURE_OVERRIDE_SETTLES"`
}

// Load reads an optional .env file, an optional config.yml and the process
// environment, in increasing order of precedence.
func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.AddConfigPath(".")
	v.AddConfigPath("..")
	v.SetConfigName("config")
	v.SetConfigType("yml")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config: read config file: %w", err)
		}
	}

	setDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	cfg.KafkaBrokers = splitList(cfg.KafkaBrokers)
	cfg.ClosureEligibleStatuses = splitList(cfg.ClosureEligibleStatuses)
	cfg.ClosureEligibleTypes = splitList(cfg.ClosureEligibleTypes)
	cfg.ClosureAdminReviewTypes = splitList(cfg.ClosureAdminReviewTypes)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: invalid configuration: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	p := closure.DefaultPolicy()

	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("DB_MAX_CONNS", 10)
	v.SetDefault("REDIS_URL", "")
	v.SetDefault("JWT_SECRET", defaultJWTSecret)
	v.SetDefault("HTTP_ADDR", ":8080")
	v.SetDefault("APP_ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("EXPIRY_SWEEP_INTERVAL", "5m")
	v.SetDefault("REMINDER_SWEEP_INTERVAL", "6h")
	v.SetDefault("EMBEDDED_WORKER", false)
	v.SetDefault("KAFKA_BROKERS", "")
	v.SetDefault("OUTBOX_POLL_INTERVAL", "5s")
	v.SetDefault("OUTBOX_BATCH_SIZE", 100)
	v.SetDefault("OUTBOX_MAX_ATTEMPTS", 10)
	v.SetDefault("TRACING_ENABLED", false)
	v.SetDefault("TRACING_EXPORTER", "stdout")
	v.SetDefault("TRACING_SAMPLE_RATIO", 1.0)
	v.SetDefault("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4318")

	v.SetDefault("CLOSURE_MAX_AMOUNT", p.MaxMutualClosureAmount.String())
	v.SetDefault("CLOSURE_ADMIN_REVIEW_AMOUNT", p.AdminReviewAmountThreshold.String())
	v.SetDefault("CLOSURE_MIN_EXPIRATION_HOURS", p.MinExpirationHours)
	v.SetDefault("CLOSURE_MAX_EXPIRATION_HOURS", p.MaxExpirationHours)
	v.SetDefault("CLOSURE_DEFAULT_EXPIRATION_HOURS", p.DefaultExpirationHours)
	v.SetDefault("CLOSURE_VELOCITY_LIMIT", p.VelocityLimit)
	v.SetDefault("CLOSURE_VELOCITY_WINDOW", p.VelocityWindow.String())
	v.SetDefault("CLOSURE_ELIGIBLE_STATUSES", joinStatuses(p.EligibleStatuses))
	v.SetDefault("CLOSURE_ELIGIBLE_TYPES", joinTypes(p.EligibleTypes))
	v.SetDefault("CLOSURE_ADMIN_REVIEW_TYPES", joinTypes(p.AdminReviewTypes))
	v.SetDefault("CLOSURE_OVERRIDE_SETTLES", p.OverrideSettles)
}

// Validate ensures that required configuration values are present and coherent.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return errors.New("DATABASE_URL is required")
	}
	if c.JWTSecret == "" {
		return errors.New("JWT_SECRET is required")
	}
	if c.IsProduction() && (c.JWTSecret == defaultJWTSecret || len(c.JWTSecret) < 32) {
		return errors.New("JWT_SECRET must be a non-default secret of at least 32 characters in production")
	}
	if c.ExpirySweepInterval <= 0 || c.ReminderSweepInterval <= 0 {
		return errors.New("sweep intervals must be positive")
	}
	if c.OutboxPollInterval <= 0 || c.OutboxBatchSize <= 0 || c.OutboxMaxAttempts <= 0 {
		return errors.New("outbox relay settings must be positive")
	}
	if c.TracingExporter != "stdout" && c.TracingExporter != "otlp" {
		return fmt.Errorf("TRACING_EXPORTER must be stdout or otlp, got %q", c.TracingExporter)
	}
	if c.TracingSampleRatio < 0 || c.TracingSampleRatio > 1 {
		return errors.New("TRACING_SAMPLE_RATIO must be within [0, 1]")
	}
	if _, err := c.Policy(); err != nil {
		return err
	}
	return nil
}

func (c *Config) IsProduction() bool {
	return c.Env == "production" || c.Env == "prod"
}

// Policy builds the closure policy from the CLOSURE_* settings.
func (c *Config) Policy() (closure.Policy, error) {
	p := closure.DefaultPolicy()

	maxAmount, err := decimal.NewFromString(c.ClosureMaxAmount)
	if err != nil || !maxAmount.IsPositive() {
		return p, fmt.Errorf("CLOSURE_MAX_AMOUNT must be a positive amount, got %q", c.ClosureMaxAmount)
	}
	reviewAmount, err := decimal.NewFromString(c.ClosureAdminReviewAmount)
	if err != nil || reviewAmount.IsNegative() {
		return p, fmt.Errorf("CLOSURE_ADMIN_REVIEW_AMOUNT must be a non-negative amount, got %q", c.ClosureAdminReviewAmount)
	}
	if c.ClosureMinExpirationHours <= 0 || c.ClosureMinExpirationHours > c.ClosureMaxExpirationHours {
		return p, fmt.Errorf("closure expiration bounds [%d, %d] are invalid", c.ClosureMinExpirationHours, c.ClosureMaxExpirationHours)
	}
	if c.ClosureDefaultExpirationHours < c.ClosureMinExpirationHours || c.ClosureDefaultExpirationHours > c.ClosureMaxExpirationHours {
		return p, fmt.Errorf("CLOSURE_DEFAULT_EXPIRATION_HOURS %d is outside [%d, %d]",
			c.ClosureDefaultExpirationHours, c.ClosureMinExpirationHours, c.ClosureMaxExpirationHours)
	}

	statuses := make([]dispute.Status, 0, len(c.ClosureEligibleStatuses))
	for _, s := range c.ClosureEligibleStatuses {
		statuses = append(statuses, dispute.Status(s))
	}
	eligible, err := parseTypes("CLOSURE_ELIGIBLE_TYPES", c.ClosureEligibleTypes)
	if err != nil {
		return p, err
	}
	review, err := parseTypes("CLOSURE_ADMIN_REVIEW_TYPES", c.ClosureAdminReviewTypes)
	if err != nil {
		return p, err
	}

	p.MaxMutualClosureAmount = maxAmount
	p.AdminReviewAmountThreshold = reviewAmount
	p.MinExpirationHours = c.ClosureMinExpirationHours
	p.MaxExpirationHours = c.ClosureMaxExpirationHours
	p.DefaultExpirationHours = c.ClosureDefaultExpirationHours
	p.VelocityLimit = c.ClosureVelocityLimit
	p.VelocityWindow = c.ClosureVelocityWindow
	p.EligibleStatuses = statuses
	p.EligibleTypes = eligible
	p.AdminReviewTypes = review
	p.OverrideSettles = c.ClosureOverrideSettles
	return p, nil
}

func parseTypes(key string, in []string) ([]dispute.Type, error) {
	out := make([]dispute.Type, 0, len(in))
	for _, s := range in {
		t := dispute.Type(s)
		if !dispute.ValidType(t) {
			return nil, fmt.Errorf("%s: unknown dispute type %q", key, s)
		}
		out = append(out, t)
	}
	return out, nil
}

// splitList accepts both YAML lists and comma separated env values.
func splitList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func joinStatuses(in []dispute.Status) string {
	parts := make([]string, len(in))
	for i, s := range in {
		parts[i] = string(s)
	}
	return strings.Join(parts, ",")
}

func joinTypes(in []dispute.Type) string {
	parts := make([]string, len(in))
	for i, t := range in {
		parts[i] = string(t)
	}
	return strings.Join(parts, ",")
}
