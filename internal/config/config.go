// Package config reads process configuration from the environment. A .env
// file in the working directory is loaded first when present.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type Config struct {
	Env      string
	LogLevel string
	HTTPAddr string

	// Empty DatabaseURL selects the in-memory store.
	DatabaseURL string
	// Empty RedisURL disables the tenant cache.
	RedisURL       string
	TenantCacheTTL time.Duration
	// Empty AMQPURL selects the in-memory queue with an in-process worker.
	AMQPURL          string
	AMQPExchange     string
	AMQPQueue        string
	AMQPPrefetch     int
	QueueRetryBudget int

	SendRatePerTenant  float64
	SendBurstPerTenant int

	VaultKey            string
	WebhookSecret       string
	WebhookReplayWindow time.Duration
	WebhookReplayTTL    time.Duration

	AutomationSchedule      string
	AutomationMaxPerRun     int
	AutomationMaxRecipients int
	AutomationJobBudget     int
	AutomationDedupeWindow  time.Duration

	PreviewSampleSize int
	UpgradeURL        string
	PublicBaseURL     string

	SMTPHost     string
	SMTPPort     int
	SMTPUsername string
	SMTPPassword string
	SMTPFrom     string

	DateLayout string
	Timezone   string
}

// Load reads .env (if any) and the environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Debug().Msg("No .env file found, relying on OS environment variables")
	}
	return FromEnv()
}

// FromEnv builds a Config from the current environment only.
func FromEnv() (*Config, error) {
	p := &parser{}
	c := &Config{
		Env:      p.str("APP_ENV", "development"),
		LogLevel: p.str("LOG_LEVEL", "info"),
		HTTPAddr: p.str("HTTP_ADDR", ":8080"),

		DatabaseURL:      p.str("DATABASE_URL", ""),
		RedisURL:         p.str("REDIS_URL", ""),
		TenantCacheTTL:   p.duration("TENANT_CACHE_TTL", 5*time.Minute),
		AMQPURL:          p.str("AMQP_URL", ""),
		AMQPExchange:     p.str("AMQP_EXCHANGE", "salonflow.delayed"),
		AMQPQueue:        p.str("AMQP_QUEUE", "message_deliveries"),
		AMQPPrefetch:     p.integer("AMQP_PREFETCH", 20),
		QueueRetryBudget: p.integer("QUEUE_RETRY_BUDGET", 3),

		SendRatePerTenant:  p.float("SEND_RATE_PER_TENANT", 10),
		SendBurstPerTenant: p.integer("SEND_BURST_PER_TENANT", 20),

		VaultKey:            p.str("VAULT_KEY", ""),
		WebhookSecret:       p.str("WEBHOOK_SECRET", ""),
		WebhookReplayWindow: p.duration("WEBHOOK_REPLAY_WINDOW", 5*time.Minute),
		WebhookReplayTTL:    p.duration("WEBHOOK_REPLAY_TTL", 15*time.Minute),

		AutomationSchedule:      p.str("AUTOMATION_SCHEDULE", "@every 5m"),
		AutomationMaxPerRun:     p.integer("AUTOMATION_MAX_PER_RUN", 100),
		AutomationMaxRecipients: p.integer("AUTOMATION_MAX_RECIPIENTS", 500),
		AutomationJobBudget:     p.integer("AUTOMATION_JOB_BUDGET", 5000),
		AutomationDedupeWindow:  p.duration("AUTOMATION_DEDUPE_WINDOW", 720*time.Hour),

		PreviewSampleSize: p.integer("PREVIEW_SAMPLE_SIZE", 20),
		UpgradeURL:        p.str("UPGRADE_URL", "https://salonflow.app/billing/upgrade"),
		PublicBaseURL:     strings.TrimRight(p.str("PUBLIC_BASE_URL", ""), "/"),

		SMTPHost:     p.str("SMTP_HOST", ""),
		SMTPPort:     p.integer("SMTP_PORT", 587),
		SMTPUsername: p.str("SMTP_USERNAME", ""),
		SMTPPassword: p.str("SMTP_PASSWORD", ""),
		SMTPFrom:     p.str("SMTP_FROM", ""),

		DateLayout: p.str("DATE_LAYOUT", "02.01.2006"),
		Timezone:   p.str("TIMEZONE", "UTC"),
	}
	if p.err != nil {
		return nil, p.err
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return nil, fmt.Errorf("config: TIMEZONE: %w", err)
	}
	if !c.DevMode() {
		if c.WebhookSecret == "" {
			return nil, fmt.Errorf("config: WEBHOOK_SECRET is required outside development")
		}
		if c.VaultKey == "" {
			return nil, fmt.Errorf("config: VAULT_KEY is required outside development")
		}
	}
	return c, nil
}

// DevMode is true in development, where missing infrastructure falls back
// to in-process implementations.
func (c *Config) DevMode() bool { return c.Env == "development" }

func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// StatusCallbackURL is where the SMS provider posts delivery updates.
func (c *Config) StatusCallbackURL() string {
	if c.PublicBaseURL == "" {
		return ""
	}
	return c.PublicBaseURL + "/webhooks/twilio/status"
}

// SetupLogging configures the global zerolog logger: console output in
// development, JSON otherwise.
func (c *Config) SetupLogging() {
	level, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339
	if c.DevMode() {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}
}

// parser keeps the first conversion error.
type parser struct{ err error }

func (p *parser) str(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return def
}

func (p *parser) integer(key string, def int) int {
	v := p.str(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		p.fail(key, err)
		return def
	}
	return n
}

func (p *parser) float(key string, def float64) float64 {
	v := p.str(key, "")
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		p.fail(key, err)
		return def
	}
	return f
}

func (p *parser) duration(key string, def time.Duration) time.Duration {
	v := p.str(key, "")
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		p.fail(key, err)
		return def
	}
	return d
}

func (p *parser) fail(key string, err error) {
	if p.err == nil {
		p.err = fmt.Errorf("config: %s: %w", key, err)
	}
}
