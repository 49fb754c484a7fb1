package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/Netflix/go-env"
	"github.com/joho/godotenv"
)

// minCycleLockTTLSeconds keeps the cycle lock lease long enough to survive a
// missed refresh; it is renewed every third of its TTL.
const minCycleLockTTLSeconds = 5

type Config struct {
	DatabaseDSN           string `env:"DATABASE_DSN,required=true"`
	RedisURL              string `env:"REDIS_URL"`
	RabbitMQURL           string `env:"RABBITMQ_URL"`
	APIPort               int    `env:"API_PORT,default=8080"`
	LogLevel              string `env:"LOG_LEVEL,default=info"`
	PollIntervalSeconds   int    `env:"POLL_INTERVAL_SECONDS,default=60"`
	PollBatchLimit        int    `env:"POLL_BATCH_LIMIT,default=500"`
	DeliveryConcurrency   int    `env:"DELIVERY_CONCURRENCY,default=16"`
	WebhookTimeoutSeconds int    `env:"WEBHOOK_TIMEOUT_SECONDS,default=30"`
	WebhookUserAgent      string `env:"WEBHOOK_USER_AGENT,default=TripGateway-Webhook/1.0"`
	WebhookRateLimit      int    `env:"WEBHOOK_RATE_LIMIT_PER_SEC,default=0"`
	MaxRetries            int    `env:"MAX_RETRIES,default=3"`
	RetryLadder           string `env:"RETRY_LADDER,default=1m 5m 15m"`
	CycleLockTTLSeconds   int    `env:"CYCLE_LOCK_TTL_SECONDS,default=300"`
	SchedulerAutostart    bool   `env:"SCHEDULER_AUTOSTART,default=true"`
}

// Load reads .env when present, then the process environment.
func Load() (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	_, err := env.UnmarshalFromEnviron(&cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.DatabaseDSN) == "" {
		return fmt.Errorf("invalid config: DATABASE_DSN is required")
	}
	if c.APIPort <= 0 || c.APIPort > 65535 {
		return fmt.Errorf("invalid config: API_PORT must be between 1 and 65535")
	}

	positive := map[string]int{
		"POLL_INTERVAL_SECONDS":   c.PollIntervalSeconds,
		"POLL_BATCH_LIMIT":        c.PollBatchLimit,
		"DELIVERY_CONCURRENCY":    c.DeliveryConcurrency,
		"WEBHOOK_TIMEOUT_SECONDS": c.WebhookTimeoutSeconds,
		"CYCLE_LOCK_TTL_SECONDS":  c.CycleLockTTLSeconds,
	}
	for name, value := range positive {
		if value <= 0 {
			return fmt.Errorf("invalid config: %s must be positive, got %d", name, value)
		}
	}

	if c.CycleLockTTLSeconds < minCycleLockTTLSeconds {
		return fmt.Errorf("invalid config: CYCLE_LOCK_TTL_SECONDS must be at least %d, got %d", minCycleLockTTLSeconds, c.CycleLockTTLSeconds)
	}
	if c.WebhookRateLimit < 0 {
		return fmt.Errorf("invalid config: WEBHOOK_RATE_LIMIT_PER_SEC must not be negative")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("invalid config: MAX_RETRIES must not be negative")
	}
	if _, err := c.RetryDelays(); err != nil {
		return err
	}
	return nil
}

// RetryDelays parses RETRY_LADDER, a space or comma separated list of Go durations.
func (c *Config) RetryDelays() ([]time.Duration, error) {
	fields := strings.FieldsFunc(c.RetryLadder, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t'
	})
	if len(fields) == 0 {
		return nil, fmt.Errorf("invalid config: RETRY_LADDER must list at least one duration")
	}

	delays := make([]time.Duration, 0, len(fields))
	for _, field := range fields {
		d, err := time.ParseDuration(field)
		if err != nil {
			return nil, fmt.Errorf("invalid config: RETRY_LADDER entry %q: %w", field, err)
		}
		if d <= 0 {
			return nil, fmt.Errorf("invalid config: RETRY_LADDER entry %q must be positive", field)
		}
		delays = append(delays, d)
	}
	return delays, nil
}

func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

func (c *Config) WebhookTimeout() time.Duration {
	return time.Duration(c.WebhookTimeoutSeconds) * time.Second
}

func (c *Config) CycleLockTTL() time.Duration {
	return time.Duration(c.CycleLockTTLSeconds) * time.Second
}
