package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Port     int
	LogLevel string
	Env      string

	// Database
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	// Redis config. Empty RedisHost disables the registry, rate limiting
	// and idempotency.
	RedisHost     string
	RedisPort     int
	RedisPassword string
	RedisDB       int

	// Scheduler
	TickInterval      time.Duration
	BatchSize         int
	BatchDelay        time.Duration
	MaxFailedAttempts int
	TenantSyncSpec    string // cron spec for the Postgres -> Redis tenant sync

	// Delivery
	TelegramBotToken   string // empty means reminders are only logged
	TelegramRatePerSec int
	WebhookTimeout     int // seconds

	// Circuit breaker around the delivery gateway
	BreakerMaxFailures     int
	BreakerRecoveryTimeout time.Duration

	// AWS Services. Each integration is off while its target is empty.
	AWSRegion           string
	AWSEndpoint         string // LocalStack
	SQSAttemptsQueueURL string
	SNSReportTopicARN   string
	SESFromEmail        string
	AlertEmails         []string

	// Admin API rate limit per tenant (or client IP) per minute
	RateLimitPerMinute int
}

// Load reads configuration from environment variables with sensible defaults
func Load() (*Config, error) {
	cfg := &Config{
		Port:     8080,
		LogLevel: "info",
		Env:      "development",

		// Local postgres defaults
		DBHost:     "localhost",
		DBPort:     5432,
		DBUser:     "postgres",
		DBPassword: "",
		DBName:     "remindbot",
		DBSSLMode:  "disable",

		// Redis defaults
		RedisHost:     "localhost",
		RedisPort:     6379,
		RedisPassword: "",
		RedisDB:       0,

		TickInterval:      60 * time.Second,
		BatchSize:         10,
		BatchDelay:        100 * time.Millisecond,
		MaxFailedAttempts: 5,
		TenantSyncSpec:    "@every 1m",

		TelegramRatePerSec: 25,
		WebhookTimeout:     30,

		BreakerMaxFailures:     5,
		BreakerRecoveryTimeout: 30 * time.Second,

		AWSRegion: "us-east-1",

		RateLimitPerMinute: 120,
	}

	if port := os.Getenv("PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid PORT: %w", err)
		}
		cfg.Port = p
	}

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}

	if env := os.Getenv("ENV"); env != "" {
		cfg.Env = env
	}

	// Database config
	if host := os.Getenv("DB_HOST"); host != "" {
		cfg.DBHost = host
	}

	if port := os.Getenv("DB_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid DB_PORT: %w", err)
		}
		cfg.DBPort = p
	}

	if user := os.Getenv("DB_USER"); user != "" {
		cfg.DBUser = user
	}

	if password := os.Getenv("DB_PASSWORD"); password != "" {
		cfg.DBPassword = password
	}

	if dbname := os.Getenv("DB_NAME"); dbname != "" {
		cfg.DBName = dbname
	}

	if sslmode := os.Getenv("DB_SSLMODE"); sslmode != "" {
		cfg.DBSSLMode = sslmode
	}

	// Redis config. REDIS_HOST may be set to an empty string explicitly
	// to run without Redis.
	if host, ok := os.LookupEnv("REDIS_HOST"); ok {
		cfg.RedisHost = host
	}

	if port := os.Getenv("REDIS_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_PORT: %w", err)
		}
		cfg.RedisPort = p
	}

	if password := os.Getenv("REDIS_PASSWORD"); password != "" {
		cfg.RedisPassword = password
	}

	if db := os.Getenv("REDIS_DB"); db != "" {
		d, err := strconv.Atoi(db)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_DB: %w", err)
		}
		cfg.RedisDB = d
	}

	// Scheduler config
	var err error
	if cfg.TickInterval, err = durationEnv("SCHEDULER_TICK_INTERVAL", cfg.TickInterval); err != nil {
		return nil, err
	}
	if cfg.BatchSize, err = intEnv("SCHEDULER_BATCH_SIZE", cfg.BatchSize); err != nil {
		return nil, err
	}
	if cfg.BatchDelay, err = durationEnv("SCHEDULER_BATCH_DELAY", cfg.BatchDelay); err != nil {
		return nil, err
	}
	if cfg.MaxFailedAttempts, err = intEnv("SCHEDULER_MAX_FAILED_ATTEMPTS", cfg.MaxFailedAttempts); err != nil {
		return nil, err
	}
	if spec := os.Getenv("TENANT_SYNC_SCHEDULE"); spec != "" {
		cfg.TenantSyncSpec = spec
	}

	if cfg.TickInterval <= 0 {
		return nil, fmt.Errorf("invalid SCHEDULER_TICK_INTERVAL: must be positive")
	}
	if cfg.BatchSize <= 0 {
		return nil, fmt.Errorf("invalid SCHEDULER_BATCH_SIZE: must be positive")
	}

	// Delivery config
	if token := os.Getenv("TELEGRAM_BOT_TOKEN"); token != "" {
		cfg.TelegramBotToken = token
	}

	if cfg.TelegramRatePerSec, err = intEnv("TELEGRAM_RATE_PER_SEC", cfg.TelegramRatePerSec); err != nil {
		return nil, err
	}

	if timeout := os.Getenv("WEBHOOK_TIMEOUT"); timeout != "" {
		t, err := strconv.Atoi(timeout)
		if err != nil {
			return nil, fmt.Errorf("invalid WEBHOOK_TIMEOUT: %w", err)
		}
		cfg.WebhookTimeout = t
	}

	if cfg.BreakerMaxFailures, err = intEnv("BREAKER_MAX_FAILURES", cfg.BreakerMaxFailures); err != nil {
		return nil, err
	}
	if cfg.BreakerRecoveryTimeout, err = durationEnv("BREAKER_RECOVERY_TIMEOUT", cfg.BreakerRecoveryTimeout); err != nil {
		return nil, err
	}

	// AWS config
	if region := os.Getenv("AWS_REGION"); region != "" {
		cfg.AWSRegion = region
	}

	cfg.AWSEndpoint = os.Getenv("AWS_ENDPOINT_URL")
	cfg.SQSAttemptsQueueURL = os.Getenv("SQS_ATTEMPTS_QUEUE_URL")
	cfg.SNSReportTopicARN = os.Getenv("SNS_REPORT_TOPIC_ARN")
	cfg.SESFromEmail = os.Getenv("SES_FROM_EMAIL")

	if to := os.Getenv("ALERT_EMAIL"); to != "" {
		for _, addr := range strings.Split(to, ",") {
			if addr = strings.TrimSpace(addr); addr != "" {
				cfg.AlertEmails = append(cfg.AlertEmails, addr)
			}
		}
	}

	if cfg.RateLimitPerMinute, err = intEnv("RATE_LIMIT_PER_MINUTE", cfg.RateLimitPerMinute); err != nil {
		return nil, err
	}

	return cfg, nil
}

// RedisEnabled reports whether a Redis host is configured.
func (c *Config) RedisEnabled() bool {
	return c.RedisHost != ""
}

// AlertingEnabled reports whether failure digests can be emailed.
func (c *Config) AlertingEnabled() bool {
	return c.SESFromEmail != "" && len(c.AlertEmails) > 0
}

func intEnv(name string, def int) (int, error) {
	v := os.Getenv(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	return n, nil
}

// durationEnv accepts Go durations ("90s") or a bare number of seconds.
func durationEnv(name string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(name)
	if v == "" {
		return def, nil
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	return d, nil
}
