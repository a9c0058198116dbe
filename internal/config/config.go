package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cast"
)

type Config struct {
	Port     int
	LogLevel string
	Env      string
	LogFile  string // optional rotating log file, in addition to stderr

	// Database
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	// Redis config
	RedisHost     string
	RedisPort     int
	RedisPassword string
	RedisDB       int

	// SQS config
	SQSRegion            string
	SQSEventsQueueURL    string // alert lifecycle events out
	SQSLocationsQueueURL string // location pings in

	// AWS Services
	AWSRegion    string
	AWSEndpoint  string // LocalStack or another compatible endpoint
	SESFromEmail string
	SNSRegion    string
	SMSSenderID  string

	// Channels. Email is enabled whenever SES_FROM_EMAIL is set.
	SMSEnabled          bool
	PushEnabled         bool
	EmergencyWebhookURL string
	WebhookAuthToken    string
	WebhookTimeout      time.Duration

	// DevLogSenders logs messages for channels without credentials. The
	// attempts are still recorded as not configured.
	DevLogSenders bool

	// Detection and dispatch
	InactivityThreshold time.Duration
	ScanInterval        time.Duration
	DispatchTimeout     time.Duration
	StorageTimeout      time.Duration
	DispatchConcurrency int

	// StuckAlertAfter is how long an alert may stay CREATED or NOTIFYING
	// before the recovery loop takes it over.
	StuckAlertAfter time.Duration

	// LocationRateLimit is the number of pings a user may send per minute.
	LocationRateLimit int
}

// EmailEnabled reports whether SES has a sender address.
func (c *Config) EmailEnabled() bool {
	return c.SESFromEmail != ""
}

// Load reads configuration from environment variables with sensible defaults
func Load() (*Config, error) {
	cfg := &Config{
		Port:     8080,
		LogLevel: "info",
		Env:      "development",

		DBHost:    "localhost",
		DBPort:    5432,
		DBUser:    "sentinel",
		DBName:    "sentinel",
		DBSSLMode: "disable",

		RedisHost: "localhost",
		RedisPort: 6379,

		AWSRegion: "us-east-1",

		WebhookTimeout:      30 * time.Second,
		InactivityThreshold: 30 * time.Minute,
		ScanInterval:        5 * time.Minute,
		DispatchTimeout:     10 * time.Second,
		StorageTimeout:      5 * time.Second,
		DispatchConcurrency: 16,
		StuckAlertAfter:     5 * time.Minute,
		LocationRateLimit:   60,
	}

	var err error
	str := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	integer := func(key string, dst *int) {
		v := os.Getenv(key)
		if v == "" || err != nil {
			return
		}
		n, perr := cast.ToIntE(v)
		if perr != nil {
			err = fmt.Errorf("invalid %s: %w", key, perr)
			return
		}
		*dst = n
	}
	boolean := func(key string, dst *bool) {
		v := os.Getenv(key)
		if v == "" || err != nil {
			return
		}
		b, perr := cast.ToBoolE(v)
		if perr != nil {
			err = fmt.Errorf("invalid %s: %w", key, perr)
			return
		}
		*dst = b
	}
	duration := func(key string, unit time.Duration, dst *time.Duration) {
		n := -1
		integer(key, &n)
		if n >= 0 {
			*dst = time.Duration(n) * unit
		}
	}

	integer("PORT", &cfg.Port)
	str("LOG_LEVEL", &cfg.LogLevel)
	str("ENV", &cfg.Env)
	str("LOG_FILE", &cfg.LogFile)

	str("DB_HOST", &cfg.DBHost)
	integer("DB_PORT", &cfg.DBPort)
	str("DB_USER", &cfg.DBUser)
	str("DB_PASSWORD", &cfg.DBPassword)
	str("DB_NAME", &cfg.DBName)
	str("DB_SSLMODE", &cfg.DBSSLMode)

	str("REDIS_HOST", &cfg.RedisHost)
	integer("REDIS_PORT", &cfg.RedisPort)
	str("REDIS_PASSWORD", &cfg.RedisPassword)
	integer("REDIS_DB", &cfg.RedisDB)

	str("AWS_REGION", &cfg.AWSRegion)
	str("AWS_ENDPOINT", &cfg.AWSEndpoint)
	str("SES_FROM_EMAIL", &cfg.SESFromEmail)
	cfg.SNSRegion = cfg.AWSRegion
	str("SNS_REGION", &cfg.SNSRegion)
	str("SMS_SENDER_ID", &cfg.SMSSenderID)
	cfg.SQSRegion = cfg.AWSRegion
	str("SQS_REGION", &cfg.SQSRegion)
	str("SQS_EVENTS_QUEUE_URL", &cfg.SQSEventsQueueURL)
	str("SQS_LOCATIONS_QUEUE_URL", &cfg.SQSLocationsQueueURL)

	boolean("SMS_ENABLED", &cfg.SMSEnabled)
	boolean("PUSH_ENABLED", &cfg.PushEnabled)
	str("EMERGENCY_WEBHOOK_URL", &cfg.EmergencyWebhookURL)
	str("EMERGENCY_WEBHOOK_TOKEN", &cfg.WebhookAuthToken)
	duration("WEBHOOK_TIMEOUT", time.Second, &cfg.WebhookTimeout)
	boolean("DEV_LOG_SENDERS", &cfg.DevLogSenders)

	duration("INACTIVITY_THRESHOLD_MINUTES", time.Minute, &cfg.InactivityThreshold)
	duration("SCAN_INTERVAL_MINUTES", time.Minute, &cfg.ScanInterval)
	duration("DISPATCH_TIMEOUT_SECONDS", time.Second, &cfg.DispatchTimeout)
	duration("STORAGE_TIMEOUT_SECONDS", time.Second, &cfg.StorageTimeout)
	integer("DISPATCH_CONCURRENCY", &cfg.DispatchConcurrency)
	duration("STUCK_ALERT_MINUTES", time.Minute, &cfg.StuckAlertAfter)
	integer("LOCATION_RATE_LIMIT", &cfg.LocationRateLimit)

	if err != nil {
		return nil, err
	}
	if cfg.InactivityThreshold <= 0 {
		return nil, fmt.Errorf("INACTIVITY_THRESHOLD_MINUTES must be positive")
	}
	if cfg.ScanInterval <= 0 {
		return nil, fmt.Errorf("SCAN_INTERVAL_MINUTES must be positive")
	}
	if cfg.StuckAlertAfter <= 0 {
		return nil, fmt.Errorf("STUCK_ALERT_MINUTES must be positive")
	}
	return cfg, nil
}
