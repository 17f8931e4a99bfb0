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

	// Redis config (optional: webhook dedup and provider call budget)
	RedisHost     string
	RedisPort     int
	RedisPassword string
	RedisDB       int

	// Email delivery
	EmailTransport          string // ses, smtp or log
	EmailAllowedRecipients  []string
	AWSRegion               string
	SESFromEmail            string
	SMTPHost                string
	SMTPPort                int
	SMTPUsername            string
	SMTPPassword            string
	SMTPFrom                string
	NotificationsWorkers    int
	NotificationsIdlePause  time.Duration
	NotificationsErrorPause time.Duration

	// Meetings provider (Zoom)
	ZoomAccountID          string
	ZoomClientID           string
	ZoomClientSecret       string
	ZoomWebhookSecret      string
	WebhookRateLimit       int // webhook requests per minute per client IP, 0 disables
	ZoomHostUsers          []string
	ZoomMaxMeetingsPerHost int
	ProviderRateLimit      int // provider calls per minute shared by all workers, 0 disables
	MeetingsWorkers        int
	MeetingsIdlePause      time.Duration
	MeetingsErrorPause     time.Duration

	// Sync events
	SNSTopicARN         string
	SQSFailuresQueueURL string
	AWSEndpointURL      string // LocalStack or another emulator

	// NotificationsAPIToken guards POST /notifications; empty leaves the route off.
	NotificationsAPIToken string
}

// MeetingsEnabled reports whether enough provider credentials are present to
// run the meeting sync workers.
func (c *Config) MeetingsEnabled() bool {
	return c.ZoomAccountID != "" && c.ZoomClientID != "" && c.ZoomClientSecret != ""
}

// Load reads configuration from environment variables with sensible defaults
func Load() (*Config, error) {
	cfg := &Config{
		Port:     8080,
		LogLevel: "info",
		Env:      "development",

		DBHost:    "localhost",
		DBPort:    5432,
		DBUser:    "postgres",
		DBName:    "ocg",
		DBSSLMode: "disable",

		RedisHost: "localhost",
		RedisPort: 6379,

		EmailTransport:          "log",
		AWSRegion:               "us-east-1",
		SESFromEmail:            "noreply@ocg.local",
		SMTPHost:                "localhost",
		SMTPPort:                587,
		SMTPFrom:                "noreply@ocg.local",
		NotificationsWorkers:    1,
		NotificationsIdlePause:  15 * time.Second,
		NotificationsErrorPause: 10 * time.Second,

		ZoomMaxMeetingsPerHost: 2,
		ProviderRateLimit:      0,
		WebhookRateLimit:       120,
		MeetingsWorkers:        2,
		MeetingsIdlePause:      30 * time.Second,
		MeetingsErrorPause:     30 * time.Second,
	}

	var err error

	if cfg.Port, err = intEnv("PORT", cfg.Port); err != nil {
		return nil, err
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}
	if env := os.Getenv("ENV"); env != "" {
		cfg.Env = env
	}

	// Database config
	cfg.DBHost = stringEnv("DB_HOST", cfg.DBHost)
	if cfg.DBPort, err = intEnv("DB_PORT", cfg.DBPort); err != nil {
		return nil, err
	}
	cfg.DBUser = stringEnv("DB_USER", cfg.DBUser)
	cfg.DBPassword = stringEnv("DB_PASSWORD", cfg.DBPassword)
	cfg.DBName = stringEnv("DB_NAME", cfg.DBName)
	cfg.DBSSLMode = stringEnv("DB_SSLMODE", cfg.DBSSLMode)

	// Redis config
	cfg.RedisHost = stringEnv("REDIS_HOST", cfg.RedisHost)
	if cfg.RedisPort, err = intEnv("REDIS_PORT", cfg.RedisPort); err != nil {
		return nil, err
	}
	cfg.RedisPassword = stringEnv("REDIS_PASSWORD", cfg.RedisPassword)
	if cfg.RedisDB, err = intEnv("REDIS_DB", cfg.RedisDB); err != nil {
		return nil, err
	}

	// Email config
	cfg.EmailTransport = strings.ToLower(stringEnv("EMAIL_TRANSPORT", cfg.EmailTransport))
	switch cfg.EmailTransport {
	case "ses", "smtp", "log":
	default:
		return nil, fmt.Errorf("invalid EMAIL_TRANSPORT: %q (expected ses, smtp or log)", cfg.EmailTransport)
	}
	cfg.EmailAllowedRecipients = listEnv("EMAIL_ALLOWED_RECIPIENTS")
	cfg.AWSRegion = stringEnv("AWS_REGION", cfg.AWSRegion)
	cfg.SESFromEmail = stringEnv("SES_FROM_EMAIL", cfg.SESFromEmail)
	cfg.SMTPHost = stringEnv("SMTP_HOST", cfg.SMTPHost)
	if cfg.SMTPPort, err = intEnv("SMTP_PORT", cfg.SMTPPort); err != nil {
		return nil, err
	}
	cfg.SMTPUsername = stringEnv("SMTP_USERNAME", cfg.SMTPUsername)
	cfg.SMTPPassword = stringEnv("SMTP_PASSWORD", cfg.SMTPPassword)
	cfg.SMTPFrom = stringEnv("SMTP_FROM", cfg.SMTPFrom)
	if cfg.NotificationsWorkers, err = intEnv("NOTIFICATIONS_WORKERS", cfg.NotificationsWorkers); err != nil {
		return nil, err
	}
	if cfg.NotificationsIdlePause, err = durationEnv("NOTIFICATIONS_IDLE_PAUSE", cfg.NotificationsIdlePause); err != nil {
		return nil, err
	}
	if cfg.NotificationsErrorPause, err = durationEnv("NOTIFICATIONS_ERROR_PAUSE", cfg.NotificationsErrorPause); err != nil {
		return nil, err
	}

	// Zoom config
	cfg.ZoomAccountID = stringEnv("ZOOM_ACCOUNT_ID", cfg.ZoomAccountID)
	cfg.ZoomClientID = stringEnv("ZOOM_CLIENT_ID", cfg.ZoomClientID)
	cfg.ZoomClientSecret = stringEnv("ZOOM_CLIENT_SECRET", cfg.ZoomClientSecret)
	cfg.ZoomWebhookSecret = stringEnv("ZOOM_WEBHOOK_SECRET", cfg.ZoomWebhookSecret)
	cfg.ZoomHostUsers = listEnv("ZOOM_HOST_USERS")
	if cfg.ZoomMaxMeetingsPerHost, err = intEnv("ZOOM_MAX_MEETINGS_PER_HOST", cfg.ZoomMaxMeetingsPerHost); err != nil {
		return nil, err
	}
	if cfg.ProviderRateLimit, err = intEnv("PROVIDER_RATE_LIMIT", cfg.ProviderRateLimit); err != nil {
		return nil, err
	}
	if cfg.WebhookRateLimit, err = intEnv("WEBHOOK_RATE_LIMIT", cfg.WebhookRateLimit); err != nil {
		return nil, err
	}
	if cfg.MeetingsWorkers, err = intEnv("MEETINGS_WORKERS", cfg.MeetingsWorkers); err != nil {
		return nil, err
	}
	if cfg.MeetingsIdlePause, err = durationEnv("MEETINGS_IDLE_PAUSE", cfg.MeetingsIdlePause); err != nil {
		return nil, err
	}
	if cfg.MeetingsErrorPause, err = durationEnv("MEETINGS_ERROR_PAUSE", cfg.MeetingsErrorPause); err != nil {
		return nil, err
	}

	// Sync events
	cfg.SNSTopicARN = stringEnv("SNS_TOPIC_ARN", cfg.SNSTopicARN)
	cfg.SQSFailuresQueueURL = stringEnv("SQS_FAILURES_QUEUE_URL", cfg.SQSFailuresQueueURL)
	cfg.AWSEndpointURL = stringEnv("AWS_ENDPOINT_URL", cfg.AWSEndpointURL)

	cfg.NotificationsAPIToken = stringEnv("NOTIFICATIONS_API_TOKEN", cfg.NotificationsAPIToken)

	return cfg, nil
}

func stringEnv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func intEnv(key string, def int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if n < 0 {
		return 0, fmt.Errorf("invalid %s: must be >= 0", key)
	}
	return n, nil
}

func durationEnv(key string, def time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("invalid %s: %q", key, v)
	}
	return d, nil
}

// listEnv splits a comma separated variable, dropping blanks.
func listEnv(key string) []string {
	raw := os.Getenv(key)
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
