// config.go

// Environment variable loading and validation.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// DefaultBaseURL is the production Logicware gateway.
const DefaultBaseURL = "https://gateway.logicwareperu.com"

// Config holds all env configuration vars for ledgersync.
type Config struct {
	DatabaseURL string
	RedisURL    string
	Port        string
	LogLevel    slog.Level

	// Upstream CRM credentials. APIKey and Subdomain are required.
	LogicwareBaseURL   string
	LogicwareAPIKey    string
	LogicwareSubdomain string

	// Full-stock read ceiling per UTC day. Default 4.
	StockDailyLimit int
	// Outbound request rate to the upstream. Default 5/s.
	UpstreamRPS int
	// Payloads above this size are served but not cached. Default 2 MiB.
	CacheMaxBytes int

	// WebhookSecret enables X-Logicware-Signature verification when non-empty.
	WebhookSecret  string
	WebhookWorkers int
	// Failed attempts that are retried. The next failure is terminal. Default 3.
	WebhookMaxRetries int
	// Retry delays after the 1st, 2nd, ... failed attempt. The last one repeats.
	WebhookBackoff []time.Duration

	// AdminToken guards the webhook log inspection and replay routes.
	// Empty disables them.
	AdminToken string

	// Alert sinks. All optional -- the log sink is always on.
	AlertNotifyURL    string
	AlertRecipient    string
	AlertKafkaBrokers []string
	AlertKafkaTopic   string

	// Email alerts are sent when AlertSMTPHost is set.
	AlertSMTPHost     string
	AlertSMTPPort     string
	AlertSMTPUsername string
	AlertSMTPPassword string
	AlertEmailFrom    string
	AlertEmailTo      []string
}

// LoadConfig reads environment variables and returns a validated Config.
// A .env file in the working directory is loaded first when present; real
// environment variables win over it.
// Returns an error if required variables are missing.
func LoadConfig() (*Config, error) {
	_ = godotenv.Load() // .env is optional

	cfg := &Config{}

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	cfg.RedisURL = os.Getenv("REDIS_URL")
	if cfg.RedisURL == "" {
		return nil, fmt.Errorf("REDIS_URL is required")
	}

	// Missing key is a fatal configuration error, surfaced before anything starts.
	cfg.LogicwareAPIKey = os.Getenv("LOGICWARE_API_KEY")
	if cfg.LogicwareAPIKey == "" {
		return nil, fmt.Errorf("LOGICWARE_API_KEY is required")
	}

	cfg.LogicwareSubdomain = os.Getenv("LOGICWARE_SUBDOMAIN")
	if cfg.LogicwareSubdomain == "" {
		return nil, fmt.Errorf("LOGICWARE_SUBDOMAIN is required")
	}

	cfg.LogicwareBaseURL = strings.TrimRight(os.Getenv("LOGICWARE_BASE_URL"), "/")
	if cfg.LogicwareBaseURL == "" {
		cfg.LogicwareBaseURL = DefaultBaseURL
	}

	cfg.Port = os.Getenv("PORT")
	if cfg.Port == "" {
		cfg.Port = "7865"
	}

	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		cfg.LogLevel = slog.LevelDebug
	case "warn":
		cfg.LogLevel = slog.LevelWarn
	case "error":
		cfg.LogLevel = slog.LevelError
	default:
		cfg.LogLevel = slog.LevelInfo
	}

	cfg.StockDailyLimit = envInt("LOGICWARE_STOCK_DAILY_LIMIT", 4)
	cfg.UpstreamRPS = envInt("LOGICWARE_RPS", 5)
	cfg.CacheMaxBytes = envInt("CACHE_MAX_BYTES", 2<<20)

	cfg.WebhookSecret = os.Getenv("WEBHOOK_SECRET")
	cfg.WebhookWorkers = envInt("WEBHOOK_WORKERS", 4)
	cfg.WebhookMaxRetries = envInt("WEBHOOK_MAX_RETRIES", 3)
	cfg.WebhookBackoff = envDurations("WEBHOOK_BACKOFF", []time.Duration{time.Minute, 5 * time.Minute, 15 * time.Minute})
	cfg.AdminToken = os.Getenv("ADMIN_TOKEN")

	cfg.AlertNotifyURL = os.Getenv("ALERT_NOTIFY_URL")
	cfg.AlertRecipient = os.Getenv("ALERT_RECIPIENT")
	if cfg.AlertNotifyURL != "" && cfg.AlertRecipient == "" {
		return nil, fmt.Errorf("ALERT_RECIPIENT must be set when ALERT_NOTIFY_URL is set")
	}
	cfg.AlertKafkaBrokers = envList("ALERT_KAFKA_BROKERS")
	cfg.AlertKafkaTopic = os.Getenv("ALERT_KAFKA_TOPIC")
	if cfg.AlertKafkaTopic == "" {
		cfg.AlertKafkaTopic = "ledgersync.alerts"
	}

	cfg.AlertSMTPHost = os.Getenv("ALERT_SMTP_HOST")
	cfg.AlertSMTPPort = os.Getenv("ALERT_SMTP_PORT")
	if cfg.AlertSMTPPort == "" {
		cfg.AlertSMTPPort = "587"
	}
	cfg.AlertSMTPUsername = os.Getenv("ALERT_SMTP_USERNAME")
	cfg.AlertSMTPPassword = os.Getenv("ALERT_SMTP_PASSWORD")
	cfg.AlertEmailFrom = os.Getenv("ALERT_EMAIL_FROM")
	cfg.AlertEmailTo = envList("ALERT_EMAIL_TO")
	if cfg.AlertSMTPHost != "" && (cfg.AlertEmailFrom == "" || len(cfg.AlertEmailTo) == 0) {
		return nil, fmt.Errorf("ALERT_EMAIL_FROM and ALERT_EMAIL_TO must be set when ALERT_SMTP_HOST is set")
	}

	return cfg, nil
}

// envList splits a comma-separated env var, dropping blanks.
func envList(key string) []string {
	var out []string
	for _, v := range strings.Split(os.Getenv(key), ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// envInt reads an env var as int, returning def if missing or unparseable.
func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		slog.Warn("invalid env var, using default", "key", key, "value", v, "default", def)
		return def
	}
	return n
}

// envDurations reads a comma-separated list of durations, returning def if
// missing or if any element is unparseable.
func envDurations(key string, def []time.Duration) []time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	var out []time.Duration
	for _, part := range strings.Split(v, ",") {
		d, err := time.ParseDuration(strings.TrimSpace(part))
		if err != nil || d <= 0 {
			slog.Warn("invalid env var, using default", "key", key, "value", v, "default", def)
			return def
		}
		out = append(out, d)
	}
	return out
}
