package config

import (
	"log/slog"
	"testing"
	"time"
)

// --- LoadConfig ---

func TestLoadConfig(t *testing.T) {
	// Helper sets the minimum required env vars for a valid config
	setRequired := func(t *testing.T) {
		t.Helper()
		t.Setenv("DATABASE_URL", "postgres://localhost/ledgersync")
		t.Setenv("REDIS_URL", "redis://localhost:6379")
		t.Setenv("LOGICWARE_API_KEY", "key-123")
		t.Setenv("LOGICWARE_SUBDOMAIN", "acme")
	}

	t.Run("returns valid config with all required vars", func(t *testing.T) {
		setRequired(t)

		cfg, err := LoadConfig()
		if err != nil {
			t.Fatalf("LoadConfig failed: %v", err)
		}
		if cfg.DatabaseURL != "postgres://localhost/ledgersync" {
			t.Errorf("DatabaseURL: expected %q, got %q", "postgres://localhost/ledgersync", cfg.DatabaseURL)
		}
		if cfg.LogicwareSubdomain != "acme" {
			t.Errorf("LogicwareSubdomain: expected %q, got %q", "acme", cfg.LogicwareSubdomain)
		}
	})

	for _, key := range []string{"DATABASE_URL", "REDIS_URL", "LOGICWARE_API_KEY", "LOGICWARE_SUBDOMAIN"} {
		t.Run("errors when "+key+" is missing", func(t *testing.T) {
			setRequired(t)
			t.Setenv(key, "")

			if _, err := LoadConfig(); err == nil {
				t.Fatalf("expected error for missing %s, got nil", key)
			}
		})
	}

	t.Run("applies defaults", func(t *testing.T) {
		setRequired(t)
		for _, k := range []string{"PORT", "LOGICWARE_BASE_URL", "LOGICWARE_STOCK_DAILY_LIMIT", "WEBHOOK_WORKERS",
			"WEBHOOK_MAX_RETRIES", "WEBHOOK_BACKOFF", "CACHE_MAX_BYTES", "LOG_LEVEL"} {
			t.Setenv(k, "")
		}

		cfg, err := LoadConfig()
		if err != nil {
			t.Fatalf("LoadConfig failed: %v", err)
		}
		if cfg.Port != "7865" {
			t.Errorf("Port: expected %q, got %q", "7865", cfg.Port)
		}
		if cfg.LogicwareBaseURL != DefaultBaseURL {
			t.Errorf("LogicwareBaseURL: expected %q, got %q", DefaultBaseURL, cfg.LogicwareBaseURL)
		}
		if cfg.StockDailyLimit != 4 {
			t.Errorf("StockDailyLimit: expected 4, got %d", cfg.StockDailyLimit)
		}
		if cfg.WebhookMaxRetries != 3 {
			t.Errorf("WebhookMaxRetries: expected 3, got %d", cfg.WebhookMaxRetries)
		}
		if cfg.CacheMaxBytes != 2<<20 {
			t.Errorf("CacheMaxBytes: expected %d, got %d", 2<<20, cfg.CacheMaxBytes)
		}
		want := []time.Duration{time.Minute, 5 * time.Minute, 15 * time.Minute}
		if len(cfg.WebhookBackoff) != len(want) {
			t.Fatalf("WebhookBackoff: expected %v, got %v", want, cfg.WebhookBackoff)
		}
		for i := range want {
			if cfg.WebhookBackoff[i] != want[i] {
				t.Errorf("WebhookBackoff[%d]: expected %v, got %v", i, want[i], cfg.WebhookBackoff[i])
			}
		}
		if cfg.LogLevel != slog.LevelInfo {
			t.Errorf("LogLevel: expected info, got %v", cfg.LogLevel)
		}
	})

	t.Run("trims trailing slash from base URL", func(t *testing.T) {
		setRequired(t)
		t.Setenv("LOGICWARE_BASE_URL", "http://localhost:9999/")

		cfg, err := LoadConfig()
		if err != nil {
			t.Fatalf("LoadConfig failed: %v", err)
		}
		if cfg.LogicwareBaseURL != "http://localhost:9999" {
			t.Errorf("LogicwareBaseURL: expected %q, got %q", "http://localhost:9999", cfg.LogicwareBaseURL)
		}
	})

	t.Run("notify URL requires recipient", func(t *testing.T) {
		setRequired(t)
		t.Setenv("ALERT_NOTIFY_URL", "https://notify.example.com/send")
		t.Setenv("ALERT_RECIPIENT", "")

		if _, err := LoadConfig(); err == nil {
			t.Fatal("expected error for notify URL without recipient, got nil")
		}
	})

	t.Run("splits kafka brokers", func(t *testing.T) {
		setRequired(t)
		t.Setenv("ALERT_KAFKA_BROKERS", "k1:9092, k2:9092,")

		cfg, err := LoadConfig()
		if err != nil {
			t.Fatalf("LoadConfig failed: %v", err)
		}
		if len(cfg.AlertKafkaBrokers) != 2 || cfg.AlertKafkaBrokers[1] != "k2:9092" {
			t.Errorf("AlertKafkaBrokers: got %v", cfg.AlertKafkaBrokers)
		}
	})

	t.Run("smtp host requires sender and recipients", func(t *testing.T) {
		setRequired(t)
		t.Setenv("ALERT_SMTP_HOST", "smtp.example.com")
		t.Setenv("ALERT_EMAIL_FROM", "ledgersync@example.com")
		t.Setenv("ALERT_EMAIL_TO", "")

		if _, err := LoadConfig(); err == nil {
			t.Fatal("expected error for smtp host without recipients, got nil")
		}

		t.Setenv("ALERT_EMAIL_TO", "ops@example.com,dev@example.com")
		t.Setenv("ALERT_SMTP_PORT", "")
		cfg, err := LoadConfig()
		if err != nil {
			t.Fatalf("LoadConfig failed: %v", err)
		}
		if cfg.AlertSMTPPort != "587" || len(cfg.AlertEmailTo) != 2 {
			t.Errorf("smtp config: port %q, to %v", cfg.AlertSMTPPort, cfg.AlertEmailTo)
		}
	})
}

// --- envInt / envDurations ---

func TestEnvInt(t *testing.T) {
	tests := []struct {
		name  string
		value string
		want  int
	}{
		{"unset returns default", "", 7},
		{"valid value", "12", 12},
		{"garbage falls back", "abc", 7},
		{"zero falls back", "0", 7},
		{"negative falls back", "-3", 7},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("TEST_ENV_INT", tt.value)
			if got := envInt("TEST_ENV_INT", 7); got != tt.want {
				t.Errorf("envInt: expected %d, got %d", tt.want, got)
			}
		})
	}
}

func TestEnvDurations(t *testing.T) {
	def := []time.Duration{time.Second}

	t.Run("parses list", func(t *testing.T) {
		t.Setenv("TEST_ENV_DURS", "30s, 2m")
		got := envDurations("TEST_ENV_DURS", def)
		if len(got) != 2 || got[0] != 30*time.Second || got[1] != 2*time.Minute {
			t.Errorf("envDurations: got %v", got)
		}
	})

	t.Run("one bad element falls back", func(t *testing.T) {
		t.Setenv("TEST_ENV_DURS", "30s,nope")
		got := envDurations("TEST_ENV_DURS", def)
		if len(got) != 1 || got[0] != time.Second {
			t.Errorf("envDurations: expected default, got %v", got)
		}
	})
}
