package config

import (
	"testing"
	"time"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"PORT", "LOG_LEVEL", "ENV", "EMAIL_TRANSPORT", "EMAIL_ALLOWED_RECIPIENTS",
		"ZOOM_ACCOUNT_ID", "ZOOM_CLIENT_ID", "ZOOM_CLIENT_SECRET", "ZOOM_HOST_USERS",
		"MEETINGS_WORKERS", "MEETINGS_IDLE_PAUSE", "MEETINGS_ERROR_PAUSE",
		"NOTIFICATIONS_WORKERS", "NOTIFICATIONS_IDLE_PAUSE", "NOTIFICATIONS_ERROR_PAUSE",
		"WEBHOOK_RATE_LIMIT", "AWS_ENDPOINT_URL", "NOTIFICATIONS_API_TOKEN",
	} {
		t.Setenv(key, "")
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}

	if cfg.Port != 8080 {
		t.Errorf("expected port 8080, got %d", cfg.Port)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("expected log level 'info', got %s", cfg.LogLevel)
	}
	if cfg.EmailTransport != "log" {
		t.Errorf("expected email transport 'log', got %s", cfg.EmailTransport)
	}
	if cfg.MeetingsWorkers != 2 || cfg.NotificationsWorkers != 1 {
		t.Errorf("unexpected worker counts: meetings=%d notifications=%d", cfg.MeetingsWorkers, cfg.NotificationsWorkers)
	}
	if cfg.MeetingsIdlePause != 30*time.Second || cfg.MeetingsErrorPause != 30*time.Second {
		t.Errorf("unexpected meetings pauses: %v / %v", cfg.MeetingsIdlePause, cfg.MeetingsErrorPause)
	}
	if cfg.NotificationsIdlePause != 15*time.Second || cfg.NotificationsErrorPause != 10*time.Second {
		t.Errorf("unexpected notifications pauses: %v / %v", cfg.NotificationsIdlePause, cfg.NotificationsErrorPause)
	}
	if cfg.WebhookRateLimit != 120 {
		t.Errorf("expected webhook rate limit 120, got %d", cfg.WebhookRateLimit)
	}
	if cfg.MeetingsEnabled() {
		t.Error("meetings should be disabled without zoom credentials")
	}
	if cfg.AWSEndpointURL != "" || cfg.NotificationsAPIToken != "" {
		t.Errorf("expected no endpoint override or api token, got %q / %q", cfg.AWSEndpointURL, cfg.NotificationsAPIToken)
	}
}

func TestLoad_CustomValues(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT", "9000")
	t.Setenv("ENV", "production")
	t.Setenv("EMAIL_TRANSPORT", "SES")
	t.Setenv("EMAIL_ALLOWED_RECIPIENTS", " a@example.com, ,b@example.com ")
	t.Setenv("ZOOM_ACCOUNT_ID", "acct")
	t.Setenv("ZOOM_CLIENT_ID", "id")
	t.Setenv("ZOOM_CLIENT_SECRET", "secret")
	t.Setenv("ZOOM_HOST_USERS", "host1@example.com,host2@example.com")
	t.Setenv("MEETINGS_ERROR_PAUSE", "45s")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}

	if cfg.Port != 9000 {
		t.Errorf("expected port 9000, got %d", cfg.Port)
	}
	if cfg.EmailTransport != "ses" {
		t.Errorf("expected email transport 'ses', got %s", cfg.EmailTransport)
	}
	if len(cfg.EmailAllowedRecipients) != 2 || cfg.EmailAllowedRecipients[1] != "b@example.com" {
		t.Errorf("unexpected allow-list: %v", cfg.EmailAllowedRecipients)
	}
	if len(cfg.ZoomHostUsers) != 2 {
		t.Errorf("expected 2 host users, got %v", cfg.ZoomHostUsers)
	}
	if cfg.MeetingsErrorPause != 45*time.Second {
		t.Errorf("expected 45s error pause, got %v", cfg.MeetingsErrorPause)
	}
	if !cfg.MeetingsEnabled() {
		t.Error("meetings should be enabled with zoom credentials")
	}
}

func TestLoad_InvalidValues(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
	}{
		{"bad port", "PORT", "eighty"},
		{"negative workers", "MEETINGS_WORKERS", "-1"},
		{"bad duration", "NOTIFICATIONS_IDLE_PAUSE", "soon"},
		{"zero duration", "MEETINGS_IDLE_PAUSE", "0s"},
		{"unknown transport", "EMAIL_TRANSPORT", "pigeon"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			t.Setenv(tt.key, tt.value)

			if _, err := Load(); err == nil {
				t.Fatalf("expected error for %s=%q", tt.key, tt.value)
			}
		})
	}
}
