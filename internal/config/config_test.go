package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	setCoreEnvEmpty(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.BindAddr != ":8080" {
		t.Fatalf("BindAddr = %q, want %q", cfg.BindAddr, ":8080")
	}
	if cfg.RealtimeModel != "gpt-4o-realtime-preview" {
		t.Fatalf("RealtimeModel = %q, want default", cfg.RealtimeModel)
	}
	if cfg.RateLimitPerIP != 3 {
		t.Fatalf("RateLimitPerIP = %d, want 3", cfg.RateLimitPerIP)
	}
	if cfg.MaxConcurrentSessions != 10 {
		t.Fatalf("MaxConcurrentSessions = %d, want 10", cfg.MaxConcurrentSessions)
	}
	if cfg.SessionTimeout != 5*time.Minute {
		t.Fatalf("SessionTimeout = %v, want 5m", cfg.SessionTimeout)
	}
	if cfg.ConnectTimeout != 30*time.Second {
		t.Fatalf("ConnectTimeout = %v, want 30s", cfg.ConnectTimeout)
	}
	if cfg.ActivationTimeout >= cfg.ConnectTimeout {
		t.Fatalf("ActivationTimeout %v should be below ConnectTimeout %v", cfg.ActivationTimeout, cfg.ConnectTimeout)
	}
}

func TestLoadOverrides(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("RATE_LIMIT_PER_IP", "1")
	t.Setenv("MAX_CONCURRENT_SESSIONS", "2")
	t.Setenv("SESSION_TIMEOUT", "90s")
	t.Setenv("VAD_THRESHOLD", "0.7")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.RateLimitPerIP != 1 {
		t.Fatalf("RateLimitPerIP = %d, want 1", cfg.RateLimitPerIP)
	}
	if cfg.MaxConcurrentSessions != 2 {
		t.Fatalf("MaxConcurrentSessions = %d, want 2", cfg.MaxConcurrentSessions)
	}
	if cfg.SessionTimeout != 90*time.Second {
		t.Fatalf("SessionTimeout = %v, want 90s", cfg.SessionTimeout)
	}
	if cfg.VADThreshold != 0.7 {
		t.Fatalf("VADThreshold = %v, want 0.7", cfg.VADThreshold)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := []struct {
		name  string
		key   string
		value string
	}{
		{"zero rate limit", "RATE_LIMIT_PER_IP", "0"},
		{"negative global cap", "MAX_CONCURRENT_SESSIONS", "-1"},
		{"tiny session timeout", "SESSION_TIMEOUT", "1s"},
		{"vad threshold above one", "VAD_THRESHOLD", "1.5"},
		{"unparseable duration", "CONNECT_TIMEOUT", "soon"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			setCoreEnvEmpty(t)
			t.Setenv(tc.key, tc.value)
			if _, err := Load(); err == nil {
				t.Fatalf("Load() with %s=%s should fail", tc.key, tc.value)
			}
		})
	}
}

func TestLoadRejectsActivationAboveConnect(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("CONNECT_TIMEOUT", "10s")
	t.Setenv("ACTIVATION_TIMEOUT", "15s")
	if _, err := Load(); err == nil {
		t.Fatalf("Load() should reject ACTIVATION_TIMEOUT above CONNECT_TIMEOUT")
	}
}

func setCoreEnvEmpty(t *testing.T) {
	t.Helper()
	keys := []string{
		"APP_BIND_ADDR",
		"APP_SHUTDOWN_TIMEOUT",
		"APP_METRICS_NAMESPACE",
		"APP_ALLOW_ANY_ORIGIN",
		"OPENAI_API_KEY",
		"OPENAI_CHAT_MODEL",
		"REALTIME_MODEL",
		"REALTIME_VOICE",
		"REALTIME_TEMPERATURE",
		"REALTIME_INSTRUCTIONS",
		"REALTIME_URL",
		"VAD_THRESHOLD",
		"VAD_PREFIX_MS",
		"VAD_SILENCE_MS",
		"RATE_LIMIT_PER_IP",
		"MAX_CONCURRENT_SESSIONS",
		"SESSION_TIMEOUT",
		"SWEEP_INTERVAL",
		"CONNECT_TIMEOUT",
		"ACTIVATION_TIMEOUT",
		"GOOGLE_MAPS_API_KEY",
		"DATABASE_URL",
	}
	for _, k := range keys {
		t.Setenv(k, "")
	}
}
