package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the travel voice service.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string
	AllowAnyOrigin   bool

	OpenAIAPIKey         string
	RealtimeModel        string
	RealtimeVoice        string
	RealtimeTemperature  float64
	RealtimeInstructions string
	RealtimeURL          string

	VADThreshold float64
	VADPrefixMS  int
	VADSilenceMS int

	RateLimitPerIP        int
	MaxConcurrentSessions int
	SessionTimeout        time.Duration
	SweepInterval         time.Duration
	ConnectTimeout        time.Duration
	ActivationTimeout     time.Duration

	ChatModel        string
	GoogleMapsAPIKey string
	DatabaseURL      string
}

const defaultInstructions = "You are a friendly travel assistant. Help the user plan trips, " +
	"suggest itineraries and answer questions about destinations. Keep spoken replies short " +
	"and conversational. When the user asks to plan a trip, call the plan_trip function."

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:              envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace:      envOrDefault("APP_METRICS_NAMESPACE", "travelvoice"),
		AllowAnyOrigin:        false,
		OpenAIAPIKey:          strings.TrimSpace(os.Getenv("OPENAI_API_KEY")),
		RealtimeModel:         envOrDefault("REALTIME_MODEL", "gpt-4o-realtime-preview"),
		RealtimeVoice:         envOrDefault("REALTIME_VOICE", "alloy"),
		RealtimeTemperature:   0.8,
		RealtimeInstructions:  envOrDefault("REALTIME_INSTRUCTIONS", defaultInstructions),
		RealtimeURL:           envOrDefault("REALTIME_URL", "wss://api.openai.com/v1/realtime"),
		VADThreshold:          0.5,
		VADPrefixMS:           300,
		VADSilenceMS:          500,
		RateLimitPerIP:        3,
		MaxConcurrentSessions: 10,
		SessionTimeout:        5 * time.Minute,
		SweepInterval:         30 * time.Second,
		ConnectTimeout:        30 * time.Second,
		ActivationTimeout:     20 * time.Second,
		ChatModel:             envOrDefault("OPENAI_CHAT_MODEL", "gpt-4.1"),
		GoogleMapsAPIKey:      strings.TrimSpace(os.Getenv("GOOGLE_MAPS_API_KEY")),
		DatabaseURL:           strings.TrimSpace(os.Getenv("DATABASE_URL")),
		ShutdownTimeout:       15 * time.Second,
	}

	var err error
	cfg.RealtimeTemperature, err = floatFromEnv("REALTIME_TEMPERATURE", cfg.RealtimeTemperature)
	if err != nil {
		return Config{}, err
	}
	cfg.VADThreshold, err = floatFromEnv("VAD_THRESHOLD", cfg.VADThreshold)
	if err != nil {
		return Config{}, err
	}
	cfg.VADPrefixMS, err = intFromEnv("VAD_PREFIX_MS", cfg.VADPrefixMS)
	if err != nil {
		return Config{}, err
	}
	cfg.VADSilenceMS, err = intFromEnv("VAD_SILENCE_MS", cfg.VADSilenceMS)
	if err != nil {
		return Config{}, err
	}
	cfg.RateLimitPerIP, err = intFromEnv("RATE_LIMIT_PER_IP", cfg.RateLimitPerIP)
	if err != nil {
		return Config{}, err
	}
	cfg.MaxConcurrentSessions, err = intFromEnv("MAX_CONCURRENT_SESSIONS", cfg.MaxConcurrentSessions)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionTimeout, err = durationFromEnv("SESSION_TIMEOUT", cfg.SessionTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.SweepInterval, err = durationFromEnv("SWEEP_INTERVAL", cfg.SweepInterval)
	if err != nil {
		return Config{}, err
	}
	cfg.ConnectTimeout, err = durationFromEnv("CONNECT_TIMEOUT", cfg.ConnectTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.ActivationTimeout, err = durationFromEnv("ACTIVATION_TIMEOUT", cfg.ActivationTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}

	if cfg.RateLimitPerIP <= 0 {
		return Config{}, fmt.Errorf("RATE_LIMIT_PER_IP must be positive")
	}
	if cfg.MaxConcurrentSessions <= 0 {
		return Config{}, fmt.Errorf("MAX_CONCURRENT_SESSIONS must be positive")
	}
	if cfg.SessionTimeout < 5*time.Second {
		return Config{}, fmt.Errorf("SESSION_TIMEOUT must be at least 5s")
	}
	if cfg.SweepInterval <= 0 {
		return Config{}, fmt.Errorf("SWEEP_INTERVAL must be positive")
	}
	if cfg.VADThreshold < 0 || cfg.VADThreshold > 1 {
		return Config{}, fmt.Errorf("VAD_THRESHOLD must be within [0, 1]")
	}
	if cfg.ActivationTimeout >= cfg.ConnectTimeout {
		// The activation bound must trip before the connect ceiling so that
		// activation failures carry the stricter timeout.
		return Config{}, fmt.Errorf("ACTIVATION_TIMEOUT must be shorter than CONNECT_TIMEOUT")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func floatFromEnv(key string, fallback float64) (float64, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return f, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
