package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
)

// Config holds application configuration loaded from the environment.
type Config struct {
	AppEnv             string
	Port               string
	RedisURL           string
	CORSAllowedOrigins []string

	// Position source (device agent) settings.
	PositionSourceURL   string
	PositionSourceToken string
	PositionTimeout     time.Duration

	// Geocoding providers.
	NominatimBaseURL string
	PhotonBaseURL    string
	GeocodeUserAgent string

	// Tracking defaults applied when no stored settings exist.
	TrackingUserID      string
	DefaultPollInterval time.Duration

	// Observability.
	MetricsBuckets string
	OTLPEndpoint   string
}

// Load reads configuration from environment variables and optional .env files.
func Load() (*Config, error) {
	_ = godotenv.Load()

	k := koanf.New(".")
	if err := k.Load(env.Provider("", ".", func(s string) string { return s }), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	cfg := &Config{
		AppEnv:              valueOrDefault(k.String("APP_ENV"), "development"),
		Port:                valueOrDefault(k.String("PORT"), "8080"),
		RedisURL:            k.String("REDIS_URL"),
		CORSAllowedOrigins:  splitAndTrim(k.String("CORS_ALLOWED_ORIGINS")),
		PositionSourceURL:   k.String("POSITION_SOURCE_URL"),
		PositionSourceToken: k.String("POSITION_SOURCE_TOKEN"),
		PositionTimeout:     parseDuration(k.String("POSITION_TIMEOUT"), "15s"),
		NominatimBaseURL:    valueOrDefault(k.String("NOMINATIM_BASE_URL"), "https://nominatim.openstreetmap.org"),
		PhotonBaseURL:       valueOrDefault(k.String("PHOTON_BASE_URL"), "https://photon.komoot.io"),
		GeocodeUserAgent:    valueOrDefault(k.String("GEOCODE_USER_AGENT"), "waypoint/1.0"),
		TrackingUserID:      valueOrDefault(k.String("TRACKING_USER_ID"), "default"),
		DefaultPollInterval: parseDuration(k.String("DEFAULT_POLL_INTERVAL"), "30s"),
		MetricsBuckets:      k.String("METRICS_BUCKETS_MS"),
		OTLPEndpoint:        k.String("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if cfg.RedisURL == "" {
		return nil, errors.New("REDIS_URL is required")
	}
	if cfg.PositionSourceURL == "" {
		return nil, errors.New("POSITION_SOURCE_URL is required")
	}

	return cfg, nil
}

// HTTPAddr returns the address the HTTP server should bind to.
func (c *Config) HTTPAddr() string {
	port := strings.TrimSpace(c.Port)
	if port == "" {
		port = "8080"
	}
	if strings.HasPrefix(port, ":") {
		return port
	}
	return ":" + port
}

func splitAndTrim(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

func valueOrDefault(value, fallback string) string {
	if strings.TrimSpace(value) != "" {
		return value
	}
	return fallback
}

func parseDuration(value, fallback string) time.Duration {
	base := strings.TrimSpace(value)
	if base == "" {
		base = fallback
	}
	d, err := time.ParseDuration(base)
	if err != nil {
		d, _ = time.ParseDuration(fallback)
	}
	return d
}

// MustLoad behaves like Load but panics on error. Useful for tests and command entrypoints.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// LoadForTests allows tests to override environment variables without touching the real environment.
func LoadForTests(env map[string]string) (*Config, error) {
	original := make(map[string]string, len(env))
	for key := range env {
		original[key] = os.Getenv(key)
		if err := setEnvVar(key, env[key]); err != nil {
			return nil, err
		}
	}
	cfg, err := Load()
	restoreErr := restoreEnv(original)
	if err != nil {
		return nil, err
	}
	return cfg, restoreErr
}

func setEnvVar(key, value string) error {
	if value == "" {
		return os.Unsetenv(key)
	}
	return os.Setenv(key, value)
}

func restoreEnv(values map[string]string) error {
	var errs []string
	for key, value := range values {
		if err := setEnvVar(key, value); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", key, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("restore env: %s", strings.Join(errs, "; "))
	}
	return nil
}
