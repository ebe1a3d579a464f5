// Package config holds the settings shared by every service process.
// Service-specific settings live next to each service.
package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type HTTPConfig struct {
	Addr string
	// RateLimitRPS is the per-client request rate; 0 disables limiting.
	RateLimitRPS   float64
	RateLimitBurst int
}

type AppConfig struct {
	ServiceName string
	LogLevel    string
	Env         string
	HTTP        HTTPConfig
}

// IsProduction reports whether APP_ENV=production. Development fallbacks
// (in-memory stores, stub publishers) are refused in production.
func (c AppConfig) IsProduction() bool {
	return strings.EqualFold(c.Env, "production")
}

// Load reads the shared settings. A .env file in the working directory is
// loaded first when present; real environment variables take precedence.
func Load(defaultService string) (AppConfig, error) {
	_ = godotenv.Load()

	cfg := AppConfig{
		ServiceName: Env("SERVICE_NAME", defaultService),
		LogLevel:    Env("LOG_LEVEL", "info"),
		Env:         Env("APP_ENV", "development"),
		HTTP: HTTPConfig{
			Addr:           Env("HTTP_ADDR", ":8080"),
			RateLimitRPS:   EnvFloat("HTTP_RATE_LIMIT_RPS", 10),
			RateLimitBurst: EnvInt("HTTP_RATE_LIMIT_BURST", 20),
		},
	}
	if cfg.ServiceName == "" {
		return AppConfig{}, errors.New("SERVICE_NAME is required")
	}
	return cfg, nil
}

// Env returns the trimmed value of key or fallback when unset.
func Env(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

// EnvInt returns a non-negative integer from key or fallback.
func EnvInt(key string, fallback int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}

// EnvDuration returns a positive duration from key or fallback.
func EnvDuration(key string, fallback time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// EnvFloat returns a non-negative float from key or fallback.
func EnvFloat(key string, fallback float64) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f < 0 {
		return fallback
	}
	return f
}
