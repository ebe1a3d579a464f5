// Package config reads the environment of the presence and learningtime
// binaries.
package config

import (
	"errors"
	"time"

	platformconfig "github.com/example/learning-platform/internal/platform/config"
)

// Presence holds all configuration for the presence binary.
type Presence struct {
	App platformconfig.AppConfig

	HeartbeatIntervalSeconds int
	RedisURL                 string
	SessionTTL               time.Duration
	// EnqueueMaxRetries of 0 selects the accumulator default.
	EnqueueMaxRetries     int
	EnqueueInitialBackoff time.Duration
	FlushTimeout          time.Duration
	JWTSecret             string
	NATSURL               string
}

func (c Presence) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalSeconds) * time.Second
}

// LoadPresence reads Presence from environment variables.
func LoadPresence() (Presence, error) {
	app, err := platformconfig.Load("presence")
	if err != nil {
		return Presence{}, err
	}

	cfg := Presence{
		App:                      app,
		HeartbeatIntervalSeconds: platformconfig.EnvInt("HEARTBEAT_INTERVAL_SECONDS", 30),
		RedisURL:                 platformconfig.Env("REDIS_URL", ""),
		SessionTTL:               platformconfig.EnvDuration("SESSION_TTL", 24*time.Hour),
		EnqueueMaxRetries:        platformconfig.EnvInt("ENQUEUE_MAX_RETRIES", 3),
		EnqueueInitialBackoff:    platformconfig.EnvDuration("ENQUEUE_INITIAL_BACKOFF", 200*time.Millisecond),
		FlushTimeout:             platformconfig.EnvDuration("FLUSH_TIMEOUT", 10*time.Second),
		JWTSecret:                platformconfig.Env("JWT_SECRET", ""),
		NATSURL:                  platformconfig.Env("NATS_URL", "nats://nats:4222"),
	}

	if cfg.HeartbeatIntervalSeconds <= 0 {
		return Presence{}, errors.New("HEARTBEAT_INTERVAL_SECONDS must be positive")
	}
	if cfg.EnqueueMaxRetries < 0 {
		return Presence{}, errors.New("ENQUEUE_MAX_RETRIES must not be negative")
	}
	if cfg.JWTSecret == "" {
		return Presence{}, errors.New("JWT_SECRET is required")
	}
	if app.IsProduction() && cfg.RedisURL == "" {
		return Presence{}, errors.New("REDIS_URL is required in production")
	}
	return cfg, nil
}
