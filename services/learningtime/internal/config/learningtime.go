package config

import (
	"errors"
	"time"

	platformconfig "github.com/example/learning-platform/internal/platform/config"
)

// LearningTime configures the reporting API and the persistence worker.
type LearningTime struct {
	App platformconfig.AppConfig

	DatabaseURL string
	DBMaxConns  int
	GRPCAddr    string
	NATSURL     string
	JWTSecret   string

	WorkerBatchSize     int
	WorkerBatchInterval time.Duration
	WorkerConcurrency   int
	WorkerMaxDeliver    int
}

// LoadLearningTime reads LearningTime from environment variables.
func LoadLearningTime() (LearningTime, error) {
	app, err := platformconfig.Load("learningtime")
	if err != nil {
		return LearningTime{}, err
	}

	cfg := LearningTime{
		App:                 app,
		DatabaseURL:         platformconfig.Env("DATABASE_URL", ""),
		DBMaxConns:          platformconfig.EnvInt("DB_MAX_CONNS", 10),
		GRPCAddr:            platformconfig.Env("GRPC_ADDR", ":9090"),
		NATSURL:             platformconfig.Env("NATS_URL", "nats://nats:4222"),
		JWTSecret:           platformconfig.Env("JWT_SECRET", ""),
		WorkerBatchSize:     platformconfig.EnvInt("WORKER_BATCH_SIZE", 50),
		WorkerBatchInterval: time.Duration(platformconfig.EnvInt("WORKER_BATCH_INTERVAL_MS", 2000)) * time.Millisecond,
		WorkerConcurrency:   platformconfig.EnvInt("WORKER_CONCURRENCY", 4),
		WorkerMaxDeliver:    platformconfig.EnvInt("WORKER_MAX_DELIVER", 5),
	}

	if cfg.DatabaseURL == "" {
		return LearningTime{}, errors.New("DATABASE_URL is required")
	}
	if cfg.JWTSecret == "" {
		return LearningTime{}, errors.New("JWT_SECRET is required")
	}
	if cfg.WorkerBatchSize <= 0 {
		cfg.WorkerBatchSize = 50
	}
	if cfg.WorkerConcurrency <= 0 {
		cfg.WorkerConcurrency = 1
	}
	return cfg, nil
}
