package main

import (
	"context"
	"encoding/json"
	"io"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/example/learning-platform/internal/platform/config"
	"github.com/example/learning-platform/internal/platform/db"
	"github.com/example/learning-platform/internal/platform/flushqueue"
	"github.com/example/learning-platform/internal/platform/natsconn"
	"github.com/example/learning-platform/services/learningtime/internal/stats"
	"github.com/example/learning-platform/services/learningtime/internal/store"
)

// jobQueue is the broker surface the queue commands use.
type jobQueue interface {
	ListDeadLetters(ctx context.Context, limit int) ([]flushqueue.DeadLetter, error)
	ReplayDeadLetters(ctx context.Context, limit int) (int, error)
	Status(ctx context.Context, jobID string) (flushqueue.Status, error)
	WaitUntilFinished(ctx context.Context, h flushqueue.Handle) error
}

type statistics interface {
	GetLearningTimeStatistics(ctx context.Context, courseID string) (stats.Statistics, error)
	GetDetailedLearningTime(ctx context.Context, courseID string) ([]store.CourseLearningTime, error)
}

// backends opens connections lazily so that each command only dials what
// it needs. The returned func releases the connection.
type backends struct {
	queue func(ctx context.Context, natsURL string) (jobQueue, func(), error)
	stats func(ctx context.Context, databaseURL string) (statistics, func(), error)
}

func defaultBackends() backends {
	return backends{
		queue: func(ctx context.Context, natsURL string) (jobQueue, func(), error) {
			nc, err := natsconn.Connect(natsconn.Options{URL: natsURL, Name: "learntimectl"})
			if err != nil {
				return nil, nil, err
			}
			q, err := flushqueue.NewJetStreamClient(nc, zap.NewNop())
			if err == nil {
				ensureCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
				err = q.EnsureStream(ensureCtx)
				cancel()
			}
			if err != nil {
				nc.Close()
				return nil, nil, err
			}
			return q, nc.Close, nil
		},
		stats: func(ctx context.Context, databaseURL string) (statistics, func(), error) {
			pool, err := db.Open(ctx, db.Options{DSN: databaseURL, MaxConns: 2})
			if err != nil {
				return nil, nil, err
			}
			return stats.NewService(store.NewPostgresRepository(pool)), pool.Close, nil
		},
	}
}

type rootOptions struct {
	natsURL     string
	databaseURL string
}

func newRootCmd(b backends) *cobra.Command {
	opts := &rootOptions{}
	rootCmd := &cobra.Command{
		Use:           "learntimectl",
		Short:         "Operate the learning-time flush pipeline",
		Long:          "learntimectl lists and replays dead-lettered flush jobs, waits for individual jobs, and prints course learning-time statistics.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	rootCmd.PersistentFlags().StringVar(&opts.natsURL, "nats-url", config.Env("NATS_URL", "nats://localhost:4222"), "NATS server URL")
	rootCmd.PersistentFlags().StringVar(&opts.databaseURL, "database-url", config.Env("DATABASE_URL", ""), "Postgres connection string")

	rootCmd.AddCommand(
		newDLQCmd(b, opts),
		newJobCmd(b, opts),
		newStatsCmd(b, opts),
	)
	return rootCmd
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
