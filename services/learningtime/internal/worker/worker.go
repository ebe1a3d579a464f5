// Package worker consumes flush jobs and applies them to durable storage.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/example/learning-platform/internal/platform/analytics"
	"github.com/example/learning-platform/internal/platform/flushqueue"
	"github.com/example/learning-platform/services/learningtime/internal/store"
)

const DurableName = "learning_time_flush"

type Config struct {
	BatchSize     int
	BatchInterval time.Duration
	Concurrency   int
	// MaxDeliver is the number of attempts before a job is dead-lettered.
	MaxDeliver int
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.BatchInterval <= 0 {
		c.BatchInterval = 2 * time.Second
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 1
	}
	if c.MaxDeliver <= 0 {
		c.MaxDeliver = 5
	}
	return c
}

// Queue is the broker surface the worker reports outcomes to.
type Queue interface {
	flushqueue.StatusRecorder
	PublishDeadLetter(ctx context.Context, subject string, payload []byte, attempts uint64, reason string) error
}

type Worker struct {
	repo    store.Writer
	queue   Queue
	events  *analytics.Publisher
	metrics *Metrics
	log     *zap.Logger
	cfg     Config
}

func New(repo store.Writer, queue Queue, events *analytics.Publisher, metrics *Metrics, log *zap.Logger, cfg Config) *Worker {
	if log == nil {
		log = zap.NewNop()
	}
	if metrics == nil {
		metrics, _ = NewMetrics(nil)
	}
	return &Worker{repo: repo, queue: queue, events: events, metrics: metrics, log: log, cfg: cfg.withDefaults()}
}

// Process applies one job. A job id seen before is acknowledged without
// applying it again. It satisfies flushqueue.Processor.
func (w *Worker) Process(ctx context.Context, job flushqueue.FlushJob) error {
	applied, err := w.repo.ApplyFlush(ctx, store.Flush{
		JobID:        job.ID,
		UserID:       job.UserID,
		LessonID:     job.LessonID,
		CourseID:     job.CourseID,
		SecondsToAdd: job.SecondsToAdd,
	})
	if err != nil {
		w.metrics.applyErrors.Inc()
		return err
	}
	if !applied {
		w.metrics.duplicates.Inc()
		w.log.Debug("flush job already applied", zap.String("job_id", job.ID))
		return nil
	}
	w.metrics.applied.Inc()
	w.events.Publish(analytics.SubjectLearningTimeFlushed, "learning_time.flushed", job.UserID, map[string]any{
		"job_id":    job.ID,
		"lesson_id": job.LessonID,
		"course_id": job.CourseID,
		"seconds":   job.SecondsToAdd,
	})
	return nil
}

// Run pull-consumes the flush subject until ctx is cancelled.
func (w *Worker) Run(ctx context.Context, js nats.JetStreamContext) error {
	sub, err := js.PullSubscribe(flushqueue.SubjectFlush, DurableName,
		nats.BindStream(flushqueue.StreamName),
		nats.AckWait(30*time.Second),
	)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", flushqueue.SubjectFlush, err)
	}
	w.log.Info("flush consumer started",
		zap.String("subject", flushqueue.SubjectFlush),
		zap.Int("batch", w.cfg.BatchSize),
		zap.Int("concurrency", w.cfg.Concurrency),
	)

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		msgs, err := sub.Fetch(w.cfg.BatchSize, nats.MaxWait(w.cfg.BatchInterval))
		if err != nil {
			if errors.Is(err, nats.ErrTimeout) {
				continue
			}
			w.log.Error("flush consumer: fetch", zap.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}

		var g errgroup.Group
		g.SetLimit(w.cfg.Concurrency)
		for _, m := range msgs {
			d := fromMsg(m)
			g.Go(func() error {
				w.handle(ctx, d)
				return nil
			})
		}
		_ = g.Wait()
	}
}

// delivery is the part of a JetStream message the handler needs.
type delivery struct {
	subject      string
	data         []byte
	numDelivered uint64
	ack          func() error
	nak          func(delay time.Duration) error
}

func fromMsg(m *nats.Msg) delivery {
	numDelivered := uint64(1)
	if md, err := m.Metadata(); err == nil && md != nil {
		numDelivered = md.NumDelivered
	}
	return delivery{
		subject:      m.Subject,
		data:         m.Data,
		numDelivered: numDelivered,
		ack:          func() error { return m.Ack() },
		nak:          func(d time.Duration) error { return m.NakWithDelay(d) },
	}
}

func (w *Worker) handle(ctx context.Context, d delivery) {
	job, err := flushqueue.DecodeJob(d.data)
	if err != nil {
		w.deadLetter(ctx, d, "", fmt.Sprintf("invalid payload: %v", err))
		return
	}
	if int(d.numDelivered) > w.cfg.MaxDeliver {
		w.deadLetter(ctx, d, job.ID, fmt.Sprintf("max deliveries exceeded: %d", d.numDelivered-1))
		return
	}

	if err := w.Process(ctx, job); err != nil {
		if errors.Is(err, store.ErrInvalidFlush) {
			w.deadLetter(ctx, d, job.ID, err.Error())
			return
		}
		w.log.Warn("flush apply failed",
			zap.String("job_id", job.ID),
			zap.Uint64("attempt", d.numDelivered),
			zap.Error(err),
		)
		_ = d.nak(flushqueue.BackoffDelay(d.numDelivered))
		return
	}
	if err := w.queue.MarkCompleted(ctx, job.ID); err != nil {
		w.log.Warn("record job completed", zap.String("job_id", job.ID), zap.Error(err))
	}
	if err := d.ack(); err != nil {
		w.log.Warn("ack flush job", zap.String("job_id", job.ID), zap.Error(err))
	}
}

func (w *Worker) deadLetter(ctx context.Context, d delivery, jobID, reason string) {
	if err := w.queue.PublishDeadLetter(ctx, d.subject, d.data, d.numDelivered, reason); err != nil {
		// Keep the message; it will be retried and dead-lettered again.
		w.log.Error("publish dead letter", zap.String("job_id", jobID), zap.Error(err))
		_ = d.nak(flushqueue.BackoffDelay(d.numDelivered))
		return
	}
	if jobID != "" {
		if err := w.queue.MarkFailed(ctx, jobID, reason); err != nil {
			w.log.Warn("record job failed", zap.String("job_id", jobID), zap.Error(err))
		}
	}
	_ = d.ack()
	w.metrics.deadLettered.Inc()
	w.events.Publish(analytics.SubjectLearningTimeDeadLettered, "learning_time.dead_lettered", "", map[string]any{
		"job_id": jobID,
		"reason": reason,
	})
	w.log.Error("flush job dead-lettered", zap.String("job_id", jobID), zap.String("reason", reason))
}
