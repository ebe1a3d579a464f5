package flushqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Processor applies one job. A returned error triggers redelivery.
type Processor func(ctx context.Context, job FlushJob) error

type delivery struct {
	job FlushJob
	seq uint64
}

// MemoryQueue is an in-process queue with the same delivery contract as the
// JetStream client: dedup by job id, bounded redelivery with backoff, dead
// letters after MaxDeliver attempts. Intended for tests and local dev.
type MemoryQueue struct {
	jobs chan delivery
	log  *zap.Logger

	// MaxDeliver bounds attempts per job (default 5).
	MaxDeliver int
	// Backoff returns the delay before the next attempt.
	Backoff func(numDelivered uint64) time.Duration

	mu      sync.Mutex
	seq     uint64
	status  map[string]statusRecord
	changed chan struct{}
	dead    []DeadLetter
}

func NewMemoryQueue(buffer int, log *zap.Logger) *MemoryQueue {
	if buffer <= 0 {
		buffer = 1024
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &MemoryQueue{
		jobs:       make(chan delivery, buffer),
		log:        log,
		MaxDeliver: 5,
		Backoff:    BackoffDelay,
		status:     make(map[string]statusRecord),
		changed:    make(chan struct{}),
	}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, job FlushJob) (Handle, error) {
	if err := job.Validate(); err != nil {
		return Handle{}, err
	}
	q.mu.Lock()
	if _, ok := q.status[job.ID]; ok {
		q.mu.Unlock()
		return Handle{JobID: job.ID}, nil
	}
	q.seq++
	d := delivery{job: job, seq: q.seq}
	q.status[job.ID] = statusRecord{Status: StatusQueued, UpdatedAt: time.Now().UTC()}
	q.mu.Unlock()

	select {
	case q.jobs <- d:
		return Handle{JobID: job.ID, Sequence: d.seq}, nil
	case <-ctx.Done():
		q.mu.Lock()
		delete(q.status, job.ID)
		q.mu.Unlock()
		return Handle{}, ctx.Err()
	}
}

func (q *MemoryQueue) WaitUntilFinished(ctx context.Context, h Handle) error {
	for {
		q.mu.Lock()
		rec, ok := q.status[h.JobID]
		changed := q.changed
		q.mu.Unlock()

		if !ok {
			return ErrUnknownJob
		}
		switch rec.Status {
		case StatusCompleted:
			return nil
		case StatusFailed:
			return fmt.Errorf("%w: %s", ErrJobFailed, rec.Reason)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-changed:
		}
	}
}

func (q *MemoryQueue) MarkCompleted(_ context.Context, jobID string) error {
	q.setStatus(jobID, StatusCompleted, "")
	return nil
}

func (q *MemoryQueue) MarkFailed(_ context.Context, jobID, reason string) error {
	q.setStatus(jobID, StatusFailed, reason)
	return nil
}

func (q *MemoryQueue) setStatus(jobID string, s Status, reason string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.status[jobID] = statusRecord{Status: s, Reason: reason, UpdatedAt: time.Now().UTC()}
	close(q.changed)
	q.changed = make(chan struct{})
}

// Len is the number of jobs waiting for a consumer.
func (q *MemoryQueue) Len() int { return len(q.jobs) }

// DeadLetters returns a copy of every dead-lettered job so far.
func (q *MemoryQueue) DeadLetters() []DeadLetter {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]DeadLetter, len(q.dead))
	copy(out, q.dead)
	return out
}

// PublishDeadLetter records a payload as dead-lettered.
func (q *MemoryQueue) PublishDeadLetter(_ context.Context, subject string, payload []byte, attempts uint64, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.dead = append(q.dead, DeadLetter{
		Subject:  subject,
		Reason:   reason,
		Payload:  rawJSON(payload),
		Attempts: attempts,
		FailedAt: time.Now().UTC(),
	})
	return nil
}

// Run consumes jobs until ctx is cancelled.
func (q *MemoryQueue) Run(ctx context.Context, p Processor) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case d := <-q.jobs:
			q.deliver(ctx, p, d)
		}
	}
}

// Drain processes the jobs currently queued and returns how many it handled.
func (q *MemoryQueue) Drain(ctx context.Context, p Processor) int {
	n := 0
	for {
		select {
		case d := <-q.jobs:
			q.deliver(ctx, p, d)
			n++
		default:
			return n
		}
	}
}

func (q *MemoryQueue) deliver(ctx context.Context, p Processor, d delivery) {
	maxDeliver := q.MaxDeliver
	if maxDeliver <= 0 {
		maxDeliver = 1
	}
	var lastErr error
	for attempt := uint64(1); attempt <= uint64(maxDeliver); attempt++ {
		if lastErr = p(ctx, d.job); lastErr == nil {
			q.setStatus(d.job.ID, StatusCompleted, "")
			return
		}
		q.log.Warn("flush job attempt failed",
			zap.String("job_id", d.job.ID),
			zap.Uint64("attempt", attempt),
			zap.Error(lastErr),
		)
		if attempt == uint64(maxDeliver) {
			break
		}
		if q.Backoff != nil {
			if delay := q.Backoff(attempt); delay > 0 {
				t := time.NewTimer(delay)
				select {
				case <-ctx.Done():
					t.Stop()
					return
				case <-t.C:
				}
			}
		}
	}

	reason := fmt.Sprintf("max deliveries exceeded: %d: %v", maxDeliver, lastErr)
	payload, _ := json.Marshal(d.job)
	_ = q.PublishDeadLetter(ctx, SubjectFlush, payload, uint64(maxDeliver), reason)
	q.setStatus(d.job.ID, StatusFailed, reason)
	q.log.Error("flush job dead-lettered", zap.String("job_id", d.job.ID), zap.String("reason", reason))
}

var (
	_ Client         = (*MemoryQueue)(nil)
	_ StatusRecorder = (*MemoryQueue)(nil)
	_ Client         = (*JetStreamClient)(nil)
	_ StatusRecorder = (*JetStreamClient)(nil)
)
