// Package flushqueue carries learning-time flush jobs from the presence
// service to the persistence worker. Delivery is at-least-once; every job
// carries a stable id that consumers use for deduplication.
package flushqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	StreamName    = "LEARNING_TIME"
	StreamSubject = "learning_time.>"
	SubjectFlush  = "learning_time.flush"
	SubjectDLQ    = "learning_time.dlq"
	StatusBucket  = "FLUSH_JOB_STATUS"
)

var (
	ErrJobFailed  = errors.New("flush job failed")
	ErrUnknownJob = errors.New("unknown flush job")
	ErrInvalidJob = errors.New("invalid flush job")
)

// FlushJob hands one session's accumulated seconds to durable storage.
type FlushJob struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	LessonID     string    `json:"lesson_id"`
	CourseID     string    `json:"course_id"`
	SecondsToAdd int64     `json:"seconds_to_add"`
	Timestamp    time.Time `json:"timestamp"`
}

func (j FlushJob) Validate() error {
	switch {
	case strings.TrimSpace(j.ID) == "":
		return fmt.Errorf("%w: missing id", ErrInvalidJob)
	case strings.TrimSpace(j.UserID) == "", strings.TrimSpace(j.LessonID) == "", strings.TrimSpace(j.CourseID) == "":
		return fmt.Errorf("%w: missing user, lesson or course", ErrInvalidJob)
	case j.SecondsToAdd <= 0:
		return fmt.Errorf("%w: seconds_to_add must be positive, got %d", ErrInvalidJob, j.SecondsToAdd)
	}
	return nil
}

// DecodeJob parses and validates a wire payload.
func DecodeJob(data []byte) (FlushJob, error) {
	var j FlushJob
	if err := json.Unmarshal(data, &j); err != nil {
		return FlushJob{}, fmt.Errorf("%w: %v", ErrInvalidJob, err)
	}
	if err := j.Validate(); err != nil {
		return FlushJob{}, err
	}
	return j, nil
}

// Handle identifies an enqueued job. Sequence is the stream sequence the
// broker assigned on publish.
type Handle struct {
	JobID    string `json:"job_id"`
	Sequence uint64 `json:"sequence"`
}

type Status string

const (
	StatusQueued    Status = "queued"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Enqueuer is what producers need.
type Enqueuer interface {
	Enqueue(ctx context.Context, job FlushJob) (Handle, error)
}

// Client is the full producer side, including completion waits used by
// tooling and tests.
type Client interface {
	Enqueuer
	WaitUntilFinished(ctx context.Context, h Handle) error
}

// StatusRecorder is implemented by queues that track job outcomes; the
// consumer reports through it.
type StatusRecorder interface {
	MarkCompleted(ctx context.Context, jobID string) error
	MarkFailed(ctx context.Context, jobID, reason string) error
}

// DeadLetter is the envelope published for a permanently failed job.
type DeadLetter struct {
	Subject  string          `json:"subject"`
	Reason   string          `json:"reason"`
	Payload  json.RawMessage `json:"payload"`
	Attempts uint64          `json:"attempts,omitempty"`
	FailedAt time.Time       `json:"failed_at"`
}

// Job decodes the original flush job out of the dead letter.
func (d DeadLetter) Job() (FlushJob, error) {
	return DecodeJob(d.Payload)
}

// BackoffDelay is the redelivery delay after numDelivered failed attempts:
// 1s, 2s, 4s ... capped at 60s.
func BackoffDelay(numDelivered uint64) time.Duration {
	attempt := numDelivered
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 7 {
		return 60 * time.Second
	}
	sec := 1 << (attempt - 1)
	if sec > 60 {
		sec = 60
	}
	return time.Duration(sec) * time.Second
}
