package flushqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// JetStreamClient is the production queue: jobs are published to the
// LEARNING_TIME stream and job status lives in a KeyValue bucket.
type JetStreamClient struct {
	js  nats.JetStreamContext
	kv  nats.KeyValue
	log *zap.Logger
	now func() time.Time
}

func NewJetStreamClient(nc *nats.Conn, log *zap.Logger) (*JetStreamClient, error) {
	js, err := nc.JetStream()
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &JetStreamClient{js: js, log: log, now: time.Now}, nil
}

// JetStream exposes the underlying context for consumers sharing the connection.
func (c *JetStreamClient) JetStream() nats.JetStreamContext { return c.js }

// EnsureStream creates or updates the stream and the status bucket.
func (c *JetStreamClient) EnsureStream(ctx context.Context) error {
	info, err := c.js.StreamInfo(StreamName, nats.Context(ctx))
	switch {
	case err == nil:
		if !hasSubject(info.Config.Subjects, StreamSubject) {
			cfg := info.Config
			cfg.Subjects = []string{StreamSubject}
			if _, err := c.js.UpdateStream(&cfg, nats.Context(ctx)); err != nil {
				return fmt.Errorf("update stream %s: %w", StreamName, err)
			}
		}
	case errors.Is(err, nats.ErrStreamNotFound):
		_, err = c.js.AddStream(&nats.StreamConfig{
			Name:       StreamName,
			Subjects:   []string{StreamSubject},
			Storage:    nats.FileStorage,
			MaxAge:     7 * 24 * time.Hour,
			Duplicates: 2 * time.Minute,
		}, nats.Context(ctx))
		if err != nil {
			return fmt.Errorf("add stream %s: %w", StreamName, err)
		}
	default:
		return fmt.Errorf("stream info %s: %w", StreamName, err)
	}

	kv, err := c.js.KeyValue(StatusBucket)
	if errors.Is(err, nats.ErrBucketNotFound) {
		kv, err = c.js.CreateKeyValue(&nats.KeyValueConfig{
			Bucket:  StatusBucket,
			TTL:     24 * time.Hour,
			History: 1,
			Storage: nats.FileStorage,
		})
	}
	if err != nil {
		return fmt.Errorf("status bucket %s: %w", StatusBucket, err)
	}
	c.kv = kv
	return nil
}

func hasSubject(subjects []string, want string) bool {
	for _, s := range subjects {
		if s == want {
			return true
		}
	}
	return false
}

// Enqueue publishes the job with its id as the broker dedup id, so a retried
// publish inside the duplicate window is stored once.
func (c *JetStreamClient) Enqueue(ctx context.Context, job FlushJob) (Handle, error) {
	if err := job.Validate(); err != nil {
		return Handle{}, err
	}
	data, err := json.Marshal(job)
	if err != nil {
		return Handle{}, err
	}
	// Create, not Put: never overwrite a status the worker already wrote.
	rev, err := c.createStatus(job.ID, StatusQueued, "")
	if err != nil {
		return Handle{}, err
	}
	ack, err := c.js.Publish(SubjectFlush, data, nats.MsgId(job.ID), nats.Context(ctx))
	if err != nil {
		c.dropStatus(job.ID, rev)
		return Handle{}, fmt.Errorf("publish flush job %s: %w", job.ID, err)
	}
	if ack.Duplicate {
		c.log.Debug("flush job already stored", zap.String("job_id", job.ID), zap.Uint64("seq", ack.Sequence))
	}
	return Handle{JobID: job.ID, Sequence: ack.Sequence}, nil
}

// WaitUntilFinished blocks until the job is completed (nil) or failed
// (ErrJobFailed), or ctx ends.
func (c *JetStreamClient) WaitUntilFinished(ctx context.Context, h Handle) error {
	if c.kv == nil {
		return errors.New("flushqueue: status bucket not initialised")
	}
	w, err := c.kv.Watch(h.JobID, nats.Context(ctx))
	if err != nil {
		return fmt.Errorf("watch job %s: %w", h.JobID, err)
	}
	defer func() { _ = w.Stop() }()

	seen := false
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e, ok := <-w.Updates():
			if !ok {
				if err := ctx.Err(); err != nil {
					return err
				}
				return fmt.Errorf("watch job %s: watcher closed", h.JobID)
			}
			// nil marks the end of the initial values.
			if e == nil {
				if !seen {
					return ErrUnknownJob
				}
				continue
			}
			seen = true
			if e.Operation() != nats.KeyValuePut {
				continue
			}
			rec, err := decodeStatus(e.Value())
			if err != nil {
				return err
			}
			switch rec.Status {
			case StatusCompleted:
				return nil
			case StatusFailed:
				return fmt.Errorf("%w: %s", ErrJobFailed, rec.Reason)
			}
		}
	}
}

// Status returns the last recorded status of a job.
func (c *JetStreamClient) Status(_ context.Context, jobID string) (Status, error) {
	if c.kv == nil {
		return "", errors.New("flushqueue: status bucket not initialised")
	}
	e, err := c.kv.Get(jobID)
	if errors.Is(err, nats.ErrKeyNotFound) {
		return "", ErrUnknownJob
	}
	if err != nil {
		return "", err
	}
	rec, err := decodeStatus(e.Value())
	if err != nil {
		return "", err
	}
	return rec.Status, nil
}

func (c *JetStreamClient) MarkCompleted(_ context.Context, jobID string) error {
	return c.putStatus(jobID, StatusCompleted, "")
}

func (c *JetStreamClient) MarkFailed(_ context.Context, jobID, reason string) error {
	return c.putStatus(jobID, StatusFailed, reason)
}

// PublishDeadLetter parks a payload on the dead-letter subject.
func (c *JetStreamClient) PublishDeadLetter(ctx context.Context, subject string, payload []byte, attempts uint64, reason string) error {
	b, err := json.Marshal(DeadLetter{
		Subject:  subject,
		Reason:   reason,
		Payload:  rawJSON(payload),
		Attempts: attempts,
		FailedAt: c.now().UTC(),
	})
	if err != nil {
		return err
	}
	_, err = c.js.Publish(SubjectDLQ, b, nats.Context(ctx))
	return err
}

// ListDeadLetters reads up to limit dead letters without consuming them.
func (c *JetStreamClient) ListDeadLetters(ctx context.Context, limit int) ([]DeadLetter, error) {
	sub, err := c.js.SubscribeSync(SubjectDLQ, nats.DeliverAll(), nats.AckNone())
	if err != nil {
		return nil, err
	}
	defer func() { _ = sub.Unsubscribe() }()

	var out []DeadLetter
	for limit <= 0 || len(out) < limit {
		waitCtx, cancel := context.WithTimeout(ctx, time.Second)
		m, err := sub.NextMsgWithContext(waitCtx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return out, ctx.Err()
			}
			// Idle for a second: the backlog is drained.
			return out, nil
		}
		var dl DeadLetter
		if err := json.Unmarshal(m.Data, &dl); err != nil {
			c.log.Warn("skipping malformed dead letter", zap.Error(err))
			continue
		}
		out = append(out, dl)
	}
	return out, nil
}

// ReplayDeadLetters consumes up to limit dead letters through a durable
// consumer and re-publishes their flush jobs with the original ids.
// The original id keeps the durable dedup in place, so a job that was in
// fact applied is not counted twice.
func (c *JetStreamClient) ReplayDeadLetters(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = 100
	}
	sub, err := c.js.PullSubscribe(SubjectDLQ, "learning_time_dlq_replay")
	if err != nil {
		return 0, err
	}
	fetchCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	msgs, err := sub.Fetch(limit, nats.Context(fetchCtx))
	if err != nil && !errors.Is(err, nats.ErrTimeout) && !errors.Is(err, context.DeadlineExceeded) {
		return 0, err
	}

	replayed := 0
	for _, m := range msgs {
		var dl DeadLetter
		if err := json.Unmarshal(m.Data, &dl); err != nil {
			c.log.Warn("dropping malformed dead letter", zap.Error(err))
			_ = m.Term()
			continue
		}
		job, err := dl.Job()
		if err != nil {
			c.log.Warn("dead letter holds no valid flush job", zap.String("reason", dl.Reason), zap.Error(err))
			_ = m.Term()
			continue
		}
		if err := c.putStatus(job.ID, StatusQueued, ""); err != nil {
			_ = m.Nak()
			return replayed, err
		}
		data, _ := json.Marshal(job)
		if _, err := c.js.Publish(SubjectFlush, data, nats.MsgId(job.ID), nats.Context(ctx)); err != nil {
			_ = m.Nak()
			return replayed, fmt.Errorf("republish job %s: %w", job.ID, err)
		}
		_ = m.Ack()
		replayed++
	}
	return replayed, nil
}

type statusRecord struct {
	Status    Status    `json:"status"`
	Reason    string    `json:"reason,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

func decodeStatus(b []byte) (statusRecord, error) {
	var rec statusRecord
	if err := json.Unmarshal(b, &rec); err != nil {
		return statusRecord{}, fmt.Errorf("decode job status: %w", err)
	}
	return rec, nil
}

func (c *JetStreamClient) encodeStatus(s Status, reason string) []byte {
	b, _ := json.Marshal(statusRecord{Status: s, Reason: reason, UpdatedAt: c.now().UTC()})
	return b
}

// createStatus returns the revision it wrote, or 0 when the key already existed.
func (c *JetStreamClient) createStatus(jobID string, s Status, reason string) (uint64, error) {
	if c.kv == nil {
		return 0, nil
	}
	rev, err := c.kv.Create(jobID, c.encodeStatus(s, reason))
	if errors.Is(err, nats.ErrKeyExists) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("record job %s status: %w", jobID, err)
	}
	return rev, nil
}

// dropStatus removes the queued entry written at rev, unless something has
// updated it since.
func (c *JetStreamClient) dropStatus(jobID string, rev uint64) {
	if c.kv == nil || rev == 0 {
		return
	}
	if err := c.kv.Delete(jobID, nats.LastRevision(rev)); err != nil {
		c.log.Warn("drop queued status", zap.String("job_id", jobID), zap.Error(err))
	}
}

func (c *JetStreamClient) putStatus(jobID string, s Status, reason string) error {
	if c.kv == nil {
		return nil
	}
	if _, err := c.kv.Put(jobID, c.encodeStatus(s, reason)); err != nil {
		return fmt.Errorf("record job %s status: %w", jobID, err)
	}
	return nil
}

// rawJSON keeps valid JSON payloads as-is and quotes anything else so the
// envelope stays decodable.
func rawJSON(b []byte) json.RawMessage {
	if json.Valid(b) {
		return json.RawMessage(b)
	}
	q, _ := json.Marshal(string(b))
	return json.RawMessage(q)
}
