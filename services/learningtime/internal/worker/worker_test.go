package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/example/learning-platform/internal/platform/flushqueue"
	"github.com/example/learning-platform/services/learningtime/internal/accumulator"
	"github.com/example/learning-platform/services/learningtime/internal/session"
	"github.com/example/learning-platform/services/learningtime/internal/store"
)

var (
	_ Queue = (*flushqueue.MemoryQueue)(nil)
	_ Queue = (*flushqueue.JetStreamClient)(nil)
)

type fakeQueue struct {
	mu        sync.Mutex
	completed []string
	failed    map[string]string
	dead      []flushqueue.DeadLetter
	deadErr   error
}

func newFakeQueue() *fakeQueue { return &fakeQueue{failed: map[string]string{}} }

func (q *fakeQueue) MarkCompleted(_ context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.completed = append(q.completed, id)
	return nil
}

func (q *fakeQueue) MarkFailed(_ context.Context, id, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.failed[id] = reason
	return nil
}

func (q *fakeQueue) PublishDeadLetter(_ context.Context, subject string, payload []byte, attempts uint64, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.deadErr != nil {
		return q.deadErr
	}
	q.dead = append(q.dead, flushqueue.DeadLetter{Subject: subject, Reason: reason, Payload: payload, Attempts: attempts})
	return nil
}

// failingWriter fails the first n ApplyFlush calls.
type failingWriter struct {
	store.Writer
	n int
}

func (f *failingWriter) ApplyFlush(ctx context.Context, fl store.Flush) (bool, error) {
	if f.n > 0 {
		f.n--
		return false, errors.New("db: connection reset")
	}
	return f.Writer.ApplyFlush(ctx, fl)
}

// rejectingWriter fails like a database refusing a non-UUID id.
type rejectingWriter struct{ store.Writer }

func (rejectingWriter) ApplyFlush(context.Context, store.Flush) (bool, error) {
	return false, fmt.Errorf("apply flush job-1: %w: invalid input syntax for type uuid", store.ErrInvalidFlush)
}

type fakeDelivery struct {
	acked bool
	naked bool
	delay time.Duration
}

func (f *fakeDelivery) delivery(data []byte, numDelivered uint64) delivery {
	return delivery{
		subject:      flushqueue.SubjectFlush,
		data:         data,
		numDelivered: numDelivered,
		ack:          func() error { f.acked = true; return nil },
		nak:          func(d time.Duration) error { f.naked = true; f.delay = d; return nil },
	}
}

func job(id string, secs int64) flushqueue.FlushJob {
	return flushqueue.FlushJob{ID: id, UserID: "u1", LessonID: "l1", CourseID: "c1", SecondsToAdd: secs, Timestamp: time.Now().UTC()}
}

func encode(t *testing.T, j flushqueue.FlushJob) []byte {
	t.Helper()
	b, err := json.Marshal(j)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}

func newTestWorker(t *testing.T, w store.Writer, q Queue) (*Worker, *Metrics) {
	t.Helper()
	m, err := NewMetrics(prometheus.NewRegistry())
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	return New(w, q, nil, m, nil, Config{MaxDeliver: 3}), m
}

func TestProcessAppliesOncePerJobID(t *testing.T) {
	repo := store.NewMemoryRepository()
	w, m := newTestWorker(t, repo, newFakeQueue())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := w.Process(ctx, job("job-1", 90)); err != nil {
			t.Fatalf("process: %v", err)
		}
	}
	if err := w.Process(ctx, job("job-2", 30)); err != nil {
		t.Fatalf("process: %v", err)
	}

	got, _ := repo.GetLearningTimeForUser(ctx, "u1", "l1")
	if got != 120 {
		t.Fatalf("expected 120 seconds, got %d", got)
	}
	if v := testutil.ToFloat64(m.applied); v != 2 {
		t.Fatalf("expected 2 applied, got %v", v)
	}
	if v := testutil.ToFloat64(m.duplicates); v != 2 {
		t.Fatalf("expected 2 duplicates, got %v", v)
	}
}

func TestHandleSuccessAcksAndCompletes(t *testing.T) {
	q := newFakeQueue()
	w, _ := newTestWorker(t, store.NewMemoryRepository(), q)
	var fd fakeDelivery

	w.handle(context.Background(), fd.delivery(encode(t, job("job-1", 30)), 1))

	if !fd.acked || fd.naked {
		t.Fatalf("expected ack only, got acked=%v naked=%v", fd.acked, fd.naked)
	}
	if len(q.completed) != 1 || q.completed[0] != "job-1" {
		t.Fatalf("expected job-1 completed, got %v", q.completed)
	}
}

func TestHandleStorageFailureNaksWithBackoff(t *testing.T) {
	q := newFakeQueue()
	w, m := newTestWorker(t, &failingWriter{Writer: store.NewMemoryRepository(), n: 1}, q)
	var fd fakeDelivery

	w.handle(context.Background(), fd.delivery(encode(t, job("job-1", 30)), 2))

	if fd.acked || !fd.naked {
		t.Fatalf("expected nak only, got acked=%v naked=%v", fd.acked, fd.naked)
	}
	if fd.delay != flushqueue.BackoffDelay(2) {
		t.Fatalf("expected delay %v, got %v", flushqueue.BackoffDelay(2), fd.delay)
	}
	if len(q.completed) != 0 || len(q.dead) != 0 {
		t.Fatalf("expected no terminal status, got completed=%v dead=%d", q.completed, len(q.dead))
	}
	if v := testutil.ToFloat64(m.applyErrors); v != 1 {
		t.Fatalf("expected 1 apply error, got %v", v)
	}
}

func TestHandleDeadLettersAfterMaxDeliver(t *testing.T) {
	q := newFakeQueue()
	repo := store.NewMemoryRepository()
	w, m := newTestWorker(t, repo, q)
	var fd fakeDelivery

	w.handle(context.Background(), fd.delivery(encode(t, job("job-1", 30)), 4))

	if !fd.acked {
		t.Fatalf("expected dead-lettered message to be acked")
	}
	if len(q.dead) != 1 || q.dead[0].Attempts != 4 {
		t.Fatalf("expected one dead letter with 4 attempts, got %+v", q.dead)
	}
	if _, ok := q.failed["job-1"]; !ok {
		t.Fatalf("expected job-1 marked failed")
	}
	if got, _ := repo.GetLearningTimeForUser(context.Background(), "u1", "l1"); got != 0 {
		t.Fatalf("expected nothing applied, got %d", got)
	}
	if v := testutil.ToFloat64(m.deadLettered); v != 1 {
		t.Fatalf("expected 1 dead-lettered, got %v", v)
	}
}

func TestHandleInvalidPayloadDeadLettersImmediately(t *testing.T) {
	q := newFakeQueue()
	w, _ := newTestWorker(t, store.NewMemoryRepository(), q)

	for _, data := range [][]byte{[]byte("{not json"), encode(t, job("job-1", 0))} {
		var fd fakeDelivery
		w.handle(context.Background(), fd.delivery(data, 1))
		if !fd.acked || fd.naked {
			t.Fatalf("expected ack only for %q, got acked=%v naked=%v", data, fd.acked, fd.naked)
		}
	}
	if len(q.dead) != 2 {
		t.Fatalf("expected 2 dead letters, got %d", len(q.dead))
	}
}

func TestHandleRejectedInputDeadLettersWithoutRetry(t *testing.T) {
	q := newFakeQueue()
	w, m := newTestWorker(t, rejectingWriter{Writer: store.NewMemoryRepository()}, q)
	var fd fakeDelivery

	w.handle(context.Background(), fd.delivery(encode(t, job("job-1", 30)), 1))

	if !fd.acked || fd.naked {
		t.Fatalf("expected ack only, got acked=%v naked=%v", fd.acked, fd.naked)
	}
	if len(q.dead) != 1 || q.dead[0].Attempts != 1 {
		t.Fatalf("expected one dead letter after the first attempt, got %+v", q.dead)
	}
	if _, ok := q.failed["job-1"]; !ok {
		t.Fatal("expected job-1 marked failed")
	}
	if v := testutil.ToFloat64(m.deadLettered); v != 1 {
		t.Fatalf("expected 1 dead-lettered, got %v", v)
	}
}

func TestHandleKeepsMessageWhenDeadLetterPublishFails(t *testing.T) {
	q := newFakeQueue()
	q.deadErr = errors.New("nats: timeout")
	w, _ := newTestWorker(t, store.NewMemoryRepository(), q)
	var fd fakeDelivery

	w.handle(context.Background(), fd.delivery([]byte("garbage"), 1))

	if fd.acked || !fd.naked {
		t.Fatalf("expected nak only, got acked=%v naked=%v", fd.acked, fd.naked)
	}
}

func TestConfigDefaults(t *testing.T) {
	c := Config{}.withDefaults()
	if c.BatchSize != 50 || c.BatchInterval != 2*time.Second || c.Concurrency != 1 || c.MaxDeliver != 5 {
		t.Fatalf("unexpected defaults: %+v", c)
	}
}

// A learner joins, sends three active heartbeats and one idle one, then
// leaves. The persisted total is three quanta.
func TestHeartbeatsToStorage(t *testing.T) {
	ctx := context.Background()
	sessions := session.NewMemoryStore(time.Hour)
	q := flushqueue.NewMemoryQueue(16, nil)
	q.Backoff = nil
	repo := store.NewMemoryRepository()
	acc := accumulator.New(sessions, q, nil, nil, accumulator.Options{HeartbeatIntervalSeconds: 30})
	w := New(repo, q, nil, nil, nil, Config{})

	const (
		userID   = "6f1c3a52-8a0e-4d8e-9f43-0c2b7d1e5a10"
		lessonID = "b2d4e6f8-1a3c-4e5f-8a7b-9c0d1e2f3a4b"
		courseID = "0e9d8c7b-6a5f-4e3d-8c2b-1a0f9e8d7c6b"
	)
	if err := acc.OnJoin(ctx, "conn-1", userID, lessonID, courseID); err != nil {
		t.Fatalf("join: %v", err)
	}
	for _, active := range []bool{true, false, true, true} {
		hb := accumulator.Heartbeat{ConnectionID: "conn-1", UserID: userID, LessonID: lessonID, CourseID: courseID, IsActive: active, Timestamp: time.Now()}
		if err := acc.OnHeartbeat(ctx, hb); err != nil {
			t.Fatalf("heartbeat: %v", err)
		}
	}
	if err := acc.OnLeave(ctx, "conn-1", userID, lessonID); err != nil {
		t.Fatalf("leave: %v", err)
	}

	if n := q.Drain(ctx, w.Process); n != 1 {
		t.Fatalf("expected 1 job drained, got %d", n)
	}
	got, err := repo.GetLearningTimeForUser(ctx, userID, lessonID)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got != 90 {
		t.Fatalf("expected 90 seconds, got %d", got)
	}
	if sessions.Len() != 0 {
		t.Fatalf("expected session removed, got %d", sessions.Len())
	}
}
