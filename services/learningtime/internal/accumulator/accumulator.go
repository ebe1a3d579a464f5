// Package accumulator turns presence events into learning-time flushes.
//
// Each (user, lesson, connection) has its own Session in the session store.
// Active heartbeats add a fixed quantum; leave and disconnect hand the
// accumulated seconds to the flush queue and delete the Session. Handlers
// never touch durable storage.
package accumulator

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/learning-platform/internal/platform/flushqueue"
	"github.com/example/learning-platform/services/learningtime/internal/session"
)

const lockShards = 64

type Options struct {
	// HeartbeatIntervalSeconds is the quantum credited per active heartbeat.
	HeartbeatIntervalSeconds int64
	// EnqueueMaxRetries is the number of retries after the first attempt.
	// Zero selects the default of 3.
	EnqueueMaxRetries     uint64
	EnqueueInitialBackoff time.Duration
	// FlushTimeout bounds one flush, independent of the caller's context.
	FlushTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.HeartbeatIntervalSeconds <= 0 {
		o.HeartbeatIntervalSeconds = 30
	}
	if o.EnqueueMaxRetries == 0 {
		o.EnqueueMaxRetries = 3
	}
	if o.EnqueueInitialBackoff <= 0 {
		o.EnqueueInitialBackoff = 200 * time.Millisecond
	}
	if o.FlushTimeout <= 0 {
		o.FlushTimeout = 10 * time.Second
	}
	return o
}

// Heartbeat is one presence tick from a connection. Timestamp is the
// client's clock and is not used for accounting.
type Heartbeat struct {
	ConnectionID string
	UserID       string
	LessonID     string
	CourseID     string
	IsActive     bool
	Timestamp    time.Time
}

type Accumulator struct {
	store   session.Store
	queue   flushqueue.Enqueuer
	log     *zap.Logger
	metrics *Metrics
	opts    Options

	now   func() time.Time
	newID func() string

	locks [lockShards]sync.Mutex

	connMu sync.Mutex
	conns  map[string]map[session.Key]struct{}
}

func New(store session.Store, queue flushqueue.Enqueuer, log *zap.Logger, metrics *Metrics, opts Options) *Accumulator {
	if log == nil {
		log = zap.NewNop()
	}
	if metrics == nil {
		metrics, _ = NewMetrics(nil)
	}
	return &Accumulator{
		store:   store,
		queue:   queue,
		log:     log,
		metrics: metrics,
		opts:    opts.withDefaults(),
		now:     time.Now,
		newID:   uuid.NewString,
		conns:   make(map[string]map[session.Key]struct{}),
	}
}

// Quantum is the number of seconds credited per active heartbeat.
func (a *Accumulator) Quantum() int64 { return a.opts.HeartbeatIntervalSeconds }

func (a *Accumulator) lockFor(key session.Key) *sync.Mutex {
	return &a.locks[xxhash.Sum64String(string(key))%lockShards]
}

// OnJoin creates an empty Session if none exists. Joining twice is a no-op.
func (a *Accumulator) OnJoin(ctx context.Context, connectionID, userID, lessonID, courseID string) error {
	if err := validate(connectionID, userID, lessonID, courseID); err != nil {
		return err
	}
	key := session.KeyFor(userID, lessonID, connectionID)
	a.track(connectionID, key)

	mu := a.lockFor(key)
	mu.Lock()
	defer mu.Unlock()

	_, found, err := a.store.Get(ctx, key)
	if err != nil {
		a.storeFailed(opGet, key, err)
		return nil
	}
	if found {
		return nil
	}
	if err := a.store.Put(ctx, a.newSession(key, connectionID, userID, lessonID, courseID)); err != nil {
		a.storeFailed(opPut, key, err)
	}
	return nil
}

// OnHeartbeat credits one quantum when the learner is active. A missing
// Session is created on the fly, so a lost join costs nothing.
func (a *Accumulator) OnHeartbeat(ctx context.Context, hb Heartbeat) error {
	if err := validate(hb.ConnectionID, hb.UserID, hb.LessonID, hb.CourseID); err != nil {
		return err
	}
	a.metrics.heartbeats.WithLabelValues(strconv.FormatBool(hb.IsActive)).Inc()

	key := session.KeyFor(hb.UserID, hb.LessonID, hb.ConnectionID)
	a.track(hb.ConnectionID, key)

	mu := a.lockFor(key)
	mu.Lock()
	defer mu.Unlock()

	s, found, err := a.store.Get(ctx, key)
	if err != nil {
		a.storeFailed(opGet, key, err)
		return nil
	}
	if !found {
		s = a.newSession(key, hb.ConnectionID, hb.UserID, hb.LessonID, hb.CourseID)
	} else if !hb.IsActive {
		return nil
	}
	if hb.IsActive {
		s.AccumulatedSeconds += a.opts.HeartbeatIntervalSeconds
	}
	if err := a.store.Put(ctx, s); err != nil {
		a.storeFailed(opPut, key, err)
	}
	return nil
}

// OnLeave flushes and deletes the Session for one lesson.
func (a *Accumulator) OnLeave(ctx context.Context, connectionID, userID, lessonID string) error {
	if err := session.ValidateParts(userID, lessonID, connectionID); err != nil {
		return err
	}
	key := session.KeyFor(userID, lessonID, connectionID)
	a.flush(ctx, key)
	a.untrack(connectionID, key)
	return nil
}

// OnDisconnect flushes and deletes every Session the connection touched.
func (a *Accumulator) OnDisconnect(ctx context.Context, connectionID, userID string) {
	keys := a.release(connectionID)
	if len(keys) > 0 {
		a.log.Debug("flushing connection sessions",
			zap.String("connection_id", connectionID),
			zap.String("user_id", userID),
			zap.Int("sessions", len(keys)),
		)
	}
	for _, key := range keys {
		a.flush(ctx, key)
	}
}

// Session reads the current state of one Session.
func (a *Accumulator) Session(ctx context.Context, userID, lessonID, connectionID string) (session.Session, bool, error) {
	if err := session.ValidateParts(userID, lessonID, connectionID); err != nil {
		return session.Session{}, false, err
	}
	return a.store.Get(ctx, session.KeyFor(userID, lessonID, connectionID))
}

// OpenConnections is the number of connections with at least one tracked Session.
func (a *Accumulator) OpenConnections() int {
	a.connMu.Lock()
	defer a.connMu.Unlock()
	return len(a.conns)
}

// flush hands the Session's seconds to the queue, then deletes it. The
// Session is deleted even when the enqueue is finally given up on.
//
// The shard lock is not held across the enqueue. A connection's events are
// handled one at a time by its read loop, so nothing else touches the key
// in between.
func (a *Accumulator) flush(ctx context.Context, key session.Key) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.opts.FlushTimeout)
	defer cancel()

	mu := a.lockFor(key)
	mu.Lock()
	s, found, err := a.store.Get(ctx, key)
	mu.Unlock()
	if err != nil {
		a.storeFailed(opGet, key, err)
	}
	if found && s.AccumulatedSeconds > 0 {
		a.enqueue(ctx, flushqueue.FlushJob{
			ID:           a.newID(),
			UserID:       s.UserID,
			LessonID:     s.LessonID,
			CourseID:     s.CourseID,
			SecondsToAdd: s.AccumulatedSeconds,
			Timestamp:    a.now().UTC(),
		})
	}

	mu.Lock()
	defer mu.Unlock()
	if err := a.store.Delete(ctx, key); err != nil {
		a.storeFailed(opDelete, key, err)
	}
}

func (a *Accumulator) enqueue(ctx context.Context, job flushqueue.FlushJob) {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = a.opts.EnqueueInitialBackoff
	eb.MaxElapsedTime = 0
	bkoff := backoff.WithMaxRetries(backoff.WithContext(eb, ctx), a.opts.EnqueueMaxRetries)

	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		if attempt > 1 {
			a.metrics.enqueueRetries.Inc()
		}
		_, err := a.queue.Enqueue(ctx, job)
		if errors.Is(err, flushqueue.ErrInvalidJob) {
			return backoff.Permanent(err)
		}
		return err
	}, bkoff)
	if err != nil {
		a.metrics.flushesLost.Inc()
		a.log.Error("flush lost",
			zap.String("job_id", job.ID),
			zap.String("user_id", job.UserID),
			zap.String("lesson_id", job.LessonID),
			zap.Int64("seconds", job.SecondsToAdd),
			zap.Int("attempts", attempt),
			zap.Error(err),
		)
		return
	}
	a.metrics.flushesEnqueued.Inc()
}

func (a *Accumulator) newSession(key session.Key, connectionID, userID, lessonID, courseID string) session.Session {
	return session.Session{
		Key:          key,
		UserID:       userID,
		LessonID:     lessonID,
		CourseID:     courseID,
		ConnectionID: connectionID,
		CreatedAt:    a.now().UTC(),
	}
}

func (a *Accumulator) storeFailed(op string, key session.Key, err error) {
	a.metrics.storeErrors.WithLabelValues(op).Inc()
	a.log.Warn("session store failed", zap.String("op", op), zap.String("key", string(key)), zap.Error(err))
}

func (a *Accumulator) track(connectionID string, key session.Key) {
	a.connMu.Lock()
	defer a.connMu.Unlock()
	keys, ok := a.conns[connectionID]
	if !ok {
		keys = make(map[session.Key]struct{})
		a.conns[connectionID] = keys
	}
	keys[key] = struct{}{}
}

func (a *Accumulator) untrack(connectionID string, key session.Key) {
	a.connMu.Lock()
	defer a.connMu.Unlock()
	keys, ok := a.conns[connectionID]
	if !ok {
		return
	}
	delete(keys, key)
	if len(keys) == 0 {
		delete(a.conns, connectionID)
	}
}

// release removes the connection from the index and returns its keys sorted.
func (a *Accumulator) release(connectionID string) []session.Key {
	a.connMu.Lock()
	keys := a.conns[connectionID]
	delete(a.conns, connectionID)
	a.connMu.Unlock()

	out := make([]session.Key, 0, len(keys))
	for k := range keys {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func validate(connectionID, userID, lessonID, courseID string) error {
	if err := session.ValidateParts(userID, lessonID, connectionID); err != nil {
		return err
	}
	if courseID == "" {
		return session.ErrInvalidKey
	}
	return nil
}
