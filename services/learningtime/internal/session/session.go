// Package session holds the ephemeral per-connection accumulation state of
// the presence service.
//
// A Session is keyed by (user, lesson, connection). Two backends are
// available: Redis (production, TTL as a crash-safety net) and an in-memory
// map (development only).
package session

import (
	"context"
	"errors"
	"strings"
	"time"
)

const keyPrefix = "learning-time:session:"

var ErrInvalidKey = errors.New("invalid session key")

// Key identifies one connection's engagement with one lesson.
type Key string

// KeyFor derives the session key. It is a pure function of its inputs.
func KeyFor(userID, lessonID, connectionID string) Key {
	return Key(keyPrefix + userID + ":" + lessonID + ":" + connectionID)
}

// ValidateParts rejects empty components and components that would make the
// key ambiguous.
func ValidateParts(userID, lessonID, connectionID string) error {
	for _, p := range []string{userID, lessonID, connectionID} {
		if strings.TrimSpace(p) == "" || strings.Contains(p, ":") {
			return ErrInvalidKey
		}
	}
	return nil
}

type Session struct {
	Key                Key       `json:"key"`
	UserID             string    `json:"user_id"`
	LessonID           string    `json:"lesson_id"`
	CourseID           string    `json:"course_id"`
	ConnectionID       string    `json:"connection_id"`
	AccumulatedSeconds int64     `json:"accumulated_seconds"`
	CreatedAt          time.Time `json:"created_at"`
}

// Store is a per-key cache. Single operations are atomic; read-modify-write
// across calls is not.
type Store interface {
	Get(ctx context.Context, key Key) (Session, bool, error)
	Put(ctx context.Context, s Session) error
	Delete(ctx context.Context, key Key) error
}

// NewStore picks Redis when redisURL is set. In production the in-memory
// fallback is refused.
func NewStore(redisURL string, ttl time.Duration, isProd bool) (Store, error) {
	if redisURL != "" {
		return NewRedisStore(redisURL, ttl)
	}
	if isProd {
		return nil, errors.New("production requires REDIS_URL for the session store; in-memory store is not allowed")
	}
	return NewMemoryStore(ttl), nil
}
