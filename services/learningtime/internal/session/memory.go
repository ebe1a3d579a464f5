package session

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is a development-only in-memory implementation.
// Expired entries are dropped lazily on access.
type MemoryStore struct {
	mu       sync.Mutex
	ttl      time.Duration
	now      func() time.Time
	sessions map[Key]memoryEntry
}

type memoryEntry struct {
	s         Session
	expiresAt time.Time
}

func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{
		ttl:      ttl,
		now:      time.Now,
		sessions: make(map[Key]memoryEntry),
	}
}

func (m *MemoryStore) Get(_ context.Context, key Key) (Session, bool, error) {
	if key == "" {
		return Session{}, false, ErrInvalidKey
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.sessions[key]
	if !ok {
		return Session{}, false, nil
	}
	if !e.expiresAt.IsZero() && !m.now().Before(e.expiresAt) {
		delete(m.sessions, key)
		return Session{}, false, nil
	}
	return e.s, true, nil
}

func (m *MemoryStore) Put(_ context.Context, s Session) error {
	if s.Key == "" {
		return ErrInvalidKey
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	e := memoryEntry{s: s}
	if m.ttl > 0 {
		e.expiresAt = m.now().Add(m.ttl)
	}
	m.sessions[s.Key] = e
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, key Key) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, key)
	return nil
}

// Len counts stored sessions, expired ones included until touched.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}
