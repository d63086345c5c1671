package conversation

import (
	"context"
	"sync"
	"time"
)

// SessionStore keeps at most one Session per user. Implementations must be
// safe for concurrent use across users.
type SessionStore interface {
	Get(userID int64) (Session, bool)
	Put(s Session)
	Delete(userID int64)
	// Sweep drops sessions idle longer than the TTL and reports how many.
	Sweep() int
	Len() int
}

// MemoryStore is the in-process SessionStore. Sessions idle for longer than
// ttl are treated as absent.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[int64]Session
	ttl      time.Duration
	now      func() time.Time
}

func NewMemoryStore(ttl time.Duration, now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{
		sessions: make(map[int64]Session),
		ttl:      ttl,
		now:      now,
	}
}

func (m *MemoryStore) Get(userID int64) (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[userID]
	if !ok {
		return Session{}, false
	}
	if m.expired(s) {
		delete(m.sessions, userID)
		return Session{}, false
	}
	return s, true
}

func (m *MemoryStore) Put(s Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.UserID] = s
}

func (m *MemoryStore) Delete(userID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, userID)
}

func (m *MemoryStore) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, s := range m.sessions {
		if m.expired(s) {
			delete(m.sessions, id)
			n++
		}
	}
	return n
}

func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

func (m *MemoryStore) expired(s Session) bool {
	return m.ttl > 0 && m.now().Sub(s.UpdatedAt) > m.ttl
}

// RunJanitor sweeps expired sessions every interval until ctx is done.
func RunJanitor(ctx context.Context, store SessionStore, every time.Duration, onSweep func(n int)) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n := store.Sweep()
			if onSweep != nil {
				onSweep(n)
			}
		}
	}
}
