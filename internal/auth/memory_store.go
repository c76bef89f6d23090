package auth

import (
	"context"
	"sync"
	"time"
)

// MemorySessionStore keeps sessions in process memory. A janitor goroutine
// evicts records past their absolute expiry so logged-out-by-timeout
// sessions don't accumulate.
type MemorySessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	done     chan struct{}
	once     sync.Once
}

func NewMemorySessionStore() *MemorySessionStore {
	st := &MemorySessionStore{
		sessions: make(map[string]*Session),
		done:     make(chan struct{}),
	}
	go st.janitor()
	return st
}

func (st *MemorySessionStore) Put(ctx context.Context, s *Session) error {
	cp := *s
	st.mu.Lock()
	st.sessions[s.Token] = &cp
	st.mu.Unlock()
	return nil
}

func (st *MemorySessionStore) Get(ctx context.Context, token string) (*Session, error) {
	st.mu.RLock()
	s, ok := st.sessions[token]
	st.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	// The redis store expires keys at AbsoluteExpiry; match that here
	// instead of waiting for the janitor.
	if time.Now().After(s.AbsoluteExpiry) {
		_ = st.Delete(ctx, token)
		return nil, nil
	}
	cp := *s
	return &cp, nil
}

func (st *MemorySessionStore) Delete(ctx context.Context, token string) error {
	st.mu.Lock()
	delete(st.sessions, token)
	st.mu.Unlock()
	return nil
}

func (st *MemorySessionStore) DeleteAllForUser(ctx context.Context, userID int64) error {
	st.mu.Lock()
	for token, s := range st.sessions {
		if s.UserID == userID {
			delete(st.sessions, token)
		}
	}
	st.mu.Unlock()
	return nil
}

func (st *MemorySessionStore) Count(ctx context.Context) (int, error) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.sessions), nil
}

// Close stops the janitor.
func (st *MemorySessionStore) Close() {
	st.once.Do(func() { close(st.done) })
}

func (st *MemorySessionStore) janitor() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-st.done:
			return
		case <-ticker.C:
			now := time.Now()
			st.mu.Lock()
			for token, s := range st.sessions {
				if now.After(s.AbsoluteExpiry) {
					delete(st.sessions, token)
				}
			}
			st.mu.Unlock()
		}
	}
}
