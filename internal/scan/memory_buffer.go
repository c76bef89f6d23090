package scan

import (
	"context"
	"sync"
	"time"
)

// MemoryBufferStore keeps scan buffers in process memory with TTL eviction.
type MemoryBufferStore struct {
	mu      sync.RWMutex
	buffers map[string]*bufferEntry
	ttl     time.Duration
	done    chan struct{}
	once    sync.Once
}

type bufferEntry struct {
	buf       *Buffer
	expiresAt time.Time
}

func NewMemoryBufferStore(ttl time.Duration) *MemoryBufferStore {
	if ttl <= 0 {
		ttl = DefaultBufferTTL
	}
	st := &MemoryBufferStore{
		buffers: make(map[string]*bufferEntry),
		ttl:     ttl,
		done:    make(chan struct{}),
	}
	go st.janitor()
	return st
}

func (st *MemoryBufferStore) Get(ctx context.Context, sessionToken string) (*Buffer, error) {
	st.mu.RLock()
	e, ok := st.buffers[sessionToken]
	st.mu.RUnlock()
	if !ok || time.Now().After(e.expiresAt) {
		return nil, nil
	}
	cp := *e.buf
	cp.Children = append([]ChildEntry(nil), e.buf.Children...)
	return &cp, nil
}

func (st *MemoryBufferStore) Put(ctx context.Context, sessionToken string, b *Buffer) error {
	cp := *b
	cp.Children = append([]ChildEntry(nil), b.Children...)
	st.mu.Lock()
	st.buffers[sessionToken] = &bufferEntry{buf: &cp, expiresAt: time.Now().Add(st.ttl)}
	st.mu.Unlock()
	return nil
}

func (st *MemoryBufferStore) Delete(ctx context.Context, sessionToken string) error {
	st.mu.Lock()
	delete(st.buffers, sessionToken)
	st.mu.Unlock()
	return nil
}

func (st *MemoryBufferStore) Count(ctx context.Context) (int, error) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.buffers), nil
}

// Close stops the janitor.
func (st *MemoryBufferStore) Close() {
	st.once.Do(func() { close(st.done) })
}

func (st *MemoryBufferStore) janitor() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-st.done:
			return
		case <-ticker.C:
			now := time.Now()
			st.mu.Lock()
			for token, e := range st.buffers {
				if now.After(e.expiresAt) {
					delete(st.buffers, token)
				}
			}
			st.mu.Unlock()
		}
	}
}
