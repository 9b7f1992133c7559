package grant

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	grant    *Grant
	deadline time.Time
}

// MemoryStore keeps grants in process memory. Expiry is advisory in the
// map and enforced at read time, so a Get after the deadline behaves like
// a miss even before any sweep runs.
type MemoryStore struct {
	mutex   sync.RWMutex
	entries map[string]memoryEntry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]memoryEntry)}
}

func (s *MemoryStore) Put(ctx context.Context, key string, g *Grant, ttlSeconds int64) error {
	var deadline time.Time
	if ttlSeconds > 0 {
		deadline = time.Now().Add(time.Duration(ttlSeconds) * time.Second)
	}
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.entries[key] = memoryEntry{grant: g, deadline: deadline}
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, key string) (*Grant, error) {
	s.mutex.RLock()
	entry, ok := s.entries[key]
	s.mutex.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	if entry.expired() {
		return nil, ErrNotFound
	}
	return entry.grant, nil
}

func (s *MemoryStore) Consume(ctx context.Context, key string) (*Grant, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	entry, ok := s.entries[key]
	if !ok {
		return nil, ErrNotFound
	}
	delete(s.entries, key)
	if entry.expired() {
		return nil, ErrNotFound
	}
	return entry.grant, nil
}

func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	delete(s.entries, key)
	return nil
}

func (e memoryEntry) expired() bool {
	return !e.deadline.IsZero() && !time.Now().Before(e.deadline)
}
