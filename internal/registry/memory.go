package registry

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is a process-local Store with lazy TTL expiry. It backs
// single-node deployments and tests; multi-node deployments use Redis.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	now     func() time.Time
}

type memoryEntry struct {
	value   string
	expires time.Time
}

func (e memoryEntry) expired(now time.Time) bool {
	return !e.expires.IsZero() && !now.Before(e.expires)
}

// MemoryOption customises MemoryStore construction.
type MemoryOption func(*MemoryStore)

// WithMemoryClock overrides the store's time source; primarily used in tests.
func WithMemoryClock(clock func() time.Time) MemoryOption {
	return func(s *MemoryStore) {
		if clock != nil {
			s.now = clock
		}
	}
}

// NewMemoryStore constructs an empty in-memory store.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	store := &MemoryStore{
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(store)
		}
	}
	return store
}

// Get implements Store.
func (s *MemoryStore) Get(ctx context.Context, key string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.RLock()
	entry, ok := s.entries[key]
	now := s.now()
	s.mu.RUnlock()
	if !ok || entry.expired(now) {
		//1.- Expired entries are indistinguishable from absent ones to callers.
		if ok {
			s.evictExpired(key)
		}
		return "", ErrNotFound
	}
	return entry.value, nil
}

// Set implements Store.
func (s *MemoryStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	entry := memoryEntry{value: value}
	if ttl > 0 {
		entry.expires = s.now().Add(ttl)
	}
	s.mu.Lock()
	s.entries[key] = entry
	s.mu.Unlock()
	return nil
}

// Delete implements Store.
func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.evict(key)
	return nil
}

// Exists implements Store.
func (s *MemoryStore) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.Get(ctx, key)
	if err == ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Expire implements Store.
func (s *MemoryStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[key]
	if !ok || entry.expired(s.now()) {
		return nil
	}
	if ttl > 0 {
		entry.expires = s.now().Add(ttl)
	} else {
		entry.expires = time.Time{}
	}
	s.entries[key] = entry
	return nil
}

func (s *MemoryStore) evict(key string) {
	s.mu.Lock()
	delete(s.entries, key)
	s.mu.Unlock()
}

// evictExpired re-checks expiry under the write lock: a Set racing with a
// lazy-expiry read may have refreshed the key after the read released it.
func (s *MemoryStore) evictExpired(key string) {
	s.mu.Lock()
	if entry, ok := s.entries[key]; ok && entry.expired(s.now()) {
		delete(s.entries, key)
	}
	s.mu.Unlock()
}

var _ Store = (*MemoryStore)(nil)
