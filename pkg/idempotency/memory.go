package idempotency

import (
	"context"
	"sync"
	"time"
)

// cleanupInterval is how often PutIfAbsent triggers lazy eviction of expired entries.
const cleanupInterval = 100

type memoryEntry struct {
	requestID string
	createdAt time.Time
}

// MemoryRegistry is a mutex-guarded in-process registry.
type MemoryRegistry struct {
	mu       sync.Mutex
	entries  map[string]memoryEntry
	ttl      time.Duration
	now      func() time.Time
	putCalls int
	closed   bool
}

// NewMemory creates a registry that forgets mappings older than ttl.
// A ttl of zero keeps mappings for the life of the process.
func NewMemory(ttl time.Duration) *MemoryRegistry {
	return &MemoryRegistry{
		entries: make(map[string]memoryEntry),
		ttl:     ttl,
		now:     time.Now,
	}
}

func (r *MemoryRegistry) expiredLocked(e memoryEntry, now time.Time) bool {
	return r.ttl > 0 && now.Sub(e.createdAt) >= r.ttl
}

// Get implements Registry.
func (r *MemoryRegistry) Get(_ context.Context, key string) (string, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return "", false, ErrClosed
	}

	e, ok := r.entries[key]
	if !ok || r.expiredLocked(e, r.now()) {
		return "", false, nil
	}
	return e.requestID, true, nil
}

// PutIfAbsent implements Registry.
func (r *MemoryRegistry) PutIfAbsent(_ context.Context, key, requestID string) (string, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return "", false, ErrClosed
	}

	now := r.now()
	r.putCalls++
	if r.putCalls%cleanupInterval == 0 {
		r.pruneLocked(now)
	}

	if e, ok := r.entries[key]; ok && !r.expiredLocked(e, now) {
		return e.requestID, false, nil
	}
	r.entries[key] = memoryEntry{requestID: requestID, createdAt: now}
	return requestID, true, nil
}

// RemoveIfPresent implements Registry.
func (r *MemoryRegistry) RemoveIfPresent(_ context.Context, key string) (string, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return "", false, ErrClosed
	}

	e, ok := r.entries[key]
	if !ok {
		return "", false, nil
	}
	delete(r.entries, key)
	if r.expiredLocked(e, r.now()) {
		return "", false, nil
	}
	return e.requestID, true, nil
}

// Prune implements Registry.
func (r *MemoryRegistry) Prune(_ context.Context) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return 0, ErrClosed
	}
	return r.pruneLocked(r.now()), nil
}

func (r *MemoryRegistry) pruneLocked(now time.Time) int {
	removed := 0
	for k, e := range r.entries {
		if r.expiredLocked(e, now) {
			delete(r.entries, k)
			removed++
		}
	}
	return removed
}

// Len returns the number of stored mappings, expired or not.
func (r *MemoryRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Close implements Registry.
func (r *MemoryRegistry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	r.entries = nil
	return nil
}
