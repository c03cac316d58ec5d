// Package correlation tracks dispatched requests until their terminal outcome.
//
// An entry exists for a request id from the moment it is handed to the
// generation backend until exactly one resolver (callback, expiry sweep or
// terminal dispatch failure) removes it. RemoveIfPresent is the only way out,
// and only its winning caller may publish the terminal event.
package correlation

import (
	"sort"
	"sync"
	"time"

	"github.com/SSR3-FinalPj/AI-auto/pkg/model"
)

// Entry is one in-flight request.
type Entry struct {
	RequestID    string
	DedupKey     string
	Payload      *model.Payload
	EnrichedText string
	State        model.State
	RegisteredAt time.Time
	Deadline     time.Time

	done chan struct{}
}

// Done is closed when the entry is removed by any resolver.
func (e Entry) Done() <-chan struct{} {
	return e.done
}

// Registry is the in-flight table shared by workers, the callback handler and
// the expiry sweeper.
type Registry interface {
	// Put registers a new entry. It returns false if the id is already present.
	Put(e Entry) (<-chan struct{}, bool)
	// Get returns a copy of the entry.
	Get(requestID string) (Entry, bool)
	// Refresh moves the deadline of a live entry.
	Refresh(requestID string, deadline time.Time) bool
	// MarkDispatched records that the backend accepted the request.
	MarkDispatched(requestID string) bool
	// RemoveIfPresent atomically removes the entry and closes its completion
	// signal. Exactly one caller per id observes ok=true.
	RemoveIfPresent(requestID string) (Entry, bool)
	// RemoveIfExpired is RemoveIfPresent for an entry whose deadline is at or
	// before now, checked under the same lock.
	RemoveIfExpired(requestID string, now time.Time) (Entry, bool)
	// Expired lists ids whose deadline is at or before now.
	Expired(now time.Time) []string
	Len() int
}

// MemoryRegistry guards the table with a single mutex.
type MemoryRegistry struct {
	mu      sync.Mutex
	entries map[string]*Entry
}

// NewMemory creates an empty registry.
func NewMemory() *MemoryRegistry {
	return &MemoryRegistry{entries: make(map[string]*Entry)}
}

// Put implements Registry.
func (r *MemoryRegistry) Put(e Entry) (<-chan struct{}, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[e.RequestID]; ok {
		return nil, false
	}
	if e.State == "" {
		e.State = model.StateAccepted
	}
	if e.RegisteredAt.IsZero() {
		e.RegisteredAt = time.Now()
	}
	e.done = make(chan struct{})
	r.entries[e.RequestID] = &e
	return e.done, true
}

// Get implements Registry.
func (r *MemoryRegistry) Get(requestID string) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[requestID]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Refresh implements Registry.
func (r *MemoryRegistry) Refresh(requestID string, deadline time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[requestID]
	if !ok {
		return false
	}
	e.Deadline = deadline
	return true
}

// MarkDispatched implements Registry.
func (r *MemoryRegistry) MarkDispatched(requestID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[requestID]
	if !ok {
		return false
	}
	e.State = model.StateDispatched
	return true
}

// RemoveIfPresent implements Registry.
func (r *MemoryRegistry) RemoveIfPresent(requestID string) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[requestID]
	if !ok {
		return Entry{}, false
	}
	return r.removeLocked(e), true
}

// RemoveIfExpired implements Registry.
func (r *MemoryRegistry) RemoveIfExpired(requestID string, now time.Time) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[requestID]
	if !ok || e.Deadline.After(now) {
		return Entry{}, false
	}
	return r.removeLocked(e), true
}

func (r *MemoryRegistry) removeLocked(e *Entry) Entry {
	delete(r.entries, e.RequestID)
	close(e.done)
	return *e
}

// Expired implements Registry. Ids are returned oldest deadline first.
func (r *MemoryRegistry) Expired(now time.Time) []string {
	r.mu.Lock()
	type pair struct {
		id       string
		deadline time.Time
	}
	var due []pair
	for id, e := range r.entries {
		if !e.Deadline.After(now) {
			due = append(due, pair{id, e.Deadline})
		}
	}
	r.mu.Unlock()

	sort.Slice(due, func(i, j int) bool { return due[i].deadline.Before(due[j].deadline) })
	ids := make([]string, len(due))
	for i, p := range due {
		ids[i] = p.id
	}
	return ids
}

// Len implements Registry.
func (r *MemoryRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
