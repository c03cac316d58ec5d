package tracker

import (
	"sync"
	"sync/atomic"

	"github.com/SSR3-FinalPj/AI-auto/pkg/model"
)

// Tracker counts request lifecycle transitions and per-provider call outcomes.
// All counters are best-effort and read without a global lock.
type Tracker struct {
	accepted   atomic.Int64
	duplicates atomic.Int64
	dispatched atomic.Int64
	retries    atomic.Int64
	late       atomic.Int64
	succeeded  atomic.Int64
	failed     atomic.Int64
	expired    atomic.Int64

	mu    sync.RWMutex
	stats map[string]*ProviderStats
}

// ProviderStats holds call outcomes for one upstream (generator, gemini, ...).
// Fields are accessed atomically.
type ProviderStats struct {
	APISuccess  int64
	APIFailures int64
	Fallbacks   int64
}

// Lifecycle is a point-in-time copy of the lifecycle counters.
type Lifecycle struct {
	Accepted   int64 `json:"accepted"`
	Duplicates int64 `json:"duplicates"`
	Dispatched int64 `json:"dispatched"`
	Retries    int64 `json:"retries"`
	Late       int64 `json:"late"`
	Succeeded  int64 `json:"succeeded"`
	Failed     int64 `json:"failed"`
	Expired    int64 `json:"expired"`
}

// Completed is the number of requests that reached a terminal event.
func (l Lifecycle) Completed() int64 {
	return l.Succeeded + l.Failed + l.Expired
}

// New creates a new Tracker.
func New() *Tracker {
	return &Tracker{
		stats: make(map[string]*ProviderStats),
	}
}

func (t *Tracker) TrackAccepted()   { t.accepted.Add(1) }
func (t *Tracker) TrackDuplicate()  { t.duplicates.Add(1) }
func (t *Tracker) TrackDispatched() { t.dispatched.Add(1) }
func (t *Tracker) TrackRetry()      { t.retries.Add(1) }
func (t *Tracker) TrackLate()       { t.late.Add(1) }

// TrackTerminal counts a published terminal event by its status.
func (t *Tracker) TrackTerminal(s model.Status) {
	switch s.TerminalState() {
	case model.StateSucceeded:
		t.succeeded.Add(1)
	case model.StateExpired:
		t.expired.Add(1)
	default:
		t.failed.Add(1)
	}
}

// Lifecycle returns the current lifecycle counters.
func (t *Tracker) Lifecycle() Lifecycle {
	return Lifecycle{
		Accepted:   t.accepted.Load(),
		Duplicates: t.duplicates.Load(),
		Dispatched: t.dispatched.Load(),
		Retries:    t.retries.Load(),
		Late:       t.late.Load(),
		Succeeded:  t.succeeded.Load(),
		Failed:     t.failed.Load(),
		Expired:    t.expired.Load(),
	}
}

// getStats returns the stats object for a provider, creating it if needed.
func (t *Tracker) getStats(provider string) *ProviderStats {
	t.mu.RLock()
	s, ok := t.stats[provider]
	t.mu.RUnlock()
	if ok {
		return s
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok = t.stats[provider]; ok {
		return s
	}
	s = &ProviderStats{}
	t.stats[provider] = s
	return s
}

func (t *Tracker) TrackAPISuccess(provider string) {
	atomic.AddInt64(&t.getStats(provider).APISuccess, 1)
}

func (t *Tracker) TrackAPIFailure(provider string) {
	atomic.AddInt64(&t.getStats(provider).APIFailures, 1)
}

// TrackFallback records that a provider's output was replaced by a local default.
func (t *Tracker) TrackFallback(provider string) {
	atomic.AddInt64(&t.getStats(provider).Fallbacks, 1)
}

// Snapshot returns a copy of the per-provider stats.
func (t *Tracker) Snapshot() map[string]ProviderStats {
	t.mu.RLock()
	defer t.mu.RUnlock()

	result := make(map[string]ProviderStats)
	for k, v := range t.stats {
		result[k] = ProviderStats{
			APISuccess:  atomic.LoadInt64(&v.APISuccess),
			APIFailures: atomic.LoadInt64(&v.APIFailures),
			Fallbacks:   atomic.LoadInt64(&v.Fallbacks),
		}
	}
	return result
}
