// Package eventstest provides an in-memory event bus for tests.
package eventstest

import (
	"context"
	"sync"
	"time"

	"github.com/SSR3-FinalPj/AI-auto/pkg/model"
)

// Recorded is one captured publish.
type Recorded struct {
	Key   string
	Event model.Event
}

// Recorder keeps published events in memory. Tests use it as the bus.
type Recorder struct {
	mu      sync.Mutex
	events  []Recorded
	err     error
	flushes int
	closed  bool
	notify  chan struct{}
}

// NewRecorder creates an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{notify: make(chan struct{}, 1)}
}

// FailWith makes subsequent publishes return err (after recording them).
func (r *Recorder) FailWith(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.err = err
}

// Publish implements events.Publisher.
func (r *Recorder) Publish(_ context.Context, key string, ev *model.Event) error {
	r.mu.Lock()
	r.events = append(r.events, Recorded{Key: key, Event: *ev})
	err := r.err
	r.mu.Unlock()

	select {
	case r.notify <- struct{}{}:
	default:
	}
	return err
}

// Flush implements events.Publisher.
func (r *Recorder) Flush(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.flushes++
	return nil
}

// Close implements events.Publisher.
func (r *Recorder) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
}

// Events returns a copy of everything published so far.
func (r *Recorder) Events() []Recorded {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Recorded, len(r.events))
	copy(out, r.events)
	return out
}

// ForRequest returns the events published for one request id.
func (r *Recorder) ForRequest(requestID string) []model.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.Event
	for _, rec := range r.events {
		if rec.Event.RequestID == requestID {
			out = append(out, rec.Event)
		}
	}
	return out
}

// Flushes returns how many times Flush was called.
func (r *Recorder) Flushes() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.flushes
}

// Closed reports whether Close was called.
func (r *Recorder) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// WaitFor blocks until at least n events were recorded or timeout elapses.
func (r *Recorder) WaitFor(n int, timeout time.Duration) bool {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		r.mu.Lock()
		have := len(r.events)
		r.mu.Unlock()
		if have >= n {
			return true
		}
		select {
		case <-r.notify:
		case <-deadline.C:
			r.mu.Lock()
			have = len(r.events)
			r.mu.Unlock()
			return have >= n
		}
	}
}
