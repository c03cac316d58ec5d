// Package queue buffers accepted jobs until a worker is free.
package queue

import (
	"container/heap"
	"context"
	"errors"
	"sync"
	"time"

	"github.com/SSR3-FinalPj/AI-auto/pkg/model"
)

// ErrClosed is returned by Pop after Close.
var ErrClosed = errors.New("queue closed")

type item struct {
	job *model.Job
	seq uint64
}

// jobHeap orders by priority (lower first), then by arrival.
type jobHeap []item

func (h jobHeap) Len() int { return len(h) }
func (h jobHeap) Less(i, j int) bool {
	if h[i].job.Priority != h[j].job.Priority {
		return h[i].job.Priority < h[j].job.Priority
	}
	return h[i].seq < h[j].seq
}
func (h jobHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *jobHeap) Push(x any)   { *h = append(*h, x.(item)) }
func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = item{}
	*h = old[:n-1]
	return it
}

// PriorityQueue is a blocking priority queue with delayed re-insertion for retries.
type PriorityQueue struct {
	mu      sync.Mutex
	items   jobHeap
	seq     uint64
	delayed map[*time.Timer]struct{}
	closed  bool

	notify chan struct{}
	done   chan struct{}
}

// New creates an empty queue.
func New() *PriorityQueue {
	return &PriorityQueue{
		delayed: make(map[*time.Timer]struct{}),
		notify:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

func (q *PriorityQueue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Push adds a job. Jobs pushed after Close are dropped and false is returned.
func (q *PriorityQueue) Push(job *model.Job) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.seq++
	heap.Push(&q.items, item{job: job, seq: q.seq})
	q.mu.Unlock()

	q.wake()
	return true
}

// RequeueAfter pushes the job once delay has elapsed. The job counts towards
// Len while it waits.
func (q *PriorityQueue) RequeueAfter(job *model.Job, delay time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}

	var t *time.Timer
	t = time.AfterFunc(delay, func() {
		q.mu.Lock()
		if _, ok := q.delayed[t]; !ok {
			q.mu.Unlock()
			return
		}
		delete(q.delayed, t)
		q.mu.Unlock()
		q.Push(job)
	})
	q.delayed[t] = struct{}{}
}

// Pop blocks until a job is available, ctx is done, or the queue is closed.
func (q *PriorityQueue) Pop(ctx context.Context) (*model.Job, error) {
	for {
		q.mu.Lock()
		if q.items.Len() > 0 {
			it := heap.Pop(&q.items).(item)
			more := q.items.Len() > 0
			q.mu.Unlock()
			// Pass the wakeup on so other waiting workers see the rest
			if more {
				q.wake()
			}
			return it.job, nil
		}
		closed := q.closed
		q.mu.Unlock()

		if closed {
			return nil, ErrClosed
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.done:
		case <-q.notify:
		}
	}
}

// Len returns queued plus delayed jobs.
func (q *PriorityQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len() + len(q.delayed)
}

// Delayed returns the number of jobs waiting out a backoff.
func (q *PriorityQueue) Delayed() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.delayed)
}

// Close wakes all waiters and cancels pending retries. Queued jobs remain
// poppable until drained.
func (q *PriorityQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	for t := range q.delayed {
		t.Stop()
	}
	q.delayed = make(map[*time.Timer]struct{})
	close(q.done)
}
