// Package dispatcher correlates asynchronously submitted generation requests
// with the callbacks that eventually report their outcome.
//
// A request is accepted once per dedup key, queued (or dispatched inline for
// client-facing work), enriched, posted to the generation backend and held in
// the correlation registry until a callback, the expiry sweeper or an
// exhausted retry budget removes it. Whichever of those removes the entry
// publishes the single terminal event.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/SSR3-FinalPj/AI-auto/pkg/config"
	"github.com/SSR3-FinalPj/AI-auto/pkg/correlation"
	"github.com/SSR3-FinalPj/AI-auto/pkg/events"
	"github.com/SSR3-FinalPj/AI-auto/pkg/idempotency"
	"github.com/SSR3-FinalPj/AI-auto/pkg/metrics"
	"github.com/SSR3-FinalPj/AI-auto/pkg/model"
	"github.com/SSR3-FinalPj/AI-auto/pkg/objstore"
	"github.com/SSR3-FinalPj/AI-auto/pkg/queue"
	"github.com/SSR3-FinalPj/AI-auto/pkg/request"
	"github.com/SSR3-FinalPj/AI-auto/pkg/tracker"
)

// ErrShuttingDown is returned by Submit once the queue has been closed.
var ErrShuttingDown = errors.New("dispatcher is shutting down")

// Backend posts a job to the generation backend.
type Backend interface {
	Dispatch(ctx context.Context, body any) (request.Outcome, error)
}

// Enricher produces the descriptive text sent along with a job. It never
// fails; the bool reports whether template fallback text was used.
type Enricher interface {
	Enrich(ctx context.Context, p *model.Payload) (string, bool)
}

// Options tunes dispatch behaviour.
type Options struct {
	TTL                 time.Duration
	MaxRetries          int
	Backoff             request.Backoff
	Workers             int
	SerializeOnCallback bool
	CallbackURL         string
	DefaultPriority     int
	SweepInterval       time.Duration
	PublishTimeout      time.Duration
}

// OptionsFromConfig maps the dispatch section of the config file.
func OptionsFromConfig(cfg config.DispatchConfig) Options {
	return Options{
		TTL:                 cfg.TTL.Std(),
		MaxRetries:          cfg.MaxRetries,
		Backoff:             request.NewBackoff(cfg.Backoff.BaseDelay.Std(), cfg.Backoff.MaxDelay.Std()),
		Workers:             cfg.Workers,
		SerializeOnCallback: cfg.SerializeOnCallback,
		CallbackURL:         cfg.CallbackURL,
		DefaultPriority:     cfg.DefaultPriority,
		SweepInterval:       cfg.SweepInterval.Std(),
		PublishTimeout:      10 * time.Second,
	}
}

// Deps are the collaborators a Dispatcher needs. Images and Tracker are optional.
type Deps struct {
	Idempotency idempotency.Registry
	Inflight    correlation.Registry
	Queue       *queue.PriorityQueue
	Backend     Backend
	Enricher    Enricher
	Images      objstore.Resolver
	Publisher   events.Publisher
	Tracker     *tracker.Tracker
}

// Dispatcher is the intake facade and owns the terminal transition.
type Dispatcher struct {
	opts      Options
	idem      idempotency.Registry
	inflight  correlation.Registry
	queue     *queue.PriorityQueue
	backend   Backend
	enricher  Enricher
	images    objstore.Resolver
	publisher events.Publisher
	tracker   *tracker.Tracker
}

// New validates deps and creates a Dispatcher.
func New(opts Options, deps Deps) (*Dispatcher, error) {
	switch {
	case deps.Idempotency == nil:
		return nil, errors.New("dispatcher: idempotency registry is required")
	case deps.Inflight == nil:
		return nil, errors.New("dispatcher: correlation registry is required")
	case deps.Queue == nil:
		return nil, errors.New("dispatcher: queue is required")
	case deps.Backend == nil:
		return nil, errors.New("dispatcher: backend is required")
	case deps.Enricher == nil:
		return nil, errors.New("dispatcher: enricher is required")
	case deps.Publisher == nil:
		return nil, errors.New("dispatcher: publisher is required")
	}
	if opts.TTL <= 0 {
		return nil, fmt.Errorf("dispatcher: ttl must be positive, got %v", opts.TTL)
	}
	if opts.PublishTimeout <= 0 {
		opts.PublishTimeout = 10 * time.Second
	}
	if deps.Images == nil {
		deps.Images = objstore.Passthrough{}
	}
	if deps.Tracker == nil {
		deps.Tracker = tracker.New()
	}

	return &Dispatcher{
		opts:      opts,
		idem:      deps.Idempotency,
		inflight:  deps.Inflight,
		queue:     deps.Queue,
		backend:   deps.Backend,
		enricher:  deps.Enricher,
		images:    deps.Images,
		publisher: deps.Publisher,
		tracker:   deps.Tracker,
	}, nil
}

// Tracker returns the lifecycle counters.
func (d *Dispatcher) Tracker() *tracker.Tracker {
	return d.tracker
}

// SubmitResult is the intake reply.
type SubmitResult struct {
	RequestID string
	Accepted  bool
	Duplicate bool
	Enqueued  bool
}

// Submit accepts p once per dedup key. dedupKey (from the Idempotency-Key
// header) wins over p.DedupKey; with neither, the key is derived from the
// payload. A duplicate returns the original request id and does no work.
//
// Client-facing payloads (isclient) are dispatched on the calling goroutine;
// Submit still returns without waiting for the callback.
func (d *Dispatcher) Submit(ctx context.Context, p *model.Payload, dedupKey string) (SubmitResult, error) {
	key, err := resolveKey(p, dedupKey)
	if err != nil {
		return SubmitResult{}, err
	}

	existing, found, err := d.idem.Get(ctx, key)
	if err != nil {
		return SubmitResult{}, fmt.Errorf("idempotency lookup: %w", err)
	}
	if found {
		return d.duplicate(existing, key), nil
	}

	id := model.NewRequestID()
	existing, stored, err := d.idem.PutIfAbsent(ctx, key, id)
	if err != nil {
		return SubmitResult{}, fmt.Errorf("idempotency record: %w", err)
	}
	if !stored {
		// Lost the race to a concurrent submission of the same request
		return d.duplicate(existing, key), nil
	}

	job := &model.Job{
		RequestID:  id,
		DedupKey:   key,
		Payload:    p,
		Priority:   d.priorityOf(p),
		Direct:     p.IsClient,
		EnqueuedAt: time.Now(),
	}
	d.tracker.TrackAccepted()
	metrics.RecordIntake(false)

	if job.Direct {
		slog.Info("Dispatcher: Direct dispatch", "request_id", id, "job_id", p.JobID, "platform", p.Platform)
		// The backend call must outlive a caller that hangs up early
		d.process(context.WithoutCancel(ctx), job)
		return SubmitResult{RequestID: id, Accepted: true}, nil
	}

	if !d.queue.Push(job) {
		if _, _, rmErr := d.idem.RemoveIfPresent(ctx, key); rmErr != nil {
			slog.Warn("Dispatcher: Could not release dedup key", "key", key, "error", rmErr)
		}
		return SubmitResult{}, ErrShuttingDown
	}
	slog.Info("Dispatcher: Job enqueued", "request_id", id, "job_id", p.JobID, "priority", job.Priority, "queued", d.queue.Len())
	return SubmitResult{RequestID: id, Accepted: true, Enqueued: true}, nil
}

func (d *Dispatcher) duplicate(requestID, key string) SubmitResult {
	d.tracker.TrackDuplicate()
	metrics.RecordIntake(true)
	slog.Info("Dispatcher: Duplicate submission", "request_id", requestID, "key", key)
	return SubmitResult{RequestID: requestID, Duplicate: true}
}

func resolveKey(p *model.Payload, header string) (string, error) {
	if k := strings.TrimSpace(header); k != "" {
		return k, nil
	}
	if k := strings.TrimSpace(p.DedupKey); k != "" {
		return k, nil
	}
	k, err := idempotency.DeriveKey(p)
	if err != nil {
		return "", fmt.Errorf("derive dedup key: %w", err)
	}
	return k, nil
}

func (d *Dispatcher) priorityOf(p *model.Payload) int {
	if p.Priority != nil {
		return *p.Priority
	}
	return d.opts.DefaultPriority
}

// Stats is a best-effort snapshot of dispatcher load.
type Stats struct {
	Queued    int               `json:"queued"`
	// Retrying counts queued jobs still waiting out a backoff.
	Retrying  int               `json:"retrying"`
	Inflight  int               `json:"inflight"`
	Completed int64             `json:"completed"`
	Lifecycle tracker.Lifecycle `json:"lifecycle"`
}

// Stats returns current queue depth, in-flight count and completions.
func (d *Dispatcher) Stats() Stats {
	lc := d.tracker.Lifecycle()
	return Stats{
		Queued:    d.queue.Len(),
		Retrying:  d.queue.Delayed(),
		Inflight:  d.inflight.Len(),
		Completed: lc.Completed(),
		Lifecycle: lc,
	}
}
