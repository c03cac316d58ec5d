package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/SSR3-FinalPj/AI-auto/pkg/correlation"
	"github.com/SSR3-FinalPj/AI-auto/pkg/metrics"
	"github.com/SSR3-FinalPj/AI-auto/pkg/model"
)

// Pool drains the job queue with a fixed number of workers.
type Pool struct {
	d       *Dispatcher
	workers int
}

// NewPool creates a pool. Fewer than one worker is treated as one.
func NewPool(d *Dispatcher, workers int) *Pool {
	if workers < 1 {
		workers = 1
	}
	return &Pool{d: d, workers: workers}
}

// Run starts the workers and blocks until ctx is cancelled or the queue is
// closed and drained. It returns once every worker has exited.
func (p *Pool) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := range p.workers {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			p.loop(ctx, n)
		}(i)
	}
	slog.Info("Dispatcher: Workers started", "count", p.workers, "serialize", p.d.opts.SerializeOnCallback)
	wg.Wait()
	slog.Info("Dispatcher: Workers stopped")
}

func (p *Pool) loop(ctx context.Context, n int) {
	for {
		job, err := p.d.queue.Pop(ctx)
		if err != nil {
			return
		}
		slog.Debug("Dispatcher: Worker picked job", "worker", n, "request_id", job.RequestID, "attempts", job.Attempts)
		p.d.process(ctx, job)
	}
}

// dispatchBody is what the generation backend receives.
type dispatchBody struct {
	RequestID   string          `json:"requestId"`
	JobID       int64           `json:"jobId"`
	Img         string          `json:"img"`
	ImageURL    string          `json:"imageUrl,omitempty"`
	Platform    string          `json:"platform"`
	IsClient    bool            `json:"isclient"`
	EnglishText string          `json:"englishText"`
	CallbackURL string          `json:"callbackUrl,omitempty"`
	Weather     *model.Weather  `json:"weather"`
	User        json.RawMessage `json:"user,omitempty"`
	YouTube     json.RawMessage `json:"youtube,omitempty"`
	Reddit      json.RawMessage `json:"reddit,omitempty"`
}

// process runs one attempt for job: enrich, register, dispatch, and in
// serialize mode wait for the outcome. Failures are rescheduled on the queue.
func (d *Dispatcher) process(ctx context.Context, job *model.Job) {
	if job.EnrichedText == "" {
		text, fellBack := d.enricher.Enrich(ctx, job.Payload)
		if fellBack {
			metrics.RecordEnrichmentFallback()
		}
		job.EnrichedText = text
	}

	deadline := time.Now().Add(d.opts.TTL)
	var done <-chan struct{}
	if job.Attempts == 0 {
		ch, ok := d.inflight.Put(correlation.Entry{
			RequestID:    job.RequestID,
			DedupKey:     job.DedupKey,
			Payload:      job.Payload,
			EnrichedText: job.EnrichedText,
			Deadline:     deadline,
		})
		if !ok {
			slog.Error("Dispatcher: Request already in flight", "request_id", job.RequestID)
			return
		}
		done = ch
	} else {
		if !d.inflight.Refresh(job.RequestID, deadline) {
			// Already resolved by a callback or the sweeper
			slog.Debug("Dispatcher: Dropping retry of terminated request", "request_id", job.RequestID)
			return
		}
		e, ok := d.inflight.Get(job.RequestID)
		if !ok {
			return
		}
		done = e.Done()
	}

	body := d.buildBody(ctx, job)
	start := time.Now()
	outcome, err := d.backend.Dispatch(ctx, body)
	elapsed := time.Since(start)

	if err != nil {
		metrics.RecordDispatch("error", elapsed)
		if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
			slog.Warn("Dispatcher: Dispatch interrupted by shutdown", "request_id", job.RequestID)
			return
		}
		d.retryOrFail(ctx, job, err)
		return
	}

	result := "ok"
	if outcome.TimedOut {
		result = "timeout"
	}
	metrics.RecordDispatch(result, elapsed)
	d.inflight.MarkDispatched(job.RequestID)
	d.tracker.TrackDispatched()
	slog.Info("Dispatcher: Job dispatched",
		"request_id", job.RequestID,
		"attempt", job.Attempts+1,
		"status", outcome.StatusCode,
		"read_timeout", outcome.TimedOut,
		"elapsed", elapsed.Round(time.Millisecond),
	)

	if d.opts.SerializeOnCallback && !job.Direct {
		d.awaitOutcome(ctx, job.RequestID, done, deadline)
	}
}

func (d *Dispatcher) buildBody(ctx context.Context, job *model.Job) dispatchBody {
	p := job.Payload
	body := dispatchBody{
		RequestID:   job.RequestID,
		JobID:       p.JobID,
		Img:         p.Img,
		Platform:    p.Platform,
		IsClient:    p.IsClient,
		EnglishText: job.EnrichedText,
		CallbackURL: d.opts.CallbackURL,
		Weather:     p.Weather,
		User:        p.User,
		YouTube:     p.YouTube,
		Reddit:      p.Reddit,
	}

	imageURL, err := d.images.Resolve(ctx, p.Img)
	if err != nil {
		slog.Warn("Dispatcher: Image reference not resolved", "request_id", job.RequestID, "img", p.Img, "error", err)
	} else if imageURL != p.Img {
		body.ImageURL = imageURL
	}
	return body
}

// retryOrFail schedules the next attempt, or publishes FAILED once the retry
// budget is spent.
func (d *Dispatcher) retryOrFail(ctx context.Context, job *model.Job, cause error) {
	job.Attempts++
	if job.Attempts <= d.opts.MaxRetries {
		delay := d.opts.Backoff.Delay(job.Attempts)
		d.tracker.TrackRetry()
		slog.Warn("Dispatcher: Dispatch failed, retrying",
			"request_id", job.RequestID,
			"attempt", job.Attempts,
			"delay", delay.Round(time.Millisecond),
			"error", cause,
		)
		d.queue.RequeueAfter(job, delay)
		return
	}

	slog.Error("Dispatcher: Dispatch failed, giving up", "request_id", job.RequestID, "attempts", job.Attempts, "error", cause)
	d.terminate(ctx, job.RequestID, sourceDispatch, func(e correlation.Entry) *model.Event {
		return &model.Event{
			EventID:   model.DispatchFailedEventID(job.RequestID),
			RequestID: job.RequestID,
			Status:    model.StatusFailed,
			Message:   fmt.Sprintf("bridge->generator call failed after retries: %v", cause),
		}
	})
}

// awaitOutcome blocks the worker until the request resolves or its deadline
// passes. On timeout the worker competes with the sweeper to expire it.
func (d *Dispatcher) awaitOutcome(ctx context.Context, requestID string, done <-chan struct{}, deadline time.Time) {
	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()

	select {
	case <-done:
		return
	case <-ctx.Done():
		return
	case <-timer.C:
	}

	if d.terminate(ctx, requestID, sourceWorker, expiredEvent) {
		slog.Warn("Dispatcher: Callback timeout", "request_id", requestID)
	}
}
