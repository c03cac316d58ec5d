package dispatcher

import (
	"context"
	"log/slog"
	"time"

	"github.com/SSR3-FinalPj/AI-auto/pkg/correlation"
	"github.com/SSR3-FinalPj/AI-auto/pkg/metrics"
	"github.com/SSR3-FinalPj/AI-auto/pkg/model"
)

// Producers of terminal events, used as a metrics label.
const (
	sourceCallback = "callback"
	sourceSweeper  = "sweeper"
	sourceWorker   = "worker"
	sourceDispatch = "dispatch"
)

func expiredEvent(e correlation.Entry) *model.Event {
	return &model.Event{
		EventID:   model.ExpiredEventID(e.RequestID),
		RequestID: e.RequestID,
		Status:    model.StatusExpired,
		Message:   model.MessageCallbackTimeout,
	}
}

// terminate removes the entry and, only if this call removed it, publishes
// the event built from it. It reports whether this caller won.
func (d *Dispatcher) terminate(ctx context.Context, requestID, source string, build func(correlation.Entry) *model.Event) bool {
	entry, ok := d.inflight.RemoveIfPresent(requestID)
	return d.settle(ctx, entry, ok, source, build)
}

// expire is terminate for the sweeper: the entry is removed only if it is
// still overdue at now, so a deadline refreshed since the scan survives.
func (d *Dispatcher) expire(ctx context.Context, requestID string, now time.Time) bool {
	entry, ok := d.inflight.RemoveIfExpired(requestID, now)
	return d.settle(ctx, entry, ok, sourceSweeper, expiredEvent)
}

func (d *Dispatcher) settle(ctx context.Context, entry correlation.Entry, ok bool, source string, build func(correlation.Entry) *model.Event) bool {
	if !ok {
		return false
	}
	d.publish(ctx, entry, build(entry), source)
	return true
}

// publish fills the fields every terminal event carries and sends it.
// Delivery failures are logged and counted, never retried.
func (d *Dispatcher) publish(ctx context.Context, entry correlation.Entry, ev *model.Event, source string) {
	if p := entry.Payload; p != nil {
		if ev.JobID == 0 {
			ev.JobID = p.JobID
		}
		if ev.Type == "" {
			ev.Type = p.ResultType()
		}
		ev.Platform = p.Platform
	}
	if ev.Prompt == "" {
		ev.Prompt = entry.EnrichedText
	}
	ev.Timestamp = time.Now().UTC()
	ev.SchemaVersion = model.SchemaVersion

	d.tracker.TrackTerminal(ev.Status)
	metrics.RecordTerminal(string(ev.Status), source)

	// Shutdown must not cancel the final report of a request
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.opts.PublishTimeout)
	defer cancel()

	if err := d.publisher.Publish(pubCtx, ev.EventID, ev); err != nil {
		metrics.RecordPublishError()
		slog.Error("Dispatcher: Event publish failed",
			"request_id", ev.RequestID,
			"event_id", ev.EventID,
			"status", ev.Status,
			"error", err,
		)
		return
	}
	slog.Info("Dispatcher: Terminal event published",
		"request_id", ev.RequestID,
		"event_id", ev.EventID,
		"status", ev.Status,
		"source", source,
	)
}
