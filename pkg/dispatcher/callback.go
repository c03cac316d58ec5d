package dispatcher

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/SSR3-FinalPj/AI-auto/pkg/correlation"
	"github.com/SSR3-FinalPj/AI-auto/pkg/metrics"
	"github.com/SSR3-FinalPj/AI-auto/pkg/model"
)

// ResolveResult is the callback reply. Late is set when the request had
// already terminated (or was never known) and nothing was published.
type ResolveResult struct {
	RequestID string
	Late      bool
}

// Resolve matches a backend callback with its in-flight request. Malformed
// callbacks return an error wrapping model.ErrValidation.
func (d *Dispatcher) Resolve(ctx context.Context, cb *model.Callback) (ResolveResult, error) {
	if err := cb.Normalize(); err != nil {
		return ResolveResult{}, fmt.Errorf("%w: %w", model.ErrValidation, err)
	}

	won := d.terminate(ctx, cb.RequestID, sourceCallback, func(e correlation.Entry) *model.Event {
		return callbackEvent(cb)
	})
	if !won {
		d.tracker.TrackLate()
		metrics.RecordLateCallback()
		slog.Info("Dispatcher: Late callback ignored", "request_id", cb.RequestID, "status", cb.Status)
		return ResolveResult{RequestID: cb.RequestID, Late: true}, nil
	}
	return ResolveResult{RequestID: cb.RequestID}, nil
}

func callbackEvent(cb *model.Callback) *model.Event {
	eventID := cb.EventID
	if eventID == "" {
		eventID = model.CallbackEventID(cb.RequestID)
	}
	return &model.Event{
		EventID:         eventID,
		RequestID:       cb.RequestID,
		JobID:           cb.JobID,
		Status:          cb.Status,
		Message:         cb.Message,
		ResultReference: cb.ResultReference,
		Type:            cb.Type,
		Prompt:          cb.Prompt,
		PromptID:        cb.PromptID,
		VideoID:         cb.VideoID,
	}
}
