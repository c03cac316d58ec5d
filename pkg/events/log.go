package events

import (
	"context"
	"log/slog"

	"github.com/SSR3-FinalPj/AI-auto/pkg/model"
)

// LogPublisher writes events to the structured log. It stands in for the
// bus when no brokers are configured.
type LogPublisher struct {
	logger *slog.Logger
}

// NewLog creates a LogPublisher. A nil logger uses slog.Default.
func NewLog(logger *slog.Logger) *LogPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogPublisher{logger: logger}
}

// Publish implements Publisher.
func (p *LogPublisher) Publish(ctx context.Context, key string, ev *model.Event) error {
	p.logger.InfoContext(ctx, "Event",
		"key", key,
		"request_id", ev.RequestID,
		"status", ev.Status,
		"message", ev.Message,
		"result_reference", ev.ResultReference,
	)
	return nil
}

func (p *LogPublisher) Flush(context.Context) error { return nil }

func (p *LogPublisher) Close() {}
