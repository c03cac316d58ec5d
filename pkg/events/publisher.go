// Package events delivers terminal request events to the event bus and to
// any live observers.
package events

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/SSR3-FinalPj/AI-auto/pkg/model"
)

// Publisher sends terminal events. Publish blocks until the sink confirms
// delivery or fails; callers log failures and do not retry.
type Publisher interface {
	Publish(ctx context.Context, key string, ev *model.Event) error
	// Flush waits for anything still buffered to be delivered.
	Flush(ctx context.Context) error
	Close()
}

// Encode renders an event as the JSON record value.
func Encode(ev *model.Event) ([]byte, error) {
	return json.Marshal(ev)
}

// Fanout publishes to several sinks. The first sink is authoritative; the
// rest are observers.
type Fanout []Publisher

// Publish implements Publisher. Errors from every sink are joined.
func (f Fanout) Publish(ctx context.Context, key string, ev *model.Event) error {
	var errs []error
	for _, p := range f {
		if err := p.Publish(ctx, key, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Flush implements Publisher.
func (f Fanout) Flush(ctx context.Context) error {
	var errs []error
	for _, p := range f {
		if err := p.Flush(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close implements Publisher.
func (f Fanout) Close() {
	for _, p := range f {
		p.Close()
	}
}
