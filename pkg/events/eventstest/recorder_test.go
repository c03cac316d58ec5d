package eventstest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SSR3-FinalPj/AI-auto/pkg/model"
)

func testEvent(id string) *model.Event {
	return &model.Event{
		EventID:   model.ExpiredEventID(id),
		RequestID: id,
		Status:    model.StatusExpired,
		Message:   model.MessageCallbackTimeout,
	}
}

func TestRecorder(t *testing.T) {
	r := NewRecorder()
	ctx := context.Background()

	require.NoError(t, r.Publish(ctx, "k1", testEvent("req_a")))
	require.NoError(t, r.Publish(ctx, "k2", testEvent("req_b")))

	assert.Len(t, r.Events(), 2)
	assert.Len(t, r.ForRequest("req_a"), 1)
	assert.Empty(t, r.ForRequest("req_zzz"))
	assert.True(t, r.WaitFor(2, 10*time.Millisecond))
	assert.False(t, r.WaitFor(3, 10*time.Millisecond))

	boom := errors.New("broker down")
	r.FailWith(boom)
	assert.ErrorIs(t, r.Publish(ctx, "k3", testEvent("req_c")), boom)
	assert.Len(t, r.Events(), 3, "failed publishes are still recorded")
}

func TestRecorder_WaitForWakesUp(t *testing.T) {
	r := NewRecorder()
	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = r.Publish(context.Background(), "k", testEvent("req_late"))
	}()
	assert.True(t, r.WaitFor(1, time.Second))
}

func TestRecorder_FlushAndClose(t *testing.T) {
	r := NewRecorder()
	require.NoError(t, r.Flush(context.Background()))
	require.NoError(t, r.Flush(context.Background()))
	assert.Equal(t, 2, r.Flushes())
	assert.False(t, r.Closed())
	r.Close()
	assert.True(t, r.Closed())
}
