package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SSR3-FinalPj/AI-auto/pkg/correlation"
	"github.com/SSR3-FinalPj/AI-auto/pkg/events/eventstest"
	"github.com/SSR3-FinalPj/AI-auto/pkg/idempotency"
	"github.com/SSR3-FinalPj/AI-auto/pkg/model"
	"github.com/SSR3-FinalPj/AI-auto/pkg/queue"
	"github.com/SSR3-FinalPj/AI-auto/pkg/request"
)

const enrichedText = "Gangnam sunny 27°C / crowded plaza"

type stubEnricher struct {
	calls atomic.Int32
}

func (s *stubEnricher) Enrich(_ context.Context, _ *model.Payload) (string, bool) {
	s.calls.Add(1)
	return enrichedText, false
}

// stubBackend fails the first `fail` calls at connection level.
type stubBackend struct {
	mu     sync.Mutex
	bodies []dispatchBody
	fail   int
}

func (b *stubBackend) Dispatch(_ context.Context, body any) (request.Outcome, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.bodies = append(b.bodies, body.(dispatchBody))
	if len(b.bodies) <= b.fail {
		return request.Outcome{}, fmt.Errorf("%w: connection refused", request.ErrDispatch)
	}
	return request.Outcome{StatusCode: http.StatusAccepted}, nil
}

func (b *stubBackend) Calls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.bodies)
}

func (b *stubBackend) Body(i int) dispatchBody {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.bodies[i]
}

type countingBackend struct {
	Backend
	calls atomic.Int32
}

func (c *countingBackend) Dispatch(ctx context.Context, body any) (request.Outcome, error) {
	c.calls.Add(1)
	return c.Backend.Dispatch(ctx, body)
}

type prefixResolver struct{}

func (prefixResolver) Resolve(_ context.Context, ref string) (string, error) {
	return "https://signed.example.com/" + ref, nil
}

type harness struct {
	d        *Dispatcher
	inflight *correlation.MemoryRegistry
	idem     *idempotency.MemoryRegistry
	queue    *queue.PriorityQueue
	events   *eventstest.Recorder
	enricher *stubEnricher
}

func testOptions() Options {
	return Options{
		TTL:        time.Minute,
		MaxRetries: 5,
		Backoff: request.Backoff{
			BaseDelay: time.Millisecond,
			MaxDelay:  4 * time.Millisecond,
			Jitter:    time.Microsecond,
		},
		Workers:         1,
		DefaultPriority: 100,
		CallbackURL:     "http://bridge.local/callback",
		PublishTimeout:  time.Second,
	}
}

func newHarness(t *testing.T, opts Options, backend Backend) *harness {
	t.Helper()
	h := &harness{
		inflight: correlation.NewMemory(),
		idem:     idempotency.NewMemory(time.Hour),
		queue:    queue.New(),
		events:   eventstest.NewRecorder(),
		enricher: &stubEnricher{},
	}
	d, err := New(opts, Deps{
		Idempotency: h.idem,
		Inflight:    h.inflight,
		Queue:       h.queue,
		Backend:     backend,
		Enricher:    h.enricher,
		Publisher:   h.events,
	})
	require.NoError(t, err)
	h.d = d
	t.Cleanup(h.queue.Close)
	return h
}

func (h *harness) startPool(t *testing.T, workers int) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		NewPool(h.d, workers).Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-stopped
	})
}

func (h *harness) waitDispatched(t *testing.T, requestID string) {
	t.Helper()
	require.Eventually(t, func() bool {
		e, ok := h.inflight.Get(requestID)
		return ok && e.State == model.StateDispatched
	}, 2*time.Second, 2*time.Millisecond)
}

func testPayload(img string) *model.Payload {
	return &model.Payload{
		Img:      img,
		JobID:    7,
		Platform: model.PlatformYouTube,
		Weather:  &model.Weather{AreaName: "Gangnam", Temperature: "27", Humidity: "40"},
	}
}

func TestNew_RequiresDeps(t *testing.T) {
	_, err := New(testOptions(), Deps{})
	assert.Error(t, err)

	h := newHarness(t, testOptions(), &stubBackend{})
	opts := testOptions()
	opts.TTL = 0
	_, err = New(opts, Deps{
		Idempotency: h.idem, Inflight: h.inflight, Queue: h.queue,
		Backend: &stubBackend{}, Enricher: h.enricher, Publisher: h.events,
	})
	assert.Error(t, err, "ttl must be positive")
}

func TestSubmit_DuplicateKey(t *testing.T) {
	backend := &stubBackend{}
	h := newHarness(t, testOptions(), backend)
	ctx := context.Background()

	first, err := h.d.Submit(ctx, testPayload("a.png"), "k1")
	require.NoError(t, err)
	assert.True(t, first.Accepted)
	assert.True(t, first.Enqueued)
	assert.False(t, first.Duplicate)
	assert.Regexp(t, `^req_[0-9a-f]{32}$`, first.RequestID)

	// Different payload, same key: still the original request
	second, err := h.d.Submit(ctx, testPayload("b.png"), "k1")
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.False(t, second.Accepted)
	assert.Equal(t, first.RequestID, second.RequestID)

	h.startPool(t, 1)
	h.waitDispatched(t, first.RequestID)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, backend.Calls(), "a duplicate must not dispatch again")

	lc := h.d.Stats().Lifecycle
	assert.EqualValues(t, 1, lc.Accepted)
	assert.EqualValues(t, 1, lc.Duplicates)
}

func TestSubmit_KeyPrecedence(t *testing.T) {
	h := newHarness(t, testOptions(), &stubBackend{})
	ctx := context.Background()

	p := testPayload("a.png")
	p.DedupKey = "body-key"
	byHeader, err := h.d.Submit(ctx, p, "header-key")
	require.NoError(t, err)

	got, ok, err := h.idem.Get(ctx, "header-key")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, byHeader.RequestID, got)

	byBody, err := h.d.Submit(ctx, p, "")
	require.NoError(t, err)
	assert.False(t, byBody.Duplicate, "body key differs from the header key")

	derived, err := h.d.Submit(ctx, testPayload("c.png"), "")
	require.NoError(t, err)
	again, err := h.d.Submit(ctx, testPayload("c.png"), "  ")
	require.NoError(t, err)
	assert.True(t, again.Duplicate)
	assert.Equal(t, derived.RequestID, again.RequestID)
}

func TestSubmit_ConcurrentSameKey(t *testing.T) {
	h := newHarness(t, testOptions(), &stubBackend{})

	const n = 32
	results := make([]SubmitResult, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r, err := h.d.Submit(context.Background(), testPayload("a.png"), "race")
			assert.NoError(t, err)
			results[i] = r
		}(i)
	}
	wg.Wait()

	var accepted int
	for _, r := range results {
		assert.Equal(t, results[0].RequestID, r.RequestID)
		if r.Accepted {
			accepted++
		}
	}
	assert.Equal(t, 1, accepted)
	assert.Equal(t, 1, h.queue.Len())
}

func TestSubmit_AfterShutdown(t *testing.T) {
	h := newHarness(t, testOptions(), &stubBackend{})
	h.queue.Close()

	_, err := h.d.Submit(context.Background(), testPayload("a.png"), "k-closed")
	assert.ErrorIs(t, err, ErrShuttingDown)

	_, ok, err := h.idem.Get(context.Background(), "k-closed")
	require.NoError(t, err)
	assert.False(t, ok, "a rejected submission must release its key")
}

func TestDispatchBody(t *testing.T) {
	backend := &stubBackend{}
	h := newHarness(t, testOptions(), backend)
	h.d.images = prefixResolver{}
	h.startPool(t, 1)

	p := testPayload("inputs/a.png")
	p.IsClient = false
	res, err := h.d.Submit(context.Background(), p, "")
	require.NoError(t, err)
	h.waitDispatched(t, res.RequestID)

	body := backend.Body(0)
	assert.Equal(t, res.RequestID, body.RequestID)
	assert.EqualValues(t, 7, body.JobID)
	assert.Equal(t, "inputs/a.png", body.Img)
	assert.Equal(t, "https://signed.example.com/inputs/a.png", body.ImageURL)
	assert.Equal(t, enrichedText, body.EnglishText)
	assert.Equal(t, "http://bridge.local/callback", body.CallbackURL)
	assert.Equal(t, model.PlatformYouTube, body.Platform)
}

func TestResolve_Success(t *testing.T) {
	h := newHarness(t, testOptions(), &stubBackend{})
	h.startPool(t, 1)
	ctx := context.Background()

	res, err := h.d.Submit(ctx, testPayload("a.png"), "k-success")
	require.NoError(t, err)
	h.waitDispatched(t, res.RequestID)

	out, err := h.d.Resolve(ctx, &model.Callback{
		RequestID:       res.RequestID,
		Status:          model.StatusSuccess,
		ResultReference: "s3://videos/out.mp4",
	})
	require.NoError(t, err)
	assert.False(t, out.Late)

	evs := h.events.ForRequest(res.RequestID)
	require.Len(t, evs, 1)
	ev := evs[0]
	assert.Equal(t, model.StatusSuccess, ev.Status)
	assert.Equal(t, "s3://videos/out.mp4", ev.ResultReference)
	assert.Equal(t, model.CallbackEventID(res.RequestID), ev.EventID)
	assert.Equal(t, enrichedText, ev.Prompt, "enriched text fills a missing prompt")
	assert.Equal(t, "video", ev.Type)
	assert.EqualValues(t, 7, ev.JobID)
	assert.Equal(t, model.SchemaVersion, ev.SchemaVersion)
	assert.Equal(t, time.UTC, ev.Timestamp.Location())
	assert.Equal(t, ev.EventID, h.events.Events()[0].Key)

	// A repeated callback is late and publishes nothing
	again, err := h.d.Resolve(ctx, &model.Callback{RequestID: res.RequestID, Status: model.StatusSuccess})
	require.NoError(t, err)
	assert.True(t, again.Late)
	assert.Len(t, h.events.Events(), 1)
	assert.Equal(t, 0, h.inflight.Len())
	assert.EqualValues(t, 1, h.d.Stats().Completed)
}

func TestResolve_CallbackFields(t *testing.T) {
	h := newHarness(t, testOptions(), &stubBackend{})
	_, ok := h.inflight.Put(correlation.Entry{
		RequestID:    "req_cb",
		Payload:      testPayload("a.png"),
		EnrichedText: enrichedText,
		Deadline:     time.Now().Add(time.Minute),
	})
	require.True(t, ok)

	_, err := h.d.Resolve(context.Background(), &model.Callback{
		LegacyRequestID: "req_cb",
		EventID:         "evt_backend_1",
		Status:          "failed",
		Message:         "veo quota exceeded",
		Prompt:          "backend prompt",
		Type:            "image",
	})
	require.NoError(t, err)

	ev := h.events.ForRequest("req_cb")[0]
	assert.Equal(t, "evt_backend_1", ev.EventID)
	assert.Equal(t, model.StatusFailed, ev.Status)
	assert.Equal(t, "veo quota exceeded", ev.Message)
	assert.Equal(t, "backend prompt", ev.Prompt)
	assert.Equal(t, "image", ev.Type)
}

func TestResolve_UnknownAndMalformed(t *testing.T) {
	h := newHarness(t, testOptions(), &stubBackend{})
	ctx := context.Background()

	out, err := h.d.Resolve(ctx, &model.Callback{RequestID: "req_nobody", Status: model.StatusSuccess})
	require.NoError(t, err)
	assert.True(t, out.Late)
	assert.Empty(t, h.events.Events())
	assert.EqualValues(t, 1, h.d.Stats().Lifecycle.Late)

	_, err = h.d.Resolve(ctx, &model.Callback{Status: model.StatusSuccess})
	assert.ErrorIs(t, err, model.ErrValidation)
}

func TestRetry_ConnectionRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	backend := &countingBackend{Backend: request.New("http://"+addr+"/generate", 200*time.Millisecond, time.Second, nil)}
	h := newHarness(t, testOptions(), backend)
	h.startPool(t, 1)

	res, err := h.d.Submit(context.Background(), testPayload("a.png"), "k-refused")
	require.NoError(t, err)
	require.True(t, h.events.WaitFor(1, 5*time.Second))

	evs := h.events.ForRequest(res.RequestID)
	require.Len(t, evs, 1)
	assert.Equal(t, model.StatusFailed, evs[0].Status)
	assert.Contains(t, evs[0].Message, "failed after retries")
	assert.Equal(t, model.DispatchFailedEventID(res.RequestID), evs[0].EventID)
	assert.EqualValues(t, 6, backend.calls.Load(), "one attempt plus five retries")
	assert.Equal(t, 0, h.inflight.Len())
	assert.EqualValues(t, 1, h.enricher.calls.Load(), "retries reuse the enriched text")

	lc := h.d.Stats().Lifecycle
	assert.EqualValues(t, 5, lc.Retries)
	assert.EqualValues(t, 1, lc.Failed)
}

func TestRetry_RecoversAfterServerErrors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	h := newHarness(t, testOptions(), request.New(srv.URL, time.Second, time.Second, nil))
	h.startPool(t, 1)

	res, err := h.d.Submit(context.Background(), testPayload("a.png"), "k-recover")
	require.NoError(t, err)
	h.waitDispatched(t, res.RequestID)

	assert.EqualValues(t, 3, hits.Load())
	assert.Empty(t, h.events.Events(), "a recovered dispatch publishes nothing yet")
}

func TestDirectPath(t *testing.T) {
	backend := &stubBackend{}
	h := newHarness(t, testOptions(), backend)

	p := testPayload("a.png")
	p.IsClient = true
	res, err := h.d.Submit(context.Background(), p, "")
	require.NoError(t, err)

	assert.True(t, res.Accepted)
	assert.False(t, res.Enqueued)
	assert.Equal(t, 1, backend.Calls(), "dispatched before Submit returns")
	assert.True(t, backend.Body(0).IsClient)

	e, ok := h.inflight.Get(res.RequestID)
	require.True(t, ok)
	assert.Equal(t, model.StateDispatched, e.State)
	assert.Equal(t, 0, h.queue.Len())
}

func TestDirectPath_FailureFallsBackToRetry(t *testing.T) {
	backend := &stubBackend{fail: 1}
	h := newHarness(t, testOptions(), backend)

	p := testPayload("a.png")
	p.IsClient = true
	res, err := h.d.Submit(context.Background(), p, "")
	require.NoError(t, err)
	assert.Equal(t, 1, backend.Calls())
	assert.Equal(t, 1, h.queue.Len(), "handed to the retry path")

	h.startPool(t, 1)
	h.waitDispatched(t, res.RequestID)
	assert.Equal(t, 2, backend.Calls())
}

func TestSweep_ExpiresOverdue(t *testing.T) {
	h := newHarness(t, testOptions(), &stubBackend{})
	h.startPool(t, 1)
	ctx := context.Background()

	res, err := h.d.Submit(ctx, testPayload("a.png"), "k-expire")
	require.NoError(t, err)
	h.waitDispatched(t, res.RequestID)

	sw := NewSweeper(h.d, time.Hour)
	assert.Equal(t, 0, sw.Sweep(ctx, time.Now()), "not yet due")
	assert.Equal(t, 1, sw.Sweep(ctx, time.Now().Add(2*time.Minute)))
	assert.Equal(t, 0, sw.Sweep(ctx, time.Now().Add(2*time.Minute)))

	evs := h.events.ForRequest(res.RequestID)
	require.Len(t, evs, 1)
	assert.Equal(t, model.StatusExpired, evs[0].Status)
	assert.Equal(t, model.MessageCallbackTimeout, evs[0].Message)
	assert.Equal(t, model.ExpiredEventID(res.RequestID), evs[0].EventID)
	assert.Equal(t, 0, h.inflight.Len())

	late, err := h.d.Resolve(ctx, &model.Callback{RequestID: res.RequestID, Status: model.StatusSuccess})
	require.NoError(t, err)
	assert.True(t, late.Late)
	assert.Len(t, h.events.Events(), 1)

	dup, err := h.d.Submit(ctx, testPayload("a.png"), "k-expire")
	require.NoError(t, err)
	assert.True(t, dup.Duplicate, "the mapping outlives the request")
}

func TestSweep_SkipsRefreshedEntry(t *testing.T) {
	h := newHarness(t, testOptions(), &stubBackend{})
	ctx := context.Background()
	now := time.Now()

	h.inflight.Put(correlation.Entry{RequestID: "req_retrying", Payload: testPayload("a.png"), Deadline: now.Add(-time.Second)})
	require.Equal(t, []string{"req_retrying"}, h.inflight.Expired(now))

	// The retry path refreshes the deadline between the scan and the removal
	h.inflight.Refresh("req_retrying", now.Add(time.Minute))
	assert.False(t, h.d.expire(ctx, "req_retrying", now))
	assert.Empty(t, h.events.Events())
	assert.Equal(t, 1, h.inflight.Len())

	assert.Equal(t, 1, NewSweeper(h.d, time.Hour).Sweep(ctx, now.Add(2*time.Minute)))
	require.Len(t, h.events.ForRequest("req_retrying"), 1)
}

func TestSweeper_Run(t *testing.T) {
	opts := testOptions()
	opts.TTL = 30 * time.Millisecond
	h := newHarness(t, opts, &stubBackend{})
	h.startPool(t, 1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go NewSweeper(h.d, 10*time.Millisecond).Run(ctx)

	res, err := h.d.Submit(context.Background(), testPayload("a.png"), "")
	require.NoError(t, err)
	require.True(t, h.events.WaitFor(1, 2*time.Second))

	evs := h.events.ForRequest(res.RequestID)
	require.Len(t, evs, 1)
	assert.Equal(t, model.StatusExpired, evs[0].Status)
}

func TestSerializeOnCallback(t *testing.T) {
	opts := testOptions()
	opts.SerializeOnCallback = true
	opts.TTL = 150 * time.Millisecond
	backend := &stubBackend{}
	h := newHarness(t, opts, backend)
	ctx := context.Background()

	first, err := h.d.Submit(ctx, testPayload("a.png"), "k-first")
	require.NoError(t, err)
	second, err := h.d.Submit(ctx, testPayload("b.png"), "k-second")
	require.NoError(t, err)

	h.startPool(t, 1)
	h.waitDispatched(t, first.RequestID)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 1, backend.Calls(), "worker waits for the callback")

	_, err = h.d.Resolve(ctx, &model.Callback{RequestID: first.RequestID, Status: model.StatusSuccess})
	require.NoError(t, err)
	h.waitDispatched(t, second.RequestID)
	assert.Equal(t, 2, backend.Calls())

	// No callback for the second: the worker expires it itself
	require.True(t, h.events.WaitFor(2, 2*time.Second))
	evs := h.events.ForRequest(second.RequestID)
	require.Len(t, evs, 1)
	assert.Equal(t, model.StatusExpired, evs[0].Status)
	assert.Equal(t, model.MessageCallbackTimeout, evs[0].Message)
	assert.Equal(t, 0, h.inflight.Len())
}

func TestTerminal_MutuallyExclusive(t *testing.T) {
	h := newHarness(t, testOptions(), &stubBackend{})
	ctx := context.Background()
	sw := NewSweeper(h.d, time.Hour)

	const n = 100
	for i := range n {
		_, ok := h.inflight.Put(correlation.Entry{
			RequestID: fmt.Sprintf("req_race_%d", i),
			Payload:   testPayload("a.png"),
			Deadline:  time.Now().Add(-time.Second),
		})
		require.True(t, ok)
	}

	var wg sync.WaitGroup
	for i := range n {
		id := fmt.Sprintf("req_race_%d", i)
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, err := h.d.Resolve(ctx, &model.Callback{RequestID: id, Status: model.StatusSuccess})
			assert.NoError(t, err)
		}()
		go func() {
			defer wg.Done()
			h.d.retryOrFail(ctx, &model.Job{RequestID: id, Attempts: 5}, errors.New("refused"))
		}()
	}
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sw.Sweep(ctx, time.Now())
		}()
	}
	wg.Wait()

	assert.Len(t, h.events.Events(), n)
	for i := range n {
		assert.Len(t, h.events.ForRequest(fmt.Sprintf("req_race_%d", i)), 1)
	}
	assert.Equal(t, 0, h.inflight.Len())
	assert.EqualValues(t, n, h.d.Stats().Completed)
}

func TestPublishFailureIsNotRetried(t *testing.T) {
	h := newHarness(t, testOptions(), &stubBackend{})
	h.events.FailWith(errors.New("broker unavailable"))
	_, _ = h.inflight.Put(correlation.Entry{RequestID: "req_pub", Payload: testPayload("a.png"), Deadline: time.Now()})

	n := NewSweeper(h.d, time.Hour).Sweep(context.Background(), time.Now().Add(time.Second))
	assert.Equal(t, 1, n)
	assert.Len(t, h.events.Events(), 1, "one attempt only")
	assert.Equal(t, 0, h.inflight.Len())
}

func TestStats(t *testing.T) {
	h := newHarness(t, testOptions(), &stubBackend{})
	for i := range 3 {
		_, err := h.d.Submit(context.Background(), testPayload(fmt.Sprintf("%d.png", i)), "")
		require.NoError(t, err)
	}
	_, _ = h.inflight.Put(correlation.Entry{RequestID: "req_s", Deadline: time.Now().Add(time.Minute)})
	h.queue.RequeueAfter(&model.Job{RequestID: "req_backoff", Payload: testPayload("r.png")}, time.Hour)

	s := h.d.Stats()
	assert.Equal(t, 4, s.Queued)
	assert.Equal(t, 1, s.Retrying)
	assert.Equal(t, 1, s.Inflight)
	assert.EqualValues(t, 0, s.Completed)
}
