package request

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/SSR3-FinalPj/AI-auto/pkg/tracker"
)

func TestDispatch_Success(t *testing.T) {
	var got map[string]any
	svr := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("expected json content type, got %q", ct)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer svr.Close()

	tr := tracker.New()
	c := New(svr.URL, time.Second, time.Second, tr)

	out, err := c.Dispatch(context.Background(), map[string]string{"requestId": "req_1"})
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if out.StatusCode != http.StatusAccepted || out.TimedOut {
		t.Errorf("unexpected outcome: %+v", out)
	}
	if got["requestId"] != "req_1" {
		t.Errorf("backend saw body %v", got)
	}
	if s := tr.Snapshot()[c.provider]; s.APISuccess != 1 {
		t.Errorf("expected one tracked success, got %+v", s)
	}
}

func TestDispatch_Errors(t *testing.T) {
	tests := []struct {
		name       string
		handler    http.HandlerFunc
		wantStatus int
	}{
		{"Server error", func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "boom", http.StatusInternalServerError)
		}, 500},
		{"Busy", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusTooManyRequests)
		}, 429},
		{"Bad request", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadRequest)
		}, 400},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svr := httptest.NewServer(tt.handler)
			defer svr.Close()

			c := New(svr.URL, time.Second, time.Second, nil)
			_, err := c.Dispatch(context.Background(), struct{}{})
			if !errors.Is(err, ErrDispatch) {
				t.Fatalf("expected ErrDispatch, got %v", err)
			}
			var se *StatusError
			if !errors.As(err, &se) {
				t.Fatalf("expected StatusError, got %T", err)
			}
			if se.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", se.Code, tt.wantStatus)
			}
		})
	}
}

func TestDispatch_ConnectionRefused(t *testing.T) {
	// Grab a free port and close it so nothing is listening
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := l.Addr().String()
	l.Close()

	tr := tracker.New()
	c := New("http://"+addr+"/generate", 200*time.Millisecond, time.Second, tr)
	_, err = c.Dispatch(context.Background(), struct{}{})
	if !errors.Is(err, ErrDispatch) {
		t.Fatalf("expected ErrDispatch, got %v", err)
	}
	if s := tr.Snapshot()[addr]; s.APIFailures != 1 {
		t.Errorf("expected one tracked failure, got %+v", s)
	}

	if err := c.Ping(context.Background()); err == nil {
		t.Error("Ping should fail with nothing listening")
	}
}

func TestDispatch_ReadTimeoutIsAccepted(t *testing.T) {
	release := make(chan struct{})
	svr := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer svr.Close()
	defer close(release)

	c := New(svr.URL, time.Second, 50*time.Millisecond, nil)
	out, err := c.Dispatch(context.Background(), struct{}{})
	if err != nil {
		t.Fatalf("read timeout should not be an error, got %v", err)
	}
	if !out.TimedOut {
		t.Error("expected TimedOut outcome")
	}
}

func TestDispatch_StalledBodyIsAccepted(t *testing.T) {
	release := make(chan struct{})
	svr := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
		w.(http.Flusher).Flush()
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer svr.Close()
	defer close(release)

	tr := tracker.New()
	c := New(svr.URL, 200*time.Millisecond, 200*time.Millisecond, tr)

	type result struct {
		out Outcome
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := c.Dispatch(context.Background(), struct{}{})
		done <- result{out, err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			t.Fatalf("stalled body should not be an error, got %v", res.err)
		}
		if res.out.StatusCode != http.StatusAccepted || !res.out.TimedOut {
			t.Errorf("unexpected outcome: %+v", res.out)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Dispatch still blocked after headers arrived")
	}
	if s := tr.Snapshot()[c.provider]; s.APISuccess != 1 {
		t.Errorf("expected one tracked success, got %+v", s)
	}
}

func TestDispatch_ContextCanceled(t *testing.T) {
	svr := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer svr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	c := New(svr.URL, time.Second, 5*time.Second, nil)
	_, err := c.Dispatch(ctx, struct{}{})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected context error, got %v", err)
	}
}

func TestPing(t *testing.T) {
	svr := httptest.NewServer(http.NotFoundHandler())
	defer svr.Close()

	c := New(svr.URL+"/generate", time.Second, time.Second, nil)
	if err := c.Ping(context.Background()); err != nil {
		t.Errorf("Ping failed: %v", err)
	}
	if c.Endpoint() != svr.URL+"/generate" {
		t.Errorf("Endpoint() = %q", c.Endpoint())
	}
}
