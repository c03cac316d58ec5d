package request

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptrace"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/SSR3-FinalPj/AI-auto/pkg/tracker"
	"github.com/SSR3-FinalPj/AI-auto/pkg/version"
)

var (
	defaultUserAgent = fmt.Sprintf("video-bridge/%s", version.Version)

	// ErrDispatch marks a backend call that should be retried.
	ErrDispatch = errors.New("dispatch failed")
)

// StatusError is a non-2xx answer from the backend.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("api error: status %d", e.Code)
	}
	return fmt.Sprintf("api error: status %d: %s", e.Code, e.Body)
}

// Outcome describes a dispatch the backend plausibly accepted.
type Outcome struct {
	StatusCode int
	// TimedOut is set when the request was sent but no response arrived within
	// the read timeout. The backend is assumed to have detached.
	TimedOut bool
	Body     []byte
}

// Client posts jobs to the generation backend. It never retries on its own;
// retry policy belongs to the caller.
type Client struct {
	httpClient  *http.Client
	endpoint    string
	readTimeout time.Duration
	provider   string
	tracker    *tracker.Tracker
}

// New creates a Client with a bounded connect phase. readTimeout bounds the
// wait for response headers and, separately, the read of the response body.
func New(endpoint string, connectTimeout, readTimeout time.Duration, t *tracker.Tracker) *Client {
	dialer := &net.Dialer{Timeout: connectTimeout, KeepAlive: 30 * time.Second}
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ResponseHeaderTimeout: readTimeout,
		MaxIdleConnsPerHost:   8,
		IdleConnTimeout:       90 * time.Second,
	}

	provider := endpoint
	if u, err := url.Parse(endpoint); err == nil && u.Host != "" {
		provider = normalizeProvider(u.Host)
	}

	return &Client{
		httpClient:  &http.Client{Transport: transport},
		endpoint:    endpoint,
		readTimeout: readTimeout,
		provider:    provider,
		tracker:     t,
	}
}

// Endpoint returns the configured backend URL.
func (c *Client) Endpoint() string {
	return c.endpoint
}

// Dispatch POSTs body as JSON. Connection failures and non-2xx statuses are
// returned wrapped in ErrDispatch.
func (c *Client) Dispatch(ctx context.Context, body any) (Outcome, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return Outcome{}, fmt.Errorf("marshal dispatch body: %w", err)
	}

	var wrote atomic.Bool
	trace := &httptrace.ClientTrace{
		WroteRequest: func(info httptrace.WroteRequestInfo) {
			wrote.Store(info.Err == nil)
		},
	}
	reqCtx, cancelReq := context.WithCancel(ctx)
	defer cancelReq()

	req, err := http.NewRequestWithContext(httptrace.WithClientTrace(reqCtx, trace), http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return Outcome{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", defaultUserAgent)

	start := time.Now()
	slog.Debug("Network Request", "host", req.URL.Host, "path", req.URL.Path)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return Outcome{}, ctx.Err()
		}
		if wrote.Load() && isTimeout(err) {
			c.track(true)
			slog.Warn("Dispatch read timeout, treating as accepted", "url", c.endpoint, "elapsed", time.Since(start))
			return Outcome{TimedOut: true}, nil
		}
		c.track(false)
		return Outcome{}, fmt.Errorf("%w: %w", ErrDispatch, err)
	}
	defer resp.Body.Close()

	// Headers are in; a body the backend keeps open must not hold the worker
	var stalled atomic.Bool
	if c.readTimeout > 0 {
		bodyTimer := time.AfterFunc(c.readTimeout, func() {
			stalled.Store(true)
			cancelReq()
		})
		defer bodyTimer.Stop()
	}

	respBody, readErr := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if readErr != nil && ctx.Err() != nil {
		return Outcome{}, ctx.Err()
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.track(false)
		return Outcome{}, fmt.Errorf("%w: %w", ErrDispatch, &StatusError{
			Code: resp.StatusCode,
			Body: strings.TrimSpace(string(respBody)),
		})
	}

	c.track(true)
	if readErr != nil {
		if stalled.Load() {
			slog.Warn("Dispatch response body stalled, treating as accepted", "url", c.endpoint, "status", resp.StatusCode)
			return Outcome{StatusCode: resp.StatusCode, TimedOut: true}, nil
		}
		// Status line and headers arrived; the body is informational only
		slog.Debug("Dispatch response body unreadable", "error", readErr)
	}
	return Outcome{StatusCode: resp.StatusCode, Body: respBody}, nil
}

// Ping checks that the backend accepts TCP connections.
func (c *Client) Ping(ctx context.Context) error {
	u, err := url.Parse(c.endpoint)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	host := u.Host
	if u.Port() == "" {
		if u.Scheme == "https" {
			host = net.JoinHostPort(u.Hostname(), "443")
		} else {
			host = net.JoinHostPort(u.Hostname(), "80")
		}
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", host)
	if err != nil {
		return err
	}
	return conn.Close()
}

func (c *Client) track(ok bool) {
	if c.tracker == nil {
		return
	}
	if ok {
		c.tracker.TrackAPISuccess(c.provider)
	} else {
		c.tracker.TrackAPIFailure(c.provider)
	}
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func normalizeProvider(host string) string {
	if strings.HasSuffix(host, "googleapis.com") {
		return "gemini"
	}
	return host
}
