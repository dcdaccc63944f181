// Package backend is the HTTP client for the application backend that owns
// tenants, call sessions and call control.
//
// All requests are JSON POSTs authenticated with a shared bearer token.
// Responses are classified so that callers can decide what to do next: a
// unique-key conflict surfaces as [ErrDuplicate], other non-2xx responses as
// [*StatusError], and [IsRetryable] separates transient failures from final
// ones. Playback control calls run behind per-endpoint circuit breakers so
// that a down backend does not stall barge-in handling.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/callrelay/internal/observe"
	"github.com/MrWong99/callrelay/internal/resilience"
)

// Endpoint names used in metrics, spans and errors.
const (
	EndpointBootstrap = "bootstrap"
	EndpointSegments  = "segments"
	EndpointIngest    = "turns_ingest"
	EndpointPlay      = "calls_play"
	EndpointStop      = "calls_stop"
)

const (
	defaultTimeout  = 10 * time.Second
	maxResponseBody = 1 << 20
)

// Option is a functional option for configuring a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// WithBreaker sets the template for the play and stop circuit breakers.
func WithBreaker(cfg resilience.CircuitBreakerConfig) Option {
	return func(c *Client) { c.breakerCfg = cfg }
}

// WithTimeout sets the per-request timeout for every endpoint except turn
// ingest. Default: 10s.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// WithIngestTimeout sets the per-request timeout for turn ingest, which
// waits for transcription and synthesis on the backend. Default: 30s.
func WithIngestTimeout(d time.Duration) Option {
	return func(c *Client) { c.ingestTimeout = d }
}

// Client talks to the backend. It is safe for concurrent use.
type Client struct {
	baseURL       string
	token         string
	http          *http.Client
	metrics       *observe.Metrics
	timeout       time.Duration
	ingestTimeout time.Duration

	breakerCfg resilience.CircuitBreakerConfig
	play       *resilience.CircuitBreaker
	stop       *resilience.CircuitBreaker
}

// New creates a Client for baseURL (for example "https://app.example.com/api").
func New(baseURL, token string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		timeout:       defaultTimeout,
		ingestTimeout: 30 * time.Second,
		breakerCfg: resilience.CircuitBreakerConfig{
			MaxFailures:  3,
			ResetTimeout: 15 * time.Second,
			HalfOpenMax:  1,
		},
	}
	for _, o := range opts {
		o(c)
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	c.play = c.newBreaker(EndpointPlay)
	c.stop = c.newBreaker(EndpointStop)
	return c
}

func (c *Client) newBreaker(name string) *resilience.CircuitBreaker {
	cfg := c.breakerCfg
	cfg.Name = name
	cfg.IsFailure = isBreakerFailure
	cfg.OnStateChange = func(name string, _, to resilience.State) {
		c.metrics.RecordBreakerTransition(context.Background(), name, to.String())
	}
	return resilience.NewCircuitBreaker(cfg)
}

// BaseURL returns the configured base URL.
func (c *Client) BaseURL() string { return c.baseURL }

// Bootstrap resolves the tenant configuration for a call.
func (c *Client) Bootstrap(ctx context.Context, req BootstrapRequest) (*BootstrapResponse, error) {
	var resp BootstrapResponse
	if err := c.post(ctx, EndpointBootstrap, "/voice/bootstrap", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// UploadSegment stores one audio segment under the given call session. A
// segment that already exists yields an error matching [ErrDuplicate].
func (c *Client) UploadSegment(ctx context.Context, sessionID string, seg SegmentUpload) error {
	if sessionID == "" {
		return fmt.Errorf("backend: %s: empty session id", EndpointSegments)
	}
	path := "/call-sessions/" + url.PathEscape(sessionID) + "/segments"
	return c.post(ctx, EndpointSegments, path, seg, nil)
}

// IngestTurn submits one WAV turn for transcription and reply synthesis.
func (c *Client) IngestTurn(ctx context.Context, turn TurnIngest) (*TurnIngestResult, error) {
	var res TurnIngestResult
	if err := c.post(ctx, EndpointIngest, "/turns/ingest", turn, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Play asks call control to play an audio URL into the call.
func (c *Client) Play(ctx context.Context, req PlayRequest) error {
	return c.play.Execute(ctx, func(ctx context.Context) error {
		return c.post(ctx, EndpointPlay, "/calls/play", req, nil)
	})
}

// Stop asks call control to stop current playback.
func (c *Client) Stop(ctx context.Context, req StopRequest) error {
	return c.stop.Execute(ctx, func(ctx context.Context) error {
		return c.post(ctx, EndpointStop, "/calls/stop", req, nil)
	})
}

func (c *Client) post(ctx context.Context, endpoint, path string, in, out any) (err error) {
	ctx, span := observe.StartSpan(ctx, "backend."+endpoint,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("backend.endpoint", endpoint)),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	timeout := c.timeout
	if endpoint == EndpointIngest {
		timeout = c.ingestTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("backend: %s: encode: %w", endpoint, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("backend: %s: %w", endpoint, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.metrics.RecordBackend(ctx, endpoint, "error", time.Since(start))
		return fmt.Errorf("backend: %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	c.metrics.RecordBackend(ctx, endpoint, strconv.Itoa(resp.StatusCode), time.Since(start))
	span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))
	if err != nil {
		return fmt.Errorf("backend: %s: read body: %w", endpoint, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		se := &StatusError{Endpoint: endpoint, StatusCode: resp.StatusCode, Body: string(data)}
		if endpoint == EndpointSegments && isDuplicate(resp.StatusCode, se.Body) {
			return fmt.Errorf("%w: %w", ErrDuplicate, se)
		}
		return se
	}

	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("backend: %s: decode: %w", endpoint, err)
	}
	return nil
}
