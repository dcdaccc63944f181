// Package realtime is the upstream leg to an OpenAI Realtime compatible
// speech-to-speech endpoint.
//
// A [Client] dials one WebSocket [Session] per call and configures it with a
// session.update event. Caller audio is streamed with input_audio_buffer
// appends; the relay runs its own voice activity detection, so turn
// detection is disabled upstream and every turn is closed with an explicit
// commit followed by response.create. Inbound events are decoded into typed
// [Event] values on [Session.Events].
package realtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/callrelay/internal/observe"
	"github.com/MrWong99/callrelay/pkg/audio"
)

const (
	defaultModel     = "gpt-4o-realtime-preview"
	defaultBaseURL   = "wss://api.openai.com/v1/realtime"
	defaultKeepAlive = 10 * time.Second
)

// ErrClosed is returned by writes on a closed [Session].
var ErrClosed = errors.New("realtime: session closed")

// Option is a functional option for configuring a Client.
type Option func(*Client)

// WithModel sets the default model, used when [SessionConfig.Model] is empty.
func WithModel(model string) Option {
	return func(c *Client) { c.model = model }
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local server.
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = u }
}

// WithKeepAlive sets the ping interval. Zero or negative disables pings.
func WithKeepAlive(d time.Duration) Option {
	return func(c *Client) { c.keepAlive = d }
}

// WithSampleRate sets the PCM16 rate announced for both directions.
func WithSampleRate(rate int) Option {
	return func(c *Client) { c.sampleRate = rate }
}

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// Client dials realtime sessions. It holds no connection state and is safe
// for concurrent use.
type Client struct {
	apiKey     string
	model      string
	baseURL    string
	keepAlive  time.Duration
	sampleRate int
	metrics    *observe.Metrics
}

// New creates a Client authenticating with apiKey.
func New(apiKey string, opts ...Option) *Client {
	c := &Client{
		apiKey:     apiKey,
		model:      defaultModel,
		baseURL:    defaultBaseURL,
		keepAlive:  defaultKeepAlive,
		sampleRate: audio.RealtimeRate,
	}
	for _, o := range opts {
		o(c)
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	return c
}

// Enabled reports whether the client has credentials to dial.
func (c *Client) Enabled() bool { return c.apiKey != "" }

// SessionConfig is the per-call session configuration.
type SessionConfig struct {
	// CallKey labels the session's log entries.
	CallKey string

	Model        string
	Voice        string
	Language     string
	Instructions string
}

// Connect dials a session and sends its session.update. The returned
// session accepts audio immediately.
func (c *Client) Connect(ctx context.Context, cfg SessionConfig) (*Session, error) {
	model := cfg.Model
	if model == "" {
		model = c.model
	}
	log := observe.Logger(ctx).With("call_key", cfg.CallKey, "scope", "realtime", "model", model)

	wsURL := c.baseURL + "?model=" + url.QueryEscape(model)
	if strings.Contains(c.baseURL, "?") {
		wsURL = c.baseURL + "&model=" + url.QueryEscape(model)
	}
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + c.apiKey},
			"OpenAI-Beta":   []string{"realtime=v1"},
		},
	})
	if err != nil {
		c.metrics.RecordRealtimeError(ctx, "connect")
		return nil, fmt.Errorf("realtime: dial: %w", err)
	}
	conn.SetReadLimit(1 << 22)

	s := newSession(conn, log, c.metrics)
	if err := s.writeJSON(sessionUpdateMessage{
		Type: "session.update",
		Session: sessionParams{
			Model:                   model,
			Voice:                   cfg.Voice,
			Language:                cfg.Language,
			InputAudioFormat:        "pcm16",
			InputAudioSampleRate:    c.sampleRate,
			OutputAudioFormat:       "pcm16",
			OutputAudioSampleRate:   c.sampleRate,
			InputAudioTranscription: transcriptionParams{Enabled: true},
			Modalities:              []string{"text", "audio"},
			Instructions:            cfg.Instructions,
		},
	}); err != nil {
		s.cancel()
		conn.Close(websocket.StatusInternalError, "session update failed")
		c.metrics.RecordRealtimeError(ctx, "connect")
		return nil, fmt.Errorf("realtime: session update: %w", err)
	}

	go s.receiveLoop()
	if c.keepAlive > 0 {
		go s.keepAliveLoop(c.keepAlive)
	}
	log.Info("realtime session opened")
	return s, nil
}
