// Package telephony terminates the media-stream WebSocket of a phone call.
//
// Every connection is served by one actor goroutine that owns all audio
// state of the call: the transcoder, the turn detector, the user segment
// buffer, the assistant segment buffer and its timers. A reader goroutine
// decodes JSON frames from the socket; bootstrap and realtime leg setup run
// on a helper goroutine and post their result back. The actor is the only
// writer to the telephony socket and the only user of the call's realtime
// session apart from the session's own receive loop.
package telephony

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/callrelay/internal/backend"
	"github.com/MrWong99/callrelay/internal/bootstrap"
	"github.com/MrWong99/callrelay/internal/observe"
	"github.com/MrWong99/callrelay/internal/realtime"
	"github.com/MrWong99/callrelay/internal/session"
	"github.com/MrWong99/callrelay/pkg/vad"
)

// Paths the handler is mounted on.
const (
	PathMediaStream = "/media-stream"
	PathTwilioMedia = "/twilio-media"
)

// TurnIngestMode selects when strict-mode turns are posted to the legacy
// ingest endpoint.
type TurnIngestMode string

const (
	// TurnIngestAuto ingests turns only for calls without a realtime leg.
	TurnIngestAuto TurnIngestMode = "auto"

	// TurnIngestAlways ingests every turn.
	TurnIngestAlways TurnIngestMode = "always"

	// TurnIngestNever disables turn ingest.
	TurnIngestNever TurnIngestMode = "never"
)

// Tuning is the per-call tuning. It is read once when a call starts, so a
// reloaded configuration applies to new calls only.
type Tuning struct {
	VAD          vad.Config
	UserSegments vad.SegmentConfig

	// AssistantIdle finalizes the assistant segment when no audio arrived
	// for this long.
	AssistantIdle time.Duration

	// AssistantMax caps one assistant segment.
	AssistantMax time.Duration

	TurnIngest TurnIngestMode

	// SetupTimeout bounds bootstrap plus realtime dial.
	SetupTimeout time.Duration

	// FlushTimeout bounds the flush of pending uploads when a call ends.
	FlushTimeout time.Duration

	// LogFrameEvery logs every n-th media frame at debug level. Zero
	// disables frame logs.
	LogFrameEvery int
}

// DefaultTuning returns the tuning used when no configuration is given.
func DefaultTuning() Tuning {
	return Tuning{
		VAD:           vad.DefaultConfig(),
		UserSegments:  vad.DefaultSegmentConfig(),
		AssistantIdle: 1200 * time.Millisecond,
		AssistantMax:  15 * time.Second,
		TurnIngest:    TurnIngestAuto,
		SetupTimeout:  10 * time.Second,
		FlushTimeout:  10 * time.Second,
		LogFrameEvery: 50,
	}
}

// withDefaults fills zero durations and an empty mode from [DefaultTuning].
// Detector and segment tuning are validated when a call starts.
func (t Tuning) withDefaults() Tuning {
	d := DefaultTuning()
	if t.AssistantIdle <= 0 {
		t.AssistantIdle = d.AssistantIdle
	}
	if t.AssistantMax <= 0 {
		t.AssistantMax = d.AssistantMax
	}
	if t.TurnIngest == "" {
		t.TurnIngest = d.TurnIngest
	}
	if t.SetupTimeout <= 0 {
		t.SetupTimeout = d.SetupTimeout
	}
	if t.FlushTimeout <= 0 {
		t.FlushTimeout = d.FlushTimeout
	}
	return t
}

// Bootstrapper resolves the configuration of a call.
type Bootstrapper interface {
	Fetch(ctx context.Context, req bootstrap.Request) (bootstrap.Config, error)
}

// RealtimeDialer opens realtime sessions.
type RealtimeDialer interface {
	Enabled() bool
	Connect(ctx context.Context, cfg realtime.SessionConfig) (*realtime.Session, error)
}

// Stopper asks call control to stop playback.
type Stopper interface {
	Stop(ctx context.Context, req backend.StopRequest) error
}

// Config holds the handler's dependencies.
type Config struct {
	Store     *session.Store
	Bootstrap Bootstrapper
	Realtime  RealtimeDialer
	Stopper   Stopper
	Metrics   *observe.Metrics

	// Tuning returns the current tuning. Default: [DefaultTuning].
	Tuning func() Tuning
}

// Handler serves media-stream WebSocket connections. It is an
// [http.Handler].
type Handler struct {
	cfg Config

	mu     sync.Mutex
	calls  map[*call]struct{}
	closed bool
	wg     sync.WaitGroup
}

// NewHandler creates a Handler.
func NewHandler(cfg Config) *Handler {
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	if cfg.Tuning == nil {
		cfg.Tuning = DefaultTuning
	}
	return &Handler{cfg: cfg, calls: make(map[*call]struct{})}
}

// ServeHTTP upgrades the request and runs the call until the stream ends.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	log := observe.Logger(r.Context())

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	h.wg.Add(1)
	h.mu.Unlock()
	defer h.wg.Done()

	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		log.Warn("media stream upgrade failed", "err", err, "remote", r.RemoteAddr)
		return
	}

	c := newCall(h, newConn(ws), identityFromQuery(r), h.cfg.Tuning())
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = ws.Close(websocket.StatusGoingAway, "shutting down")
		return
	}
	h.calls[c] = struct{}{}
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		delete(h.calls, c)
		h.mu.Unlock()
	}()

	log.Info("media stream connected", "remote", r.RemoteAddr, "path", r.URL.Path)
	c.run(context.WithoutCancel(r.Context()))
}

// Active returns the number of connected media streams.
func (h *Handler) Active() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.calls)
}

// Shutdown refuses new streams, closes every connected one, and waits for
// their calls to finish flushing, bounded by ctx.
func (h *Handler) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.closed = true
	conns := make([]*conn, 0, len(h.calls))
	for c := range h.calls {
		conns = append(conns, c.conn)
	}
	h.mu.Unlock()

	for _, c := range conns {
		_ = c.Close("shutdown")
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("telephony: shutdown: %w", ctx.Err())
	}
}

// identityFromQuery seeds the call identity from the upgrade query string.
func identityFromQuery(r *http.Request) session.Identity {
	q := r.URL.Query()
	id := session.Identity{
		CallSID:    q.Get("call_sid"),
		TenantID:   q.Get("tenant_id"),
		TenantUUID: q.Get("tenant_uuid"),
		ToNumber:   q.Get("to_number"),
	}
	if n, err := strconv.ParseInt(q.Get("call_id"), 10, 64); err == nil && n > 0 {
		id.CallID = n
	}
	return id
}

// conn is the telephony socket. It satisfies [session.Conn].
type conn struct {
	ws *websocket.Conn

	closeOnce sync.Once
	mu        sync.Mutex
	reason    string
}

func newConn(ws *websocket.Conn) *conn {
	return &conn{ws: ws}
}

// writeTimeout bounds one outbound frame.
const writeTimeout = 5 * time.Second

func (c *conn) write(ctx context.Context, data []byte) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := c.ws.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("telephony: write: %w", err)
	}
	return nil
}

// Close starts the close handshake in the background and returns
// immediately. Later calls are no-ops.
func (c *conn) Close(reason string) error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.reason = reason
		c.mu.Unlock()
		go func() { _ = c.ws.Close(websocket.StatusNormalClosure, reason) }()
	})
	return nil
}

// closeReason returns the reason given to the first Close, if any.
func (c *conn) closeReason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

// isClosedErr reports whether err just means the socket went away.
func isClosedErr(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, net.ErrClosed) {
		return true
	}
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway, websocket.StatusNoStatusRcvd:
		return true
	}
	return false
}
