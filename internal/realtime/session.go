package realtime

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/callrelay/internal/observe"
)

// EventType discriminates [Event].
type EventType int

const (
	// EventSessionUpdated acknowledges the session configuration.
	EventSessionUpdated EventType = iota + 1

	// EventAudioDelta carries a chunk of assistant PCM16 audio.
	EventAudioDelta

	// EventResponseDone marks the end of an assistant response.
	EventResponseDone

	// EventError carries a server-reported error. The session stays open.
	EventError
)

// String returns the event type name.
func (t EventType) String() string {
	switch t {
	case EventSessionUpdated:
		return "session_updated"
	case EventAudioDelta:
		return "audio_delta"
	case EventResponseDone:
		return "response_done"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is one decoded server event.
type Event struct {
	Type EventType

	// Audio is PCM16 at the session sample rate, set for EventAudioDelta.
	Audio []byte

	// Message is the server's error text, set for EventError.
	Message string

	// Raw is the wire event type.
	Raw string
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type sessionUpdateMessage struct {
	Type    string        `json:"type"`
	Session sessionParams `json:"session"`
}

type sessionParams struct {
	Model                   string              `json:"model,omitempty"`
	Voice                   string              `json:"voice,omitempty"`
	Language                string              `json:"language,omitempty"`
	InputAudioFormat        string              `json:"input_audio_format"`
	InputAudioSampleRate    int                 `json:"input_audio_sample_rate"`
	OutputAudioFormat       string              `json:"output_audio_format"`
	OutputAudioSampleRate   int                 `json:"output_audio_sample_rate"`
	InputAudioTranscription transcriptionParams `json:"input_audio_transcription"`
	TurnDetection           *struct{}           `json:"turn_detection"`
	Modalities              []string            `json:"modalities"`
	Instructions            string              `json:"instructions,omitempty"`
}

type transcriptionParams struct {
	Enabled bool `json:"enabled"`
}

type appendAudioMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio"` // base64-encoded PCM16
}

type responseCreateMessage struct {
	Type     string         `json:"type"`
	Response responseParams `json:"response"`
}

type responseParams struct {
	Modalities []string `json:"modalities"`
}

type typeOnlyMessage struct {
	Type string `json:"type"`
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverEvent struct {
	Type string `json:"type"`

	// Audio payload: "delta" on *.delta events, "audio" on buffer appends.
	Delta string `json:"delta,omitempty"`
	Audio string `json:"audio,omitempty"`

	Error *serverErrorDetail `json:"error,omitempty"`
}

// serverErrorDetail is the nested error object of an error event:
// {"type":"error","error":{"type":"...","code":"...","message":"..."}}.
type serverErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// ── Session ───────────────────────────────────────────────────────────────────

// Session is one upstream realtime connection. Writes are safe for
// concurrent use; [Session.Events] has a single consumer.
type Session struct {
	conn    *websocket.Conn
	events  chan Event
	log     *slog.Logger
	metrics *observe.Metrics

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once

	mu      sync.Mutex
	errVal  error
	closed  bool
	pending int // bytes appended since the last commit
}

func newSession(conn *websocket.Conn, log *slog.Logger, m *observe.Metrics) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		conn:    conn,
		events:  make(chan Event, 64),
		log:     log,
		metrics: m,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// writeJSON marshals v and writes it as a text WebSocket message.
func (s *Session) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("realtime: marshal: %w", err)
	}
	if err := s.conn.Write(s.ctx, websocket.MessageText, data); err != nil {
		if s.ctx.Err() != nil {
			return ErrClosed
		}
		return fmt.Errorf("realtime: write: %w", err)
	}
	return nil
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Append streams one chunk of caller PCM16 audio.
func (s *Session) Append(pcm []byte) error {
	if s.isClosed() {
		return ErrClosed
	}
	if len(pcm) == 0 {
		return nil
	}
	if err := s.writeJSON(appendAudioMessage{
		Type:  "input_audio_buffer.append",
		Audio: base64.StdEncoding.EncodeToString(pcm),
	}); err != nil {
		return err
	}
	s.mu.Lock()
	s.pending += len(pcm)
	s.mu.Unlock()
	return nil
}

// Commit closes the caller's turn in the upstream input buffer. It sends
// nothing and returns false when no audio was appended since the last
// commit, since committing an empty buffer is a protocol error.
func (s *Session) Commit() (bool, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false, ErrClosed
	}
	n := s.pending
	s.pending = 0
	s.mu.Unlock()

	if n == 0 {
		return false, nil
	}
	if err := s.writeJSON(typeOnlyMessage{Type: "input_audio_buffer.commit"}); err != nil {
		return false, err
	}
	return true, nil
}

// CreateResponse asks the model to answer the committed turn.
func (s *Session) CreateResponse() error {
	if s.isClosed() {
		return ErrClosed
	}
	return s.writeJSON(responseCreateMessage{
		Type:     "response.create",
		Response: responseParams{Modalities: []string{"text", "audio"}},
	})
}

// Cancel stops the response currently being generated.
func (s *Session) Cancel() error {
	if s.isClosed() {
		return ErrClosed
	}
	return s.writeJSON(typeOnlyMessage{Type: "response.cancel"})
}

// Events returns the channel of decoded server events. It is closed when
// the connection ends; [Session.Err] then reports why.
func (s *Session) Events() <-chan Event { return s.events }

// Err returns the error that ended the session, or nil after a local Close.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errVal
}

// Close terminates the session. Idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.conn.Close(websocket.StatusNormalClosure, "session closed")
	return nil
}

// receiveLoop reads events until the connection ends. It owns events and
// closes it on exit.
func (s *Session) receiveLoop() {
	defer s.closeOnce.Do(func() { close(s.events) })

	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				err = fmt.Errorf("realtime: closed by server: %w", err)
			} else {
				s.metrics.RecordRealtimeError(context.Background(), "read")
				err = fmt.Errorf("realtime: read: %w", err)
			}
			s.setErr(err)
			s.mu.Lock()
			s.closed = true
			s.mu.Unlock()
			s.cancel()
			_ = s.conn.CloseNow()
			return
		}

		var evt serverEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			s.log.Warn("realtime parse error", "err", err, "bytes", len(data))
			continue
		}
		if out, ok := s.decode(&evt); ok {
			select {
			case s.events <- out:
			case <-s.ctx.Done():
				return
			}
		}
	}
}

func (s *Session) decode(evt *serverEvent) (Event, bool) {
	switch evt.Type {
	case "session.updated":
		return Event{Type: EventSessionUpdated, Raw: evt.Type}, true

	case "response.output_audio.delta", "response.audio.delta", "response.output_audio.buffer.append":
		payload := evt.Delta
		if payload == "" {
			payload = evt.Audio
		}
		if payload == "" {
			s.log.Warn("realtime audio event without payload", "type", evt.Type)
			return Event{}, false
		}
		pcm, err := base64.StdEncoding.DecodeString(payload)
		if err != nil || len(pcm) == 0 {
			s.log.Warn("realtime audio payload undecodable", "type", evt.Type, "err", err)
			return Event{}, false
		}
		return Event{Type: EventAudioDelta, Audio: pcm, Raw: evt.Type}, true

	case "response.done", "response.completed", "response.output_audio.stopped", "response.audio.stopped":
		return Event{Type: EventResponseDone, Raw: evt.Type}, true

	case "error":
		msg := "unknown error"
		if evt.Error != nil && evt.Error.Message != "" {
			msg = evt.Error.Message
		}
		s.metrics.RecordRealtimeError(context.Background(), "server")
		return Event{Type: EventError, Message: msg, Raw: evt.Type}, true
	}
	s.log.Debug("realtime event ignored", "type", evt.Type)
	return Event{}, false
}

// keepAliveLoop pings the server every interval. The first failed ping
// ends the loop; a dead connection is then reported by receiveLoop.
func (s *Session) keepAliveLoop(interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-t.C:
			ctx, cancel := context.WithTimeout(s.ctx, interval)
			err := s.conn.Ping(ctx)
			cancel()
			if err != nil {
				if s.ctx.Err() != nil {
					return
				}
				s.metrics.RecordRealtimeError(context.Background(), "keepalive")
				s.log.Warn("realtime keepalive failed, stopping pings", "err", err)
				return
			}
		}
	}
}

func (s *Session) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.errVal == nil {
		s.errVal = err
	}
}
