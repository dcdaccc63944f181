package session

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/MrWong99/callrelay/internal/bootstrap"
	"github.com/MrWong99/callrelay/internal/dispatch"
)

// Identity is what the relay knows about a call. Fields fill in as the
// upgrade query string, the start frame and the bootstrap response arrive.
type Identity struct {
	CallSID    string
	CallID     int64
	TenantID   string
	TenantUUID string
	ToNumber   string
	StreamSID  string
}

// Key returns the call key: the call SID, else "call-<id>", else
// "stream-<sid>". It is empty when nothing identifies the call.
func (id Identity) Key() string {
	switch {
	case id.CallSID != "":
		return id.CallSID
	case id.CallID != 0:
		return "call-" + strconv.FormatInt(id.CallID, 10)
	case id.StreamSID != "":
		return "stream-" + id.StreamSID
	}
	return ""
}

// SessionID returns the backend call session id segments are stored under:
// the numeric call id when known, otherwise the call SID.
func (id Identity) SessionID() string {
	if id.CallID != 0 {
		return strconv.FormatInt(id.CallID, 10)
	}
	return id.CallSID
}

// Merge returns id with every empty field filled from other.
func (id Identity) Merge(other Identity) Identity {
	if id.CallSID == "" {
		id.CallSID = other.CallSID
	}
	if id.CallID == 0 {
		id.CallID = other.CallID
	}
	if id.TenantID == "" {
		id.TenantID = other.TenantID
	}
	if id.TenantUUID == "" {
		id.TenantUUID = other.TenantUUID
	}
	if id.ToNumber == "" {
		id.ToNumber = other.ToNumber
	}
	if id.StreamSID == "" {
		id.StreamSID = other.StreamSID
	}
	return id
}

// Conn is the telephony connection attached to a session.
type Conn interface {
	// Close tears the connection down. It must be safe to call more than
	// once and from any goroutine.
	Close(reason string) error
}

// Session is the per-call state shared between a call's telephony
// connection, its queue workers and status reporting. All methods are safe
// for concurrent use.
type Session struct {
	// Segments carries finalized segments of both roles to the backend.
	Segments *dispatch.Queue[dispatch.SegmentJob]

	// Turns carries legacy turn-ingest jobs.
	Turns *dispatch.Queue[dispatch.TurnJob]

	started    time.Time
	playWindow time.Duration

	mu       sync.Mutex
	key      string
	identity Identity
	conn     Conn
	indexes  map[dispatch.Role]int
	turns    int
	lastPlay time.Time
	lastStop time.Time

	bootMu sync.Mutex
	booted bool
	boot   bootstrap.Config
}

// Key returns the session's current call key.
func (s *Session) Key() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.key
}

// Identity returns the session's current identity.
func (s *Session) Identity() Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identity
}

// UpdateIdentity fills empty identity fields from id.
func (s *Session) UpdateIdentity(id Identity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.identity = s.identity.Merge(id)
}

// CallRef returns the job reference for the session's current identity.
func (s *Session) CallRef() dispatch.CallRef {
	s.mu.Lock()
	defer s.mu.Unlock()
	return dispatch.CallRef{
		Key:       s.key,
		SessionID: s.identity.SessionID(),
		CallID:    s.identity.CallID,
		CallSID:   s.identity.CallSID,
		TenantID:  s.identity.TenantID,
	}
}

// Started returns when the session was created.
func (s *Session) Started() time.Time { return s.started }

// NextIndex returns the next sequence index for role, starting at 1.
func (s *Session) NextIndex(role dispatch.Role) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.indexes[role]++
	return s.indexes[role]
}

// NextTurn returns the next legacy turn number, starting at 1.
func (s *Session) NextTurn() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turns++
	return s.turns
}

// MarkPlay records that playback was requested at now.
func (s *Session) MarkPlay(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastPlay = now
}

// MarkStop records that playback was stopped at now; it clears the play
// lock.
func (s *Session) MarkStop(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastStop = now
	s.lastPlay = time.Time{}
}

// Playing reports whether a requested playback is still inside its lock
// window at now.
func (s *Session) Playing(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.lastPlay.IsZero() && now.Sub(s.lastPlay) < s.playWindow
}

// LastStop returns when playback was last stopped.
func (s *Session) LastStop() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastStop
}

// Bootstrap returns the call configuration, calling fetch only until it
// first succeeds. Concurrent callers wait for the one in flight.
func (s *Session) Bootstrap(ctx context.Context, fetch func(ctx context.Context) (bootstrap.Config, error)) (bootstrap.Config, error) {
	s.bootMu.Lock()
	defer s.bootMu.Unlock()
	if s.booted {
		return s.boot, nil
	}
	cfg, err := fetch(ctx)
	if err != nil {
		return bootstrap.Config{}, err
	}
	s.boot, s.booted = cfg, true
	return cfg, nil
}

// PendingJobs returns the number of queued jobs across both concerns.
func (s *Session) PendingJobs() int {
	return s.Segments.Pending() + s.Turns.Pending()
}

// Shutdown flushes both queues, bounded by ctx, and closes them.
func (s *Session) Shutdown(ctx context.Context) error {
	return errors.Join(s.Segments.Close(ctx), s.Turns.Close(ctx))
}
