// Package session is the registry of live calls.
//
// A [Store] maps call keys to [Session] values. A session outlives the
// telephony connection that created it when the same call reconnects: the
// new connection replaces the old one, which is closed, and the session's
// sequence counters and job queues carry over. Only the connection that is
// currently attached may release the session.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/MrWong99/callrelay/internal/dispatch"
)

// ErrNoKey is returned when an identity carries nothing to key a call by.
var ErrNoKey = errors.New("session: identity has no call key")

// StoreConfig holds the dependencies shared by every session.
type StoreConfig struct {
	// Segments handles segment-upload jobs. Required.
	Segments dispatch.Handler[dispatch.SegmentJob]

	// Turns handles legacy turn-ingest jobs. Required.
	Turns dispatch.Handler[dispatch.TurnJob]

	// PlayWindow is how long a play request blocks the next one.
	// Default: 2.6s.
	PlayWindow time.Duration

	// Logger is the base logger for queue workers. Default: slog.Default().
	Logger *slog.Logger

	// Now is the clock. Default: time.Now.
	Now func() time.Time
}

// Store is the process-wide call registry. All methods are safe for
// concurrent use.
type Store struct {
	cfg StoreConfig

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewStore creates an empty Store.
func NewStore(cfg StoreConfig) *Store {
	if cfg.PlayWindow <= 0 {
		cfg.PlayWindow = 2600 * time.Millisecond
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Store{cfg: cfg, sessions: make(map[string]*Session)}
}

// Attach binds conn to the session for id, creating the session if needed.
// When another connection was attached it is closed and replaced is true.
func (st *Store) Attach(id Identity, conn Conn) (s *Session, replaced bool, err error) {
	key := id.Key()
	if key == "" {
		return nil, false, ErrNoKey
	}

	// The conn swap happens under st.mu so a concurrent Release of the old
	// conn cannot remove the session in between.
	st.mu.Lock()
	s, ok := st.sessions[key]
	if !ok {
		s = st.newSession(key, id)
		st.sessions[key] = s
	}
	s.mu.Lock()
	prev := s.conn
	s.conn = conn
	s.identity = id.Merge(s.identity)
	s.mu.Unlock()
	st.mu.Unlock()

	if prev != nil && prev != conn {
		st.cfg.Logger.Info("telephony connection replaced", "call_key", key)
		_ = prev.Close("replaced")
		return s, true, nil
	}
	return s, false, nil
}

func (st *Store) newSession(key string, id Identity) *Session {
	log := st.cfg.Logger.With("call_key", key)
	return &Session{
		Segments:   dispatch.NewQueue(dispatch.ConcernSegments, st.cfg.Segments, log),
		Turns:      dispatch.NewQueue(dispatch.ConcernTurns, st.cfg.Turns, log),
		started:    st.cfg.Now(),
		playWindow: st.cfg.PlayWindow,
		key:        key,
		identity:   id,
		indexes:    make(map[dispatch.Role]int, 2),
	}
}

// Get returns the session stored under key.
func (st *Store) Get(key string) (*Session, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	s, ok := st.sessions[key]
	return s, ok
}

// Rekey moves the session stored under oldKey to newKey. It fails when
// oldKey is unknown or newKey is taken by another session.
func (st *Store) Rekey(oldKey, newKey string) error {
	if newKey == "" {
		return ErrNoKey
	}
	if oldKey == newKey {
		return nil
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	s, ok := st.sessions[oldKey]
	if !ok {
		return fmt.Errorf("session: rekey %q: not found", oldKey)
	}
	if _, taken := st.sessions[newKey]; taken {
		return fmt.Errorf("session: rekey %q: key %q already in use", oldKey, newKey)
	}
	delete(st.sessions, oldKey)
	st.sessions[newKey] = s

	s.mu.Lock()
	s.key = newKey
	s.mu.Unlock()
	return nil
}

// Release removes the session stored under key if conn is still the
// attached connection, and reports whether it did. A connection that has
// been replaced releases nothing.
func (st *Store) Release(key string, conn Conn) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	s, ok := st.sessions[key]
	if !ok {
		return false
	}
	s.mu.Lock()
	attached := s.conn == conn
	if attached {
		s.conn = nil
	}
	s.mu.Unlock()
	if !attached {
		return false
	}
	delete(st.sessions, key)
	return true
}

// Len returns the number of live sessions.
func (st *Store) Len() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.sessions)
}

// Info is a point-in-time view of one session.
type Info struct {
	Key         string    `json:"call_key"`
	CallSID     string    `json:"call_sid,omitempty"`
	TenantID    string    `json:"tenant_id,omitempty"`
	StreamSID   string    `json:"stream_sid,omitempty"`
	StartedAt   time.Time `json:"started_at"`
	LastStop    time.Time `json:"last_stop,omitzero"`
	PendingJobs int       `json:"pending_jobs"`
}

// Snapshot lists the live sessions ordered by start time.
func (st *Store) Snapshot() []Info {
	st.mu.Lock()
	sessions := make([]*Session, 0, len(st.sessions))
	for _, s := range st.sessions {
		sessions = append(sessions, s)
	}
	st.mu.Unlock()

	out := make([]Info, 0, len(sessions))
	for _, s := range sessions {
		id := s.Identity()
		out = append(out, Info{
			Key:         s.Key(),
			CallSID:     id.CallSID,
			TenantID:    id.TenantID,
			StreamSID:   id.StreamSID,
			StartedAt:   s.Started(),
			LastStop:    s.LastStop(),
			PendingJobs: s.PendingJobs(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// CloseAll closes every attached connection, flushes every session's queues
// bounded by ctx, and empties the store.
func (st *Store) CloseAll(ctx context.Context) error {
	st.mu.Lock()
	sessions := st.sessions
	st.sessions = make(map[string]*Session)
	st.mu.Unlock()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for key, s := range sessions {
		s.mu.Lock()
		conn := s.conn
		s.conn = nil
		s.mu.Unlock()
		if conn != nil {
			_ = conn.Close("shutdown")
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.Shutdown(ctx); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("session %s: %w", key, err))
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	return errors.Join(errs...)
}
