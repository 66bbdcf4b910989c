package call

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"
)

// ErrDuplicateCall is returned by [Store.Create] when a session already
// exists for the given call ID.
var ErrDuplicateCall = errors.New("call: session already exists for call ID")

// ErrStoreClosed is returned by [Store.Create] after the store has been closed.
var ErrStoreClosed = errors.New("call: store is closed")

// defaultGracePeriod is how long an ended session stays retrievable before
// removal, so a trailing summary can still read its history.
const defaultGracePeriod = 60 * time.Second

// Option is a functional option for configuring a [Store].
type Option func(*Store)

// WithGracePeriod overrides the delay between ending a session and removing
// it from the store.
func WithGracePeriod(d time.Duration) Option {
	return func(st *Store) {
		st.grace = d
	}
}

// Store is the registry of live call sessions, keyed by call ID.
//
// All operations are keyed by call ID and tolerate unknown or already-ended
// sessions: a stray event for a call that legitimately ended is a no-op, not
// an error. Cleanup timers are owned by the store and cancelled on Close, so
// no work dangles on a destroyed session.
//
// All methods are safe for concurrent use.
type Store struct {
	grace time.Duration

	mu       sync.Mutex
	sessions map[string]*Session
	timers   map[string]*time.Timer
	closed   bool
}

// NewStore creates an empty session store.
func NewStore(opts ...Option) *Store {
	st := &Store{
		grace:    defaultGracePeriod,
		sessions: make(map[string]*Session),
		timers:   make(map[string]*time.Timer),
	}
	for _, o := range opts {
		o(st)
	}
	return st
}

// Create registers a new active session for callID. It fails with
// [ErrDuplicateCall] if a session for callID already exists (ended sessions
// still inside their grace period count as existing).
func (st *Store) Create(callID, caller string) (*Session, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.closed {
		return nil, ErrStoreClosed
	}
	if _, ok := st.sessions[callID]; ok {
		return nil, ErrDuplicateCall
	}

	s := &Session{
		CallID:    callID,
		Caller:    caller,
		StartTime: time.Now(),
		store:     st,
		status:    StatusActive,
	}
	st.sessions[callID] = s

	slog.Info("call session created", "call_id", callID, "caller", caller)
	return s, nil
}

// Get returns the session for callID, or false if none exists.
func (st *Store) Get(callID string) (*Session, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	s, ok := st.sessions[callID]
	return s, ok
}

// Len returns the number of sessions currently in the store, including ended
// sessions still inside their grace period.
func (st *Store) Len() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.sessions)
}

// AppendMessage appends one conversation turn to the session's history.
// It is a no-op if the session does not exist or has ended.
func (st *Store) AppendMessage(callID, role, text string) {
	st.mu.Lock()
	defer st.mu.Unlock()

	s, ok := st.sessions[callID]
	if !ok || s.terminal() {
		return
	}
	s.messages = append(s.messages, Message{
		Role:      role,
		Text:      text,
		Timestamp: time.Now(),
	})
}

// History returns the most recent limit messages for callID in insertion
// order. It returns an empty slice if the session is unknown or limit <= 0.
func (st *Store) History(callID string, limit int) []Message {
	st.mu.Lock()
	defer st.mu.Unlock()

	s, ok := st.sessions[callID]
	if !ok || limit <= 0 {
		return nil
	}
	msgs := s.messages
	if len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]Message, len(msgs))
	copy(out, msgs)
	return out
}

// TryBeginProcessing atomically sets the session's processing flag. It
// returns false if the flag was already set, if the session is unknown, or
// if the session has ended — the caller must then skip reply generation.
func (st *Store) TryBeginProcessing(callID string) bool {
	st.mu.Lock()
	defer st.mu.Unlock()

	s, ok := st.sessions[callID]
	if !ok || s.terminal() || s.processing {
		return false
	}
	s.processing = true
	return true
}

// EndProcessing clears the session's processing flag. It always succeeds,
// including on the error path and after the session has ended.
func (st *Store) EndProcessing(callID string) {
	st.mu.Lock()
	defer st.mu.Unlock()

	if s, ok := st.sessions[callID]; ok {
		s.processing = false
	}
}

// AttachConsumer records the call's transcription consumer so End can
// release it. At most one consumer is held; attaching a new one replaces the
// handle without closing the old one.
func (st *Store) AttachConsumer(callID string, c io.Closer) {
	st.mu.Lock()
	defer st.mu.Unlock()

	if s, ok := st.sessions[callID]; ok && !s.terminal() {
		s.consumer = c
	}
}

// AttachSocket records the call's outbound socket so End can release it.
func (st *Store) AttachSocket(callID string, c io.Closer) {
	st.mu.Lock()
	defer st.mu.Unlock()

	if s, ok := st.sessions[callID]; ok && !s.terminal() {
		s.socket = c
	}
}

// End transitions the session to completed, closes its attached consumer and
// socket, and schedules the session's removal after the grace period. Both
// closes run even if the first errors; close errors are logged, not
// propagated. Ending an unknown or already-ended session is a no-op.
func (st *Store) End(callID string) {
	st.finish(callID, StatusCompleted)
}

// Fail transitions the session to failed after an unrecoverable error. The
// teardown is otherwise identical to [Store.End].
func (st *Store) Fail(callID string) {
	st.finish(callID, StatusFailed)
}

func (st *Store) finish(callID string, status Status) {
	st.mu.Lock()
	s, ok := st.sessions[callID]
	if !ok || s.terminal() {
		st.mu.Unlock()
		return
	}
	s.status = status
	s.endTime = time.Now()
	consumer, socket := s.consumer, s.socket
	s.consumer, s.socket = nil, nil

	if !st.closed {
		timer := time.AfterFunc(st.grace, func() {
			st.remove(callID)
		})
		st.timers[callID] = timer
	}
	st.mu.Unlock()

	closeHandle(callID, "consumer", consumer)
	closeHandle(callID, "socket", socket)

	slog.Info("call session ended", "call_id", callID, "status", string(status))
}

// remove deletes the session and its cleanup timer once the grace period has
// elapsed.
func (st *Store) remove(callID string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	delete(st.sessions, callID)
	delete(st.timers, callID)
}

// Close tears down the store: all pending cleanup timers are cancelled,
// remaining active sessions are ended with their handles closed, and the
// registry is cleared. The store accepts no new sessions afterwards.
func (st *Store) Close() {
	st.mu.Lock()
	if st.closed {
		st.mu.Unlock()
		return
	}
	st.closed = true

	for _, t := range st.timers {
		t.Stop()
	}
	st.timers = make(map[string]*time.Timer)

	type handles struct {
		callID           string
		consumer, socket io.Closer
	}
	var pending []handles
	for id, s := range st.sessions {
		if !s.terminal() {
			s.status = StatusCompleted
			s.endTime = time.Now()
			pending = append(pending, handles{id, s.consumer, s.socket})
			s.consumer, s.socket = nil, nil
		}
	}
	st.sessions = make(map[string]*Session)
	st.mu.Unlock()

	for _, h := range pending {
		closeHandle(h.callID, "consumer", h.consumer)
		closeHandle(h.callID, "socket", h.socket)
	}
}

func closeHandle(callID, kind string, c io.Closer) {
	if c == nil {
		return
	}
	if err := c.Close(); err != nil {
		slog.Warn("failed to close call resource", "call_id", callID, "resource", kind, "error", err)
	}
}
