// Package call holds the lifecycle and mutable state of phone calls: one
// Session per live call plus a Store that owns the registry, the single-flight
// processing guard, and the grace-delayed cleanup after a call ends.
package call

import (
	"io"
	"time"
)

// Status is the lifecycle state of a call session.
type Status string

const (
	// StatusActive is the initial state; messages may be appended.
	StatusActive Status = "active"
	// StatusCompleted is the terminal state after a normal end.
	StatusCompleted Status = "completed"
	// StatusFailed is the terminal state after an unrecoverable error.
	StatusFailed Status = "failed"
)

// Message roles used in the conversation history.
const (
	RoleCaller    = "caller"
	RoleAssistant = "assistant"
)

// Message is one turn in a call's conversation. Immutable once created.
type Message struct {
	Role      string
	Text      string
	Timestamp time.Time
}

// Session is the state of one phone call. Sessions are created and mutated
// exclusively through a [Store]; the immutable identity fields are exported,
// everything mutable is read through snapshot accessors.
type Session struct {
	// CallID uniquely identifies the call, assigned by the telephony provider.
	CallID string
	// Caller is the caller identifier (phone number).
	Caller string
	// StartTime is when the session was created.
	StartTime time.Time

	store *Store // owning store; its mutex guards all mutable fields below

	status     Status
	endTime    time.Time
	messages   []Message
	processing bool
	consumer   io.Closer
	socket     io.Closer
}

// Status returns the session's current lifecycle state.
func (s *Session) Status() Status {
	s.store.mu.Lock()
	defer s.store.mu.Unlock()
	return s.status
}

// EndTime returns when the session ended, or the zero time while active.
func (s *Session) EndTime() time.Time {
	s.store.mu.Lock()
	defer s.store.mu.Unlock()
	return s.endTime
}

// Messages returns a copy of the full conversation history in insertion order.
func (s *Session) Messages() []Message {
	s.store.mu.Lock()
	defer s.store.mu.Unlock()
	out := make([]Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// terminal reports whether the session has reached a terminal state.
// Caller must hold the store mutex.
func (s *Session) terminal() bool {
	return s.status != StatusActive
}
