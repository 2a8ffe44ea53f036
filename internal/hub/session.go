// Package hub keeps the registry of connected sessions and routes data-channel messages
// between them, into the detection pipeline and back out as anomaly broadcasts.
package hub

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	// ErrNoSuchClient is returned when a target session is unknown or no longer open.
	ErrNoSuchClient = errors.New("no such client")
	// ErrSessionClosed is returned by operations on a closed session.
	ErrSessionClosed = errors.New("session closed")
	// ErrNotOpen is returned when sending on a session whose channel has not opened yet.
	ErrNotOpen = errors.New("session not open")
)

// Channel is the outbound half of a transport connection.
type Channel interface {
	Send(data []byte) error
	Close() error
}

// State is a session's lifecycle position. Transitions only move forward.
type State int

const (
	StateConnecting State = iota
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// MarshalText renders the state name in JSON snapshots.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a state name produced by MarshalText.
func (s *State) UnmarshalText(b []byte) error {
	switch string(b) {
	case "connecting":
		*s = StateConnecting
	case "open":
		*s = StateOpen
	case "closed":
		*s = StateClosed
	default:
		return fmt.Errorf("unknown session state %q", b)
	}
	return nil
}

// Session is one connected client.
type Session struct {
	ID          string
	ConnectedAt time.Time

	channel Channel

	mu    sync.RWMutex
	role  string
	room  string
	meta  json.RawMessage
	state State

	writeMu sync.Mutex
}

func newSession(id, role string, ch Channel) *Session {
	return &Session{
		ID:          id,
		ConnectedAt: time.Now().UTC(),
		channel:     ch,
		role:        role,
		state:       StateConnecting,
	}
}

// Role returns the session's self-declared role.
func (s *Session) Role() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.role
}

// Room returns the session's current room, or "".
func (s *Session) Room() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.room
}

// Meta returns the metadata supplied with the last hello.
func (s *Session) Meta() json.RawMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.meta
}

// State returns the lifecycle state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Send writes one message on the session's channel. Writes on a session are serialised.
func (s *Session) Send(data []byte) error {
	switch s.State() {
	case StateClosed:
		return ErrSessionClosed
	case StateConnecting:
		return ErrNotOpen
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.channel.Send(data)
}

func (s *Session) setRole(role string, meta json.RawMessage) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if role != "" {
		s.role = role
	}
	if len(meta) > 0 {
		s.meta = meta
	}
	return s.role
}

func (s *Session) setRoom(room string) {
	s.mu.Lock()
	s.room = room
	s.mu.Unlock()
}

// open moves Connecting to Open; it reports false for any other starting state.
func (s *Session) open() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateConnecting {
		return false
	}
	s.state = StateOpen
	return true
}

// close marks the session Closed and closes its channel once. It reports whether this call
// performed the transition and whether the session had been open.
func (s *Session) close() (closed, wasOpen bool) {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return false, false
	}
	wasOpen = s.state == StateOpen
	s.state = StateClosed
	s.mu.Unlock()

	if s.channel != nil {
		_ = s.channel.Close()
	}
	return true, wasOpen
}

// SessionInfo is a point-in-time view of a session for debug endpoints.
type SessionInfo struct {
	ClientID    string          `json:"client_id"`
	Role        string          `json:"role"`
	Room        string          `json:"room,omitempty"`
	State       State           `json:"state"`
	Online      bool            `json:"online"`
	ConnectedAt time.Time       `json:"connected_at"`
	Meta        json.RawMessage `json:"meta,omitempty"`
}

// Info snapshots the session.
func (s *Session) Info() SessionInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return SessionInfo{
		ClientID:    s.ID,
		Role:        s.role,
		Room:        s.room,
		State:       s.state,
		Online:      s.state == StateOpen,
		ConnectedAt: s.ConnectedAt,
		Meta:        s.meta,
	}
}
