package hub

import (
	"sync/atomic"
	"time"
)

// State is the lifecycle phase of a Session. Transitions only move forward;
// a closed session is never reused, its identity simply opens a fresh one.
type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateClosing
	StateClosed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateOpen:
		return "OPEN"
	case StateClosing:
		return "CLOSING"
	case StateClosed:
		return "CLOSED"
	}
	return "UNKNOWN"
}

// Conn is the write half of a client connection as seen by the hub. A
// gorilla/websocket connection satisfies it through the wrapper in http.go;
// tests supply fakes.
type Conn interface {
	WriteMessage(data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Session is one live, addressable connection for one identity.
type Session struct {
	ID       string
	Identity string

	conn  Conn
	out   chan []byte
	done  chan struct{}
	state atomic.Int32
}

// State returns the session's current lifecycle phase.
func (s *Session) State() State {
	return State(s.state.Load())
}

// advance moves the session forward to next if it is not already further
// along. Returns true when the transition happened.
func (s *Session) advance(next State) bool {
	for {
		cur := s.state.Load()
		if cur >= int32(next) {
			return false
		}
		if s.state.CompareAndSwap(cur, int32(next)) {
			return true
		}
	}
}
