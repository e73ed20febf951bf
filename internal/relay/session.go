package relay

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// State is the lifecycle position of a streaming session.
type State int32

const (
	StateIdle State = iota
	StateStarted
	StateStreaming
	StateCompleted
	StateErrored
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarted:
		return "started"
	case StateStreaming:
		return "streaming"
	case StateCompleted:
		return "completed"
	case StateErrored:
		return "errored"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further events may follow.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateErrored
}

// Session is one streaming request. Sessions are never reused.
type Session struct {
	ID           string
	SubscriberID string
	Prompt       string
	StartedAt    time.Time

	state atomic.Int32

	mu  sync.Mutex
	buf strings.Builder
}

func newSession(id, subscriberID, prompt string, now time.Time) *Session {
	return &Session{
		ID:           id,
		SubscriberID: subscriberID,
		Prompt:       prompt,
		StartedAt:    now,
	}
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// Text returns the text accumulated so far.
func (s *Session) Text() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.String()
}

func (s *Session) append(fragment string) {
	s.mu.Lock()
	s.buf.WriteString(fragment)
	s.mu.Unlock()
}

// transition moves to next unless the session already reached a terminal state.
func (s *Session) transition(next State) bool {
	for {
		cur := s.state.Load()
		if State(cur).Terminal() {
			return false
		}
		if s.state.CompareAndSwap(cur, int32(next)) {
			return true
		}
	}
}
