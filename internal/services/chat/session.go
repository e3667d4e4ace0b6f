package chat

import (
	"sync"

	"github.com/google/uuid"
	"github.com/pet-ai-gateway-go/internal/models"
)

// SessionState is the lifecycle position of a StreamSession
type SessionState string

const (
	StateStarting   SessionState = "starting"
	StateStreaming  SessionState = "streaming"
	StateFinalizing SessionState = "finalizing"
	StateDone       SessionState = "done"
	StateErrored    SessionState = "errored"
)

// StreamSession tracks one chat request on a relay
type StreamSession struct {
	ID          string
	AdapterKind models.Provider

	mu          sync.Mutex
	accumulated string
	state       SessionState
}

func newStreamSession(kind models.Provider) *StreamSession {
	return &StreamSession{
		ID:          uuid.New().String(),
		AdapterKind: kind,
		state:       StateStarting,
	}
}

// State returns the current state
func (s *StreamSession) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Text returns the text accumulated so far
func (s *StreamSession) Text() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accumulated
}

func (s *StreamSession) update(full string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateStarting {
		s.state = StateStreaming
	}
	s.accumulated = full
}

func (s *StreamSession) finalizing() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateStarting || s.state == StateStreaming {
		s.state = StateFinalizing
	}
}

// finish moves the session to a terminal state. It reports false when the
// session had already finished, so at most one terminal frame goes out.
func (s *StreamSession) finish(state SessionState, text string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateDone || s.state == StateErrored {
		return false
	}
	s.state = state
	if text != "" {
		s.accumulated = text
	}
	return true
}
