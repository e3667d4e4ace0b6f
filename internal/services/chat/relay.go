package chat

import (
	"sync"

	apperrors "github.com/pet-ai-gateway-go/internal/errors"
	"github.com/pet-ai-gateway-go/internal/models"
)

// Relay carries frames from one session at a time to a single consumer.
// The frames channel is never closed; consumers stop reading after a
// terminal frame or by calling Close.
type Relay struct {
	frames    chan models.RelayFrame
	done      chan struct{}
	closeOnce sync.Once

	mu     sync.Mutex
	active bool
}

// NewRelay creates a relay with the given frame buffer
func NewRelay(buffer int) *Relay {
	if buffer < 0 {
		buffer = 0
	}
	return &Relay{
		frames: make(chan models.RelayFrame, buffer),
		done:   make(chan struct{}),
	}
}

// Frames returns the channel the consumer reads from
func (r *Relay) Frames() <-chan models.RelayFrame {
	return r.frames
}

// Done is closed once the consumer has gone away
func (r *Relay) Done() <-chan struct{} {
	return r.done
}

// Close signals that the consumer is gone. Any running session is cancelled.
func (r *Relay) Close() {
	r.closeOnce.Do(func() { close(r.done) })
}

// Closed reports whether Close was called
func (r *Relay) Closed() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

// Busy reports whether a session is running on the relay
func (r *Relay) Busy() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

// acquire claims the relay for a new session
func (r *Relay) acquire() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Closed() {
		return apperrors.New(apperrors.CodeConflict, "relay is closed")
	}
	if r.active {
		return apperrors.New(apperrors.CodeConflict, "a chat session is already running on this relay")
	}
	r.active = true
	return nil
}

func (r *Relay) release() {
	r.mu.Lock()
	r.active = false
	r.mu.Unlock()
}

// send delivers a frame, giving up if the consumer is gone.
func (r *Relay) send(frame models.RelayFrame) bool {
	if r.Closed() {
		return false
	}
	select {
	case r.frames <- frame:
		return true
	case <-r.done:
		return false
	}
}
