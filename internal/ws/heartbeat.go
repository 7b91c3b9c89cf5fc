package ws

import (
	"sync"
	"time"
)

type HeartbeatState int

const (
	Alive HeartbeatState = iota
	AwaitingPong
	TimedOut
)

func (s HeartbeatState) String() string {
	switch s {
	case Alive:
		return "alive"
	case AwaitingPong:
		return "awaiting_pong"
	case TimedOut:
		return "timed_out"
	}
	return "unknown"
}

// Heartbeat tracks liveness of one connection:
// Alive -> (ping sent) -> AwaitingPong -> Alive | TimedOut.
// TimedOut is terminal.
type Heartbeat struct {
	mu         sync.Mutex
	state      HeartbeatState
	timeout    time.Duration
	pingSentAt time.Time
	lastSeen   time.Time
}

func NewHeartbeat(timeout time.Duration, now time.Time) *Heartbeat {
	return &Heartbeat{
		state:    Alive,
		timeout:  timeout,
		lastSeen: now,
	}
}

// PingSent moves an alive connection to AwaitingPong. An outstanding ping keeps
// its original deadline.
func (h *Heartbeat) PingSent(now time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state == Alive {
		h.state = AwaitingPong
		h.pingSentAt = now
	}
}

// PongReceived records any sign of life from the peer.
func (h *Heartbeat) PongReceived(now time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state == TimedOut {
		return
	}
	h.state = Alive
	h.lastSeen = now
}

// Check expires an unanswered ping and returns the current state.
func (h *Heartbeat) Check(now time.Time) HeartbeatState {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state == AwaitingPong && now.Sub(h.pingSentAt) >= h.timeout {
		h.state = TimedOut
	}
	return h.state
}

func (h *Heartbeat) LastSeen() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastSeen
}
