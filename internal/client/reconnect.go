package client

import (
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
)

type State int

const (
	Connected State = iota
	Disconnected
	Reconnecting
	GiveUp
)

func (s State) String() string {
	switch s {
	case Connected:
		return "connected"
	case Disconnected:
		return "disconnected"
	case Reconnecting:
		return "reconnecting"
	case GiveUp:
		return "give_up"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Reconnector tracks Connected → Disconnected → Reconnecting(1..max) →
// Connected | GiveUp and hands out exponentially growing delays between
// attempts.
type Reconnector struct {
	maxAttempts int

	mu      sync.Mutex
	backoff *backoff.ExponentialBackOff
	state   State
	attempt int
}

func NewReconnector(maxAttempts int, initial, max time.Duration) *Reconnector {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initial
	b.MaxInterval = max
	// attempts are bounded by count, not by elapsed time
	b.MaxElapsedTime = 0
	b.Reset()

	return &Reconnector{
		maxAttempts: maxAttempts,
		backoff:     b,
		state:       Disconnected,
	}
}

func (r *Reconnector) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Attempt is the current reconnect attempt, 1-based. Zero while connected.
func (r *Reconnector) Attempt() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempt
}

// Connected records a successful connect and resets the backoff.
func (r *Reconnector) Connected() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = Connected
	r.attempt = 0
	r.backoff.Reset()
}

// Lost records an unexpected disconnect.
func (r *Reconnector) Lost() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == GiveUp {
		return
	}
	r.state = Disconnected
}

// Next starts the next attempt and returns how long to wait before it. It
// returns false once every attempt is spent; the state is then GiveUp.
func (r *Reconnector) Next() (time.Duration, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state == GiveUp || r.attempt >= r.maxAttempts {
		r.state = GiveUp
		return 0, false
	}
	delay := r.backoff.NextBackOff()
	if delay == backoff.Stop {
		r.state = GiveUp
		return 0, false
	}
	r.attempt++
	r.state = Reconnecting
	return delay, true
}
