// Package ratelimit throttles inbound frames per connection.
package ratelimit

import (
	"sync"
	"time"
)

// Limiter is a token bucket refilled at rate tokens per second up to burst.
type Limiter struct {
	rate       float64
	burst      int
	tokens     float64
	lastUpdate time.Time
	now        func() time.Time
	mu         sync.Mutex
}

func NewLimiter(rate float64, burst int) *Limiter {
	return newLimiterWithClock(rate, burst, time.Now)
}

func newLimiterWithClock(rate float64, burst int, now func() time.Time) *Limiter {
	return &Limiter{
		rate:       rate,
		burst:      burst,
		tokens:     float64(burst),
		lastUpdate: now(),
		now:        now,
	}
}

func (l *Limiter) Allow() bool {
	return l.AllowN(1)
}

func (l *Limiter) AllowN(n int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	elapsed := now.Sub(l.lastUpdate).Seconds()
	l.lastUpdate = now

	l.tokens += elapsed * l.rate
	if l.tokens > float64(l.burst) {
		l.tokens = float64(l.burst)
	}

	if l.tokens >= float64(n) {
		l.tokens -= float64(n)
		return true
	}
	return false
}

type Verdict int

const (
	Accept Verdict = iota
	Drop
	Disconnect
)

func (v Verdict) String() string {
	switch v {
	case Accept:
		return "accept"
	case Drop:
		return "drop"
	case Disconnect:
		return "disconnect"
	}
	return "unknown"
}

// Guard applies a Limiter to one connection and counts violations. Once the
// count passes maxViolations every further frame is answered with Disconnect.
type Guard struct {
	limiter       *Limiter
	maxViolations int
	violations    int
}

func NewGuard(rate float64, burst, maxViolations int) *Guard {
	return &Guard{
		limiter:       NewLimiter(rate, burst),
		maxViolations: maxViolations,
	}
}

// Check consumes a token for one frame. It returns the verdict and the
// violation count so far.
func (g *Guard) Check() (Verdict, int) {
	if g.limiter.Allow() {
		return Accept, g.violations
	}
	g.violations++
	if g.maxViolations > 0 && g.violations > g.maxViolations {
		return Disconnect, g.violations
	}
	return Drop, g.violations
}
