// Package ratelimit gates inbound session traffic with a token bucket.
//
// Decisions never block: Allow answers immediately and callers reply with a
// throttle error instead of queueing.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Decision is the outcome of one Allow call.
type Decision int

const (
	// Allowed means the message may be processed.
	Allowed Decision = iota
	// Throttled means the message must be answered with a rate-limit error.
	Throttled
	// Escalate means abuse has persisted past the escalation threshold and
	// the session should be closed.
	Escalate
)

func (d Decision) String() string {
	switch d {
	case Allowed:
		return "allowed"
	case Throttled:
		return "throttled"
	case Escalate:
		return "escalate"
	default:
		return "unknown"
	}
}

// Config sets the per-session budget.
type Config struct {
	// MessagesPerSecond is the sustained rate and the burst size.
	MessagesPerSecond int
	// EscalateAfter is the number of consecutive one-second windows that may
	// contain throttled messages before Allow returns Escalate. Zero disables
	// escalation.
	EscalateAfter int
}

// Limiter is a per-session token bucket with abuse escalation.
type Limiter struct {
	mu      sync.Mutex
	bucket  *rate.Limiter
	cfg     Config
	now     func() time.Time
	window  time.Time // start of the current one-second window
	hit     bool      // current window saw a throttled message
	streak  int       // consecutive windows with throttled messages
	dropped uint64
}

// New creates a limiter. A non-positive rate disables limiting.
func New(cfg Config) *Limiter {
	return NewWithClock(cfg, time.Now)
}

// NewWithClock is New with an injectable clock.
func NewWithClock(cfg Config, now func() time.Time) *Limiter {
	l := &Limiter{cfg: cfg, now: now}
	if cfg.MessagesPerSecond > 0 {
		l.bucket = rate.NewLimiter(rate.Limit(cfg.MessagesPerSecond), cfg.MessagesPerSecond)
	}
	return l
}

// Allow consumes one token if available.
func (l *Limiter) Allow() Decision {
	if l.bucket == nil {
		return Allowed
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.roll(now)

	if l.bucket.AllowN(now, 1) {
		return Allowed
	}

	l.dropped++
	if !l.hit {
		l.hit = true
		l.streak++
	}
	if l.cfg.EscalateAfter > 0 && l.streak > l.cfg.EscalateAfter {
		return Escalate
	}
	return Throttled
}

// roll advances the abuse window. A clean window resets the streak.
func (l *Limiter) roll(now time.Time) {
	if l.window.IsZero() {
		l.window = now
		return
	}
	elapsed := now.Sub(l.window)
	if elapsed < time.Second {
		return
	}
	if !l.hit || elapsed >= 2*time.Second {
		l.streak = 0
	}
	l.window = now
	l.hit = false
}

// Throttled returns how many messages have been refused so far.
func (l *Limiter) Throttled() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dropped
}
