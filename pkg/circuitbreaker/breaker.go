// Package circuitbreaker implements the circuit breaker pattern.
//
// A circuit breaker tracks consecutive failures of a dependency and
// temporarily rejects calls once a threshold is reached.
//
// States:
//   - Closed: normal operation, calls allowed
//   - Open: too many failures, calls rejected until the cooldown elapses
//   - HalfOpen: one probe call allowed to test recovery
package circuitbreaker

import (
	"sync"
	"time"
)

// State represents the state of a circuit breaker.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config holds configuration for a circuit breaker.
type Config struct {
	Threshold int           // failures before the circuit opens (default: 5)
	Cooldown  time.Duration // time before a probe is allowed (default: 30s)

	// OnStateChange, if set, is called after every state change.
	// It runs with the breaker's lock released.
	OnStateChange func(from, to State)

	// Now overrides the clock; tests only.
	Now func() time.Time
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{Threshold: 5, Cooldown: 30 * time.Second}
}

// Breaker implements the circuit breaker pattern for a single resource.
type Breaker struct {
	mu          sync.Mutex
	state       State
	failures    int
	lastFailure time.Time
	probing     bool // a half-open probe is in flight
	cfg         Config
}

// New creates a new circuit breaker.
func New(cfg Config) *Breaker {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Breaker{state: Closed, cfg: cfg}
}

// Allow reports whether a call should be attempted. In half-open state only
// one caller is admitted until it records its outcome.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	from := b.state
	allowed := false

	switch b.state {
	case Closed:
		allowed = true
	case Open:
		if b.cfg.Now().Sub(b.lastFailure) >= b.cfg.Cooldown {
			b.state = HalfOpen
			b.probing = true
			allowed = true
		}
	case HalfOpen:
		if !b.probing {
			b.probing = true
			allowed = true
		}
	}
	to := b.state
	b.mu.Unlock()

	b.notify(from, to)
	return allowed
}

// RecordSuccess records a successful call and closes the circuit.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	from := b.state
	b.failures = 0
	b.probing = false
	b.state = Closed
	b.mu.Unlock()

	b.notify(from, Closed)
}

// RecordFailure records a failed call.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	from := b.state
	b.failures++
	b.lastFailure = b.cfg.Now()
	b.probing = false
	if b.state == HalfOpen || b.failures >= b.cfg.Threshold {
		b.state = Open
	}
	to := b.state
	b.mu.Unlock()

	b.notify(from, to)
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Failures returns the current consecutive failure count.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// Reset resets the breaker to closed state.
func (b *Breaker) Reset() {
	b.mu.Lock()
	from := b.state
	b.state = Closed
	b.failures = 0
	b.probing = false
	b.mu.Unlock()

	b.notify(from, Closed)
}

func (b *Breaker) notify(from, to State) {
	if from != to && b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(from, to)
	}
}
