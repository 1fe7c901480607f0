// Package retry wraps provider calls with bounded retries and a
// per-operation-key circuit breaker so a struggling provider API gets
// breathing room instead of a hammering.
package retry

import (
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned without invoking the operation while a
// key's circuit is open.
var ErrCircuitOpen = errors.New("circuit open")

type circuitState int

const (
	stateClosed circuitState = iota
	stateOpen
	stateHalfOpen
)

func (s circuitState) String() string {
	switch s {
	case stateOpen:
		return "open"
	case stateHalfOpen:
		return "half_open"
	}
	return "closed"
}

type circuit struct {
	state    circuitState
	failures int
	openedAt time.Time
}

// CircuitBreaker tracks consecutive failures per operation key. After
// threshold failures the key opens for a cooldown; the first call after
// cooldown runs as a half-open probe whose outcome closes or reopens
// the circuit.
type CircuitBreaker struct {
	mu        sync.Mutex
	threshold int
	cooldown  time.Duration
	circuits  map[string]*circuit

	// onOpen fires on closed->open transitions, outside domain logic
	// (wired to a metrics counter).
	onOpen func(key string)
}

func NewCircuitBreaker(threshold int, cooldown time.Duration) *CircuitBreaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 5 * time.Minute
	}

	return &CircuitBreaker{
		threshold: threshold,
		cooldown:  cooldown,
		circuits:  make(map[string]*circuit),
	}
}

// OnOpen registers a callback for open transitions. Call before use;
// not safe to swap concurrently with traffic.
func (b *CircuitBreaker) OnOpen(fn func(key string)) {
	b.onOpen = fn
}

// Allow reports whether a call for key may proceed now. An open
// circuit whose cooldown has elapsed moves to half-open and admits
// exactly one probe.
func (b *CircuitBreaker) Allow(key string, now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[key]
	if !ok {
		return true
	}

	switch c.state {
	case stateClosed:
		return true
	case stateOpen:
		if now.Sub(c.openedAt) >= b.cooldown {
			c.state = stateHalfOpen
			return true
		}
		return false
	case stateHalfOpen:
		// one probe at a time
		return false
	}
	return true
}

// IsOpen is a read-only view used to stop an in-flight retry loop once
// its own failures tripped the circuit.
func (b *CircuitBreaker) IsOpen(key string, now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[key]
	if !ok || c.state != stateOpen {
		return false
	}
	return now.Sub(c.openedAt) < b.cooldown
}

func (b *CircuitBreaker) RecordSuccess(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if c, ok := b.circuits[key]; ok {
		c.state = stateClosed
		c.failures = 0
	}
}

func (b *CircuitBreaker) RecordFailure(key string, now time.Time) {
	b.mu.Lock()

	c, ok := b.circuits[key]
	if !ok {
		c = &circuit{}
		b.circuits[key] = c
	}

	var opened bool
	if c.state == stateHalfOpen {
		// failed probe: straight back to open
		c.state = stateOpen
		c.openedAt = now
		opened = true
	} else {
		c.failures++
		if c.failures >= b.threshold && c.state == stateClosed {
			c.state = stateOpen
			c.openedAt = now
			opened = true
		}
	}

	onOpen := b.onOpen
	b.mu.Unlock()

	if opened && onOpen != nil {
		onOpen(key)
	}
}

// States snapshots every tracked circuit for the admin surface.
func (b *CircuitBreaker) States() map[string]string {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make(map[string]string, len(b.circuits))
	for key, c := range b.circuits {
		out[key] = c.state.String()
	}
	return out
}
