// Package breaker tracks upstream failures per provider, URL and key
// combination so selection can route around endpoints that are
// currently failing without sidelining the whole provider group.
package breaker

import (
	"sort"
	"sync"
	"time"
)

// State describes a single breaker's position in its lifecycle.
type State int

const (
	// StateClosed lets requests through and counts failures.
	StateClosed State = iota
	// StateOpen rejects requests until the cool-off elapses.
	StateOpen
	// StateHalfOpen lets trial requests through after the cool-off.
	// The next success closes the breaker, the next failure reopens it.
	StateHalfOpen
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

const (
	// DefaultThreshold is the consecutive failure count that opens a breaker.
	DefaultThreshold = 3
	// DefaultCooloff is how long an open breaker rejects before
	// letting a trial request through.
	DefaultCooloff = 30 * time.Second
)

// breaker is the per-candidate record. Guarded by the arena lock.
type breaker struct {
	state       State
	failures    int
	lastFailure time.Time
}

// Status is a read-only snapshot of one breaker, keyed by the
// candidate it guards.
type Status struct {
	Key         string    `json:"key"`
	State       string    `json:"state"`
	Failures    int       `json:"failures"`
	LastFailure time.Time `json:"last_failure,omitempty"`
}

// Arena manages one breaker per candidate key.
type Arena struct {
	threshold int
	cooloff   time.Duration

	mu       sync.RWMutex
	breakers map[string]*breaker

	now func() time.Time
}

// Option customizes an Arena.
type Option func(*Arena)

// WithNowFunc overrides the arena clock, used by tests.
func WithNowFunc(now func() time.Time) Option {
	return func(a *Arena) { a.now = now }
}

// NewArena creates an arena. Non-positive threshold or cooloff values
// fall back to the defaults.
func NewArena(threshold int, cooloff time.Duration, opts ...Option) *Arena {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	if cooloff <= 0 {
		cooloff = DefaultCooloff
	}
	a := &Arena{
		threshold: threshold,
		cooloff:   cooloff,
		breakers:  make(map[string]*breaker),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Allow reports whether a request may go to the candidate. An open
// breaker whose cool-off has elapsed moves to half-open and allows
// the attempt; the outcome recorded afterwards decides whether it
// closes or reopens.
func (a *Arena) Allow(key string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	b, ok := a.breakers[key]
	if !ok {
		return true
	}

	switch b.state {
	case StateClosed, StateHalfOpen:
		return true
	case StateOpen:
		if a.now().Sub(b.lastFailure) >= a.cooloff {
			b.state = StateHalfOpen
			return true
		}
		return false
	default:
		return true
	}
}

// RecordSuccess closes the candidate's breaker from any state and
// resets its failure count.
func (a *Arena) RecordSuccess(key string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	b, ok := a.breakers[key]
	if !ok {
		return
	}
	b.state = StateClosed
	b.failures = 0
}

// RecordFailure counts a failure against the candidate. A half-open
// breaker reopens immediately; a closed one opens when the
// consecutive failure count reaches the threshold. The return value
// reports whether the breaker is open after this failure.
func (a *Arena) RecordFailure(key string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	b, ok := a.breakers[key]
	if !ok {
		b = &breaker{}
		a.breakers[key] = b
	}

	b.failures++
	b.lastFailure = a.now()

	if b.state == StateHalfOpen || b.failures >= a.threshold {
		b.state = StateOpen
	}
	return b.state == StateOpen
}

// State returns the candidate's current state without side effects.
// Unknown keys read as closed.
func (a *Arena) State(key string) State {
	a.mu.RLock()
	defer a.mu.RUnlock()

	b, ok := a.breakers[key]
	if !ok {
		return StateClosed
	}
	return b.state
}

// Reset removes the candidate's breaker entirely.
func (a *Arena) Reset(key string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.breakers, key)
}

// ResetAll removes every breaker.
func (a *Arena) ResetAll() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.breakers = make(map[string]*breaker)
}

// OpenCount returns how many breakers are currently open, counting
// those past their cool-off as half-open rather than open.
func (a *Arena) OpenCount() int {
	a.mu.RLock()
	defer a.mu.RUnlock()

	now := a.now()
	open := 0
	for _, b := range a.breakers {
		if b.state == StateOpen && now.Sub(b.lastFailure) < a.cooloff {
			open++
		}
	}
	return open
}

// Snapshot returns the state of every tracked breaker, ordered by key.
func (a *Arena) Snapshot() []Status {
	a.mu.RLock()
	out := make([]Status, 0, len(a.breakers))
	for key, b := range a.breakers {
		out = append(out, Status{
			Key:         key,
			State:       b.state.String(),
			Failures:    b.failures,
			LastFailure: b.lastFailure,
		})
	}
	a.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}
