// Package breaker implements a per-service circuit breaker: a failure
// accumulator that temporarily blocks dispatch after a threshold of
// consecutive failures, with a cooldown-based half-open probe.
//
// Same per-key-map-plus-mutex concurrency shape as internal/ratelimit,
// grounded on catrate.Limiter's state-per-category pattern.
package breaker

import (
	"sync"
	"time"
)

var timeNow = time.Now

// State is one service's circuit breaker state.
type State struct {
	mu sync.Mutex

	threshold int
	cooldown  time.Duration

	failures int
	openedAt time.Time // zero value means "not open"
}

// NewState creates a circuit breaker for a single service.
func NewState(threshold int, cooldown time.Duration) *State {
	return &State{threshold: threshold, cooldown: cooldown}
}

// Allow reports whether a dispatch may proceed. In the open mode, once the
// cooldown has elapsed it resets the failure count, clears the open state
// and returns true; later calls also pass until recorded failures reach the
// threshold again and reopen the circuit.
func (s *State) Allow() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.openedAt.IsZero() {
		return true
	}
	if timeNow().Sub(s.openedAt) > s.cooldown {
		s.failures = 0
		s.openedAt = time.Time{}
		return true
	}
	return false
}

// RecordSuccess resets the failure count and clears the open state.
func (s *State) RecordSuccess() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = 0
	s.openedAt = time.Time{}
}

// RecordFailure increments the failure count and, upon reaching the
// configured threshold, opens the circuit (if not already open).
func (s *State) RecordFailure() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures++
	if s.failures >= s.threshold && s.openedAt.IsZero() {
		s.openedAt = timeNow()
	}
}

// SetThreshold updates the failure threshold, supporting runtime config
// overrides of circuit_breaker_threshold.
func (s *State) SetThreshold(threshold int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.threshold = threshold
}

// SetCooldown updates the cooldown duration, supporting runtime config
// overrides of circuit_breaker_timeout.
func (s *State) SetCooldown(cooldown time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cooldown = cooldown
}

// Registry holds one State per service name, created lazily on first use
// so that services without explicit configuration still get circuit
// breaker protection using the orchestrator-wide defaults.
type Registry struct {
	mu        sync.Mutex
	states    map[string]*State
	threshold int
	cooldown  time.Duration
}

// NewRegistry creates a registry that lazily constructs per-service State
// using the given default threshold/cooldown.
func NewRegistry(threshold int, cooldown time.Duration) *Registry {
	return &Registry{
		states:    make(map[string]*State),
		threshold: threshold,
		cooldown:  cooldown,
	}
}

// Get returns (creating if necessary) the State for service.
func (r *Registry) Get(service string) *State {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.states[service]
	if !ok {
		s = NewState(r.threshold, r.cooldown)
		r.states[service] = s
	}
	return s
}

// SetDefaults updates the threshold/cooldown applied to every existing and
// future per-service State, supporting runtime config overrides.
func (r *Registry) SetDefaults(threshold int, cooldown time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.threshold = threshold
	r.cooldown = cooldown
	for _, s := range r.states {
		s.SetThreshold(threshold)
		s.SetCooldown(cooldown)
	}
}
