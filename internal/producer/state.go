package producer

import (
	"sync"
	"time"
)

// Health values.
const (
	// HealthUnknown indicates health is not yet determined.
	HealthUnknown = "unknown"

	// HealthUp indicates the last acquisition succeeded.
	HealthUp = "up"

	// HealthDegraded indicates intermittent acquisition failures.
	HealthDegraded = "degraded"

	// HealthDown indicates consistently failing acquisition.
	HealthDown = "down"
)

// downAfter is the number of consecutive failures after which a producer
// is reported down.
const downAfter = 3

// State holds the runtime state of a producer: its enabled flag and the
// health of its data acquisition.
//
// State is safe for concurrent use.
type State struct {
	mu                  sync.RWMutex
	enabled             bool
	health              string
	lastError           string
	consecutiveFailures int
	lastSuccessAt       time.Time
	lastFailureAt       time.Time
}

// NewState creates a state with the given enabled flag and unknown health.
func NewState(enabled bool) *State {
	return &State{
		enabled: enabled,
		health:  HealthUnknown,
	}
}

// Enabled reports whether the producer is enabled.
func (s *State) Enabled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.enabled
}

// SetEnabled sets the enabled flag. It reports whether the flag changed.
func (s *State) SetEnabled(enabled bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.enabled == enabled {
		return false
	}
	s.enabled = enabled
	return true
}

// Health returns the health state.
func (s *State) Health() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.health
}

// LastError returns the last acquisition error message.
func (s *State) LastError() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastError
}

// ConsecutiveFailures returns the count of consecutive failures.
func (s *State) ConsecutiveFailures() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.consecutiveFailures
}

// Timestamps returns the last success and failure times. Zero means never.
func (s *State) Timestamps() (lastSuccess, lastFailure time.Time) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastSuccessAt, s.lastFailureAt
}

// RecordSuccess records a successful acquisition.
func (s *State) RecordSuccess() {
	now := time.Now()
	s.mu.Lock()
	s.lastSuccessAt = now
	s.consecutiveFailures = 0
	s.lastError = ""
	s.health = HealthUp
	s.mu.Unlock()
}

// RecordFailure records a failed acquisition.
func (s *State) RecordFailure(errMsg string) {
	now := time.Now()
	s.mu.Lock()
	s.lastFailureAt = now
	s.consecutiveFailures++
	s.lastError = errMsg

	if s.consecutiveFailures >= downAfter {
		s.health = HealthDown
	} else {
		s.health = HealthDegraded
	}
	s.mu.Unlock()
}

// RecordResult records an acquisition result.
func (s *State) RecordResult(err error) {
	if err == nil {
		s.RecordSuccess()
	} else {
		s.RecordFailure(err.Error())
	}
}
