// Package guest implements the sandbox VM agent: a state machine around
// sample detonation, the artifact collector bank, result packaging, and the
// HTTP control server the host orchestrator talks to.
package guest

import (
	"sync"
	"time"

	"github.com/codeready-toolchain/isolens/pkg/agentapi"
)

// State tracks what the agent is doing. All transitions happen under one
// lock so concurrent HTTP handlers and the detonation goroutine observe a
// consistent view.
type State struct {
	mu             sync.Mutex
	status         string
	currentSample  string
	lastError      string
	startedAt      string
	executionCount int
}

// NewState creates an idle agent state stamped with the current UTC time.
func NewState() *State {
	return &State{
		status:    agentapi.StateIdle,
		startedAt: time.Now().UTC().Format(time.RFC3339),
	}
}

// Status returns the current state value.
func (s *State) Status() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// SetExecuting marks the agent as detonating the given sample.
func (s *State) SetExecuting(sample string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = agentapi.StateExecuting
	s.currentSample = sample
}

// TryBeginExecute claims the agent for detonating the given sample. It
// returns false without changing anything when an execution is already in
// flight, so concurrent execute requests cannot both win.
func (s *State) TryBeginExecute(sample string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == agentapi.StateExecuting {
		return false
	}
	s.status = agentapi.StateExecuting
	s.currentSample = sample
	return true
}

// TryBeginCollect claims the agent for a collect-only run. Like
// TryBeginExecute, it refuses while a detonation is in flight.
func (s *State) TryBeginCollect() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == agentapi.StateExecuting {
		return false
	}
	s.status = agentapi.StateCollecting
	return true
}

// SetCollecting marks the agent as running collectors.
func (s *State) SetCollecting() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = agentapi.StateCollecting
}

// SetError records a failure. The error sticks until the next transition.
func (s *State) SetError(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = agentapi.StateError
	s.lastError = msg
}

// SetIdle returns the agent to idle, clears the current sample, and counts
// the finished execution.
func (s *State) SetIdle() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = agentapi.StateIdle
	s.currentSample = ""
	s.executionCount++
}

// Snapshot returns a point-in-time copy of the state for status reporting.
func (s *State) Snapshot() agentapi.StatusData {
	s.mu.Lock()
	defer s.mu.Unlock()
	return agentapi.StatusData{
		Status:         s.status,
		CurrentSample:  s.currentSample,
		LastError:      s.lastError,
		StartedAt:      s.startedAt,
		ExecutionCount: s.executionCount,
	}
}
