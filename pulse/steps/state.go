package steps

import (
	"sync"
	"time"

	"github.com/teranos/hubjobs/errors"
)

// State is the lifecycle state of a step
type State string

const (
	StatePending   State = "PENDING"
	StateRunning   State = "RUNNING"
	StateSucceeded State = "SUCCEEDED"
	StateFailed    State = "FAILED"
	StateCancelled State = "CANCELLED"
)

// IsTerminal reports whether no further transition is possible
func (s State) IsTerminal() bool {
	return s == StateSucceeded || s == StateFailed || s == StateCancelled
}

var transitions = map[State][]State{
	StatePending: {StateRunning, StateCancelled},
	// RUNNING -> PENDING re-queues a step for a retry or after shutdown
	StateRunning: {StateSucceeded, StateFailed, StateCancelled, StatePending},
}

// CanTransition reports whether from -> to is allowed
func CanTransition(from, to State) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// ExecutionMode says whether Execute blocks until the step is done
type ExecutionMode string

const (
	ModeSync  ExecutionMode = "SYNC"
	ModeAsync ExecutionMode = "ASYNC"
)

// RuntimeState is a snapshot of a step's mutable state
type RuntimeState struct {
	State      State
	Attempts   int
	Resume     bool
	RunID      string
	Error      string
	Outputs    map[string]string
	StartedAt  *time.Time
	FinishedAt *time.Time

	// RetryAt holds back the next dispatch of a PENDING step after a retryable failure
	RetryAt *time.Time
}

func (s RuntimeState) clone() RuntimeState {
	if s.Outputs != nil {
		outputs := make(map[string]string, len(s.Outputs))
		for k, v := range s.Outputs {
			outputs[k] = v
		}
		s.Outputs = outputs
	}
	return s
}

// Runtime holds the mutable state of a step. It is safe for concurrent use.
type Runtime struct {
	mu sync.Mutex
	s  RuntimeState
}

// Snapshot returns a copy of the current state
func (r *Runtime) Snapshot() RuntimeState {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.s.State == "" {
		r.s.State = StatePending
	}
	return r.s.clone()
}

// Restore replaces the state, e.g. with the persisted one
func (r *Runtime) Restore(s RuntimeState) {
	r.mu.Lock()
	r.s = s.clone()
	r.mu.Unlock()
}

// State returns the current state, PENDING for a fresh step
func (r *Runtime) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.s.State == "" {
		return StatePending
	}
	return r.s.State
}

// Transition moves the step to the given state.
// Entering RUNNING counts an attempt. Going back to PENDING marks the next run as a resume.
func (r *Runtime) Transition(to State, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	from := r.s.State
	if from == "" {
		from = StatePending
	}
	if !CanTransition(from, to) {
		return errors.NewConflictError("step transition %s -> %s not allowed", from, to)
	}

	r.s.State = to
	switch {
	case to == StateRunning:
		r.s.Attempts++
		r.s.StartedAt = &now
		r.s.FinishedAt = nil
		r.s.RetryAt = nil
	case to == StatePending:
		r.s.Resume = true
		r.s.FinishedAt = nil
	case to.IsTerminal():
		r.s.FinishedAt = &now
	}
	if to == StateSucceeded {
		r.s.Error = ""
	}
	return nil
}

func (r *Runtime) Attempts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.s.Attempts
}

// Resume reports whether the next Execute continues a previous attempt
func (r *Runtime) Resume() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.s.Resume
}

// SetResume marks whether the next Execute continues a previous attempt
func (r *Runtime) SetResume(resume bool) {
	r.mu.Lock()
	r.s.Resume = resume
	r.mu.Unlock()
}

// RunID is the external run id of an async step, empty before submission
func (r *Runtime) RunID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.s.RunID
}

func (r *Runtime) SetRunID(id string) {
	r.mu.Lock()
	r.s.RunID = id
	r.mu.Unlock()
}

func (r *Runtime) Error() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.s.Error
}

func (r *Runtime) SetError(msg string) {
	r.mu.Lock()
	r.s.Error = msg
	r.mu.Unlock()
}

// Output returns a named output recorded by the step
func (r *Runtime) Output(name string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.s.Outputs[name]
	return v, ok
}

func (r *Runtime) SetOutput(name, value string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.s.Outputs == nil {
		r.s.Outputs = make(map[string]string)
	}
	r.s.Outputs[name] = value
}

// ScheduleRetry delays the next dispatch until at
func (r *Runtime) ScheduleRetry(at time.Time) {
	r.mu.Lock()
	r.s.RetryAt = &at
	r.mu.Unlock()
}

// Due reports whether a PENDING step may be dispatched at now
func (r *Runtime) Due(now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.s.RetryAt == nil || !now.Before(*r.s.RetryAt)
}

// FinishedAt is when the step reached a terminal state
func (r *Runtime) FinishedAt() *time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.s.FinishedAt
}
