// Package backend talks to the external compute backend and to object storage.
package backend

import (
	"context"

	"github.com/teranos/hubjobs/pulse/steps"
)

// RunState is the state of a run as reported by the compute backend
type RunState string

const (
	RunSubmitted  RunState = "SUBMITTED"
	RunPending    RunState = "PENDING"
	RunScheduled  RunState = "SCHEDULED"
	RunRunning    RunState = "RUNNING"
	RunSuccess    RunState = "SUCCESS"
	RunFailed     RunState = "FAILED"
	RunCancelling RunState = "CANCELLING"
	RunCancelled  RunState = "CANCELLED"
)

// IsTerminal reports whether the run finished
func (s RunState) IsTerminal() bool {
	return s == RunSuccess || s == RunFailed || s == RunCancelled
}

// ToStepOutcome maps the backend state to a step outcome
func (s RunState) ToStepOutcome() steps.Outcome {
	switch s {
	case RunSuccess:
		return steps.OutcomeSucceeded
	case RunFailed:
		return steps.OutcomeFailed
	case RunCancelled:
		return steps.OutcomeCancelled
	default:
		return steps.OutcomeRunning
	}
}

// SubmitRequest describes one run
type SubmitRequest struct {
	Name          string
	EntryPoint    string
	Args          []string
	ExecutionRole string
}

// Backend is the external compute backend
type Backend interface {
	Submit(ctx context.Context, req SubmitRequest) (runID string, err error)
	State(ctx context.Context, runID string) (RunState, error)
	Cancel(ctx context.Context, runID string) error
}
