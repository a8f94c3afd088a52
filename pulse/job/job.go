// Package job holds compiled jobs, their lifecycle and their persistence.
package job

import (
	"context"
	"time"

	"github.com/teranos/hubjobs/errors"
	"github.com/teranos/hubjobs/pulse/compiler"
	"github.com/teranos/hubjobs/pulse/dataset"
	"github.com/teranos/hubjobs/pulse/resolver"
	"github.com/teranos/hubjobs/pulse/resources"
	"github.com/teranos/hubjobs/pulse/steps"
)

// State is the lifecycle state of a job
type State string

const (
	StateNotReady   State = "NOT_READY"
	StateSubmitted  State = "SUBMITTED"
	StateRunning    State = "RUNNING"
	StateCancelling State = "CANCELLING"
	StateSucceeded  State = "SUCCEEDED"
	StateFailed     State = "FAILED"
	StateCancelled  State = "CANCELLED"
)

// IsTerminal reports whether the job finished
func (s State) IsTerminal() bool {
	return s == StateSucceeded || s == StateFailed || s == StateCancelled
}

// IsValid reports whether s is a known state
func (s State) IsValid() bool {
	_, ok := transitions[s]
	return ok || s.IsTerminal()
}

var transitions = map[State][]State{
	StateNotReady:   {StateSubmitted, StateCancelled},
	StateSubmitted:  {StateRunning, StateCancelling, StateCancelled, StateFailed},
	StateRunning:    {StateSucceeded, StateFailed, StateCancelling},
	StateCancelling: {StateCancelled, StateFailed},
}

// CanTransition reports whether from -> to is allowed. Jobs never leave a terminal state.
func CanTransition(from, to State) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Job is a compiled request and its execution state
type Job struct {
	ID          string              `json:"id"`
	Description string              `json:"description,omitempty"`
	Source      dataset.Description `json:"source"`
	Target      dataset.Description `json:"target"`
	State       State               `json:"state"`
	Graph       *steps.Graph        `json:"-"`

	ErrorStep    string `json:"errorStep,omitempty"`
	ErrorMessage string `json:"errorMessage,omitempty"`
	Resumable    bool   `json:"resumable"`

	CreatedAt         time.Time  `json:"createdAt"`
	UpdatedAt         time.Time  `json:"updatedAt"`
	StartedAt         *time.Time `json:"startedAt,omitempty"`
	EstimatedEndAt    *time.Time `json:"estimatedEndAt,omitempty"`
	CompletedAt       *time.Time `json:"completedAt,omitempty"`
	CancelRequestedAt *time.Time `json:"cancelRequestedAt,omitempty"`
	KeepUntil         *time.Time `json:"keepUntil,omitempty"`
}

// JobID identifies the job to the resources registry
func (j *Job) JobID() string { return j.ID }

// CalculateResourceLoads is the aggregated peak load of the job's graph
func (j *Job) CalculateResourceLoads(ctx context.Context) ([]resources.Load, error) {
	if j.Graph == nil {
		return nil, errors.Newf("job %s has no graph", j.ID)
	}
	return j.Graph.AggregatedLoads(ctx)
}

// Transition moves the job to the given state and stamps the matching timestamp
func (j *Job) Transition(to State, now time.Time) error {
	if !CanTransition(j.State, to) {
		return errors.NewConflictError("job %s transition %s -> %s not allowed", j.ID, j.State, to)
	}
	j.State = to
	j.UpdatedAt = now
	switch {
	case to == StateRunning:
		j.StartedAt = &now
		if j.Graph != nil {
			end := j.Graph.EstimatedEnd(now)
			j.EstimatedEndAt = &end
		}
	case to == StateCancelling:
		j.CancelRequestedAt = &now
	case to.IsTerminal():
		j.CompletedAt = &now
	}
	return nil
}

// Fail records the failing step and moves the job to FAILED
func (j *Job) Fail(stepID, message string, resumable bool, now time.Time) error {
	if err := j.Transition(StateFailed, now); err != nil {
		return err
	}
	j.ErrorStep = stepID
	j.ErrorMessage = message
	j.Resumable = resumable
	return nil
}

// AllSucceeded reports whether every step of the job already succeeded
func (j *Job) AllSucceeded() bool {
	if j.Graph == nil || j.Graph.IsEmpty() {
		return false
	}
	for _, s := range j.Graph.Steps() {
		if s.Runtime().State() != steps.StateSucceeded {
			return false
		}
	}
	return true
}

// ResolverContext binds the input sets visible to the job's steps:
// the user input set of a files source and the outputs of all steps
func (j *Job) ResolverContext(bucket, localRoot string) *resolver.Context {
	rc := &resolver.Context{JobID: j.ID, Bucket: bucket, LocalRoot: localRoot}
	if j.Source.Kind == dataset.KindFiles {
		if ref, err := compiler.ParseInputRef(j.Source.InputSet); err == nil && !ref.Delegated() {
			rc.InputSets = append(rc.InputSets, resolver.UserInputs(ref.Name))
		}
	}
	if j.Graph != nil {
		for _, s := range j.Graph.Steps() {
			rc.InputSets = append(rc.InputSets, s.OutputSets()...)
		}
	}
	return rc
}
