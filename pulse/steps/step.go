// Package steps defines the executable units of a job and the graphs that order them.
package steps

import (
	"context"

	"github.com/google/uuid"

	"github.com/teranos/hubjobs/pulse/resolver"
	"github.com/teranos/hubjobs/pulse/resources"
)

// DefaultTimeoutSeconds applies to steps that do not declare a timeout
const DefaultTimeoutSeconds = 3600

// Step is one executable unit of a job. Implementations embed Base.
type Step interface {
	Node

	ID() string
	Type() string
	Description() string
	JobID() string
	Runtime() *Runtime

	// NeededResources must return the same loads for the whole attempt
	NeededResources(ctx context.Context) ([]resources.Load, error)
	TimeoutSeconds() int
	EstimatedSeconds() int
	ExecutionMode() ExecutionMode
	RetryPolicy() RetryPolicy

	InputSets() []resolver.InputSet
	OutputSets() []resolver.InputSet

	// Prepare resolves references before dispatch. Its errors are fatal.
	Prepare(ctx context.Context, rc *resolver.Context) error

	// Execute runs the step. With resume it continues a previous attempt
	// without repeating work already done.
	Execute(ctx context.Context, resume bool) error

	base() *Base
}

// AsyncStep is a step whose Execute only starts work that is then polled
type AsyncStep interface {
	Step
	Poll(ctx context.Context) (Outcome, error)
	Cancel(ctx context.Context) error
}

// Outcome is the coarse result of a step or graph
type Outcome string

const (
	OutcomeRunning   Outcome = "running"
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
	OutcomeCancelled Outcome = "cancelled"
)

// OutcomeOf maps a step state to an outcome; PENDING counts as running
func OutcomeOf(s State) Outcome {
	switch s {
	case StateSucceeded:
		return OutcomeSucceeded
	case StateFailed:
		return OutcomeFailed
	case StateCancelled:
		return OutcomeCancelled
	default:
		return OutcomeRunning
	}
}

// RetryPolicy bounds how often a step is attempted
type RetryPolicy struct {
	MaxAttempts int `json:"maxAttempts,omitempty"`
}

// NoRetry runs a step once
var NoRetry = RetryPolicy{MaxAttempts: 1}

// Allows reports whether another attempt may follow the given number of attempts
func (p RetryPolicy) Allows(attempts int) bool {
	max := p.MaxAttempts
	if max < 1 {
		max = 1
	}
	return attempts < max
}

// NewID generates a step id
func NewID() string {
	return uuid.NewString()
}

// Base carries the configuration shared by all step types.
// Its exported fields are the serialized form of the step.
type Base struct {
	StepID    string              `json:"id"`
	Desc      string              `json:"description,omitempty"`
	Job       string              `json:"jobId,omitempty"`
	Timeout   int                 `json:"timeoutSeconds,omitempty"`
	Estimate  int                 `json:"estimatedSeconds,omitempty"`
	Retry     RetryPolicy         `json:"retry"`
	Inputs    []resolver.InputSet `json:"inputSets,omitempty"`
	OutputSet []string            `json:"outputSets,omitempty"`

	rt Runtime
}

// NewBase creates a base with a fresh id
func NewBase(description string) Base {
	return Base{StepID: NewID(), Desc: description, Retry: NoRetry}
}

func (b *Base) node()               {}
func (b *Base) base() *Base         { return b }
func (b *Base) ID() string          { return b.StepID }
func (b *Base) Description() string { return b.Desc }
func (b *Base) JobID() string       { return b.Job }
func (b *Base) Runtime() *Runtime   { return &b.rt }

// SetJobID binds the step to its job
func (b *Base) SetJobID(id string) { b.Job = id }

func (b *Base) TimeoutSeconds() int {
	if b.Timeout <= 0 {
		return DefaultTimeoutSeconds
	}
	return b.Timeout
}

func (b *Base) EstimatedSeconds() int   { return b.Estimate }
func (b *Base) RetryPolicy() RetryPolicy { return b.Retry }

func (b *Base) InputSets() []resolver.InputSet { return b.Inputs }

// OutputSets are the sets this step writes, under its own provider segment
func (b *Base) OutputSets() []resolver.InputSet {
	out := make([]resolver.InputSet, len(b.OutputSet))
	for i, name := range b.OutputSet {
		out[i] = resolver.InputSet{JobID: b.Job, StepID: b.StepID, Name: name}
	}
	return out
}

// Prepare does nothing for steps without references
func (b *Base) Prepare(context.Context, *resolver.Context) error { return nil }
