package jobsteps

import (
	"context"

	"github.com/teranos/hubjobs/pulse/resolver"
	"github.com/teranos/hubjobs/pulse/resources"
	"github.com/teranos/hubjobs/pulse/steps"
)

// DelegateOutputs exposes output sets of a step of another job as if this job produced them
type DelegateOutputs struct {
	steps.Base
	SourceJob  string   `json:"sourceJobId"`
	SourceStep string   `json:"sourceStepId"`
	Names      []string `json:"names"`

	deps *Deps
}

// NewDelegateOutputs delegates the named output sets of sourceStep in sourceJob
func NewDelegateOutputs(deps *Deps, sourceJob, sourceStep string, names ...string) *DelegateOutputs {
	s := &DelegateOutputs{
		Base:       steps.NewBase("Reuse outputs of " + sourceJob),
		SourceJob:  sourceJob,
		SourceStep: sourceStep,
		Names:      names,
		deps:       deps,
	}
	return s
}

func (s *DelegateOutputs) Type() string                       { return TypeDelegateOutputs }
func (s *DelegateOutputs) ExecutionMode() steps.ExecutionMode { return steps.ModeSync }

func (s *DelegateOutputs) NeededResources(context.Context) ([]resources.Load, error) {
	return nil, nil
}

// OutputSets are the delegated sets, still addressed under the source job and step
func (s *DelegateOutputs) OutputSets() []resolver.InputSet {
	out := make([]resolver.InputSet, len(s.Names))
	for i, name := range s.Names {
		out[i] = resolver.InputSet{JobID: s.SourceJob, StepID: s.SourceStep, Name: name}
	}
	return out
}

// Execute records the delegated prefixes as outputs
func (s *DelegateOutputs) Execute(context.Context, bool) error {
	bucket := ""
	if s.deps != nil {
		bucket = s.deps.Bucket
	}
	for _, set := range s.OutputSets() {
		s.Runtime().SetOutput(set.Name, set.S3Prefix(bucket))
	}
	return nil
}
