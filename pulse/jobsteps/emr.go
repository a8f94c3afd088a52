package jobsteps

import (
	"context"

	"github.com/kballard/go-shellquote"

	"github.com/teranos/hubjobs/errors"
	"github.com/teranos/hubjobs/logger"
	"github.com/teranos/hubjobs/pulse/backend"
	"github.com/teranos/hubjobs/pulse/resolver"
	"github.com/teranos/hubjobs/pulse/resources"
	"github.com/teranos/hubjobs/pulse/steps"
)

// OutputSetTransformed is the output set a transformation script writes to
const OutputSetTransformed = "transformed"

// DefaultInterpreter runs scripts that do not name one
const DefaultInterpreter = "sh"

// RunEmrJob runs a script on the external compute backend
type RunEmrJob struct {
	steps.Base
	Script      string   `json:"script"`
	Interpreter string   `json:"interpreter,omitempty"`
	Params      []string `json:"params,omitempty"`

	deps *Deps

	prepared bool
	script   string
	params   []string
}

// NewRunEmrJob creates a script run. Params may contain input set placeholders.
func NewRunEmrJob(deps *Deps, description, script string, params []string) *RunEmrJob {
	s := &RunEmrJob{
		Base:   steps.NewBase(description),
		Script: script,
		Params: params,
		deps:   deps,
	}
	s.Estimate = 900
	s.Retry = steps.RetryPolicy{MaxAttempts: 3}
	s.OutputSet = []string{OutputSetTransformed}
	return s
}

func (s *RunEmrJob) Type() string                       { return TypeRunEmrJob }
func (s *RunEmrJob) ExecutionMode() steps.ExecutionMode { return steps.ModeAsync }

// NeededResources is empty: the compute backend manages its own capacity
func (s *RunEmrJob) NeededResources(context.Context) ([]resources.Load, error) {
	return nil, nil
}

// Prepare resolves the script and its params for the backend
func (s *RunEmrJob) Prepare(_ context.Context, rc *resolver.Context) error {
	r := resolver.NewEmrScriptResolver(rc, s.deps.Local())
	script, err := r.ResolveString(s.Script)
	if err != nil {
		return errors.Wrap(err, "resolve script")
	}
	params, err := r.Resolve(s.Params)
	if err != nil {
		return errors.Wrap(err, "resolve script params")
	}
	s.script, s.params, s.prepared = script, params, true
	return nil
}

func (s *RunEmrJob) interpreter() string {
	if s.Interpreter == "" {
		return DefaultInterpreter
	}
	return s.Interpreter
}

// Execute submits the run. On resume a recorded run that the backend still
// knows is re-attached instead of submitted again.
func (s *RunEmrJob) Execute(ctx context.Context, resume bool) error {
	if s.deps == nil || s.deps.Backend == nil {
		return errors.New("emr step has no compute backend")
	}
	log := s.deps.log()

	if runID := s.Runtime().RunID(); resume && runID != "" {
		state, err := s.deps.Backend.State(ctx, runID)
		switch {
		case err == nil:
			log.Infow("Re-attached to run",
				logger.FieldStepID, s.ID(),
				logger.FieldRunID, runID,
				logger.FieldState, state)
			return nil
		case errors.IsNotFoundError(err):
			log.Infow("Run unknown to backend, submitting again",
				logger.FieldStepID, s.ID(),
				logger.FieldRunID, runID)
		default:
			return err
		}
	}

	if !s.prepared {
		return errors.Newf("emr step %s was not prepared", s.ID())
	}
	runID, err := s.deps.Backend.Submit(ctx, backend.SubmitRequest{
		Name:          "hubjobs-" + s.ID(),
		EntryPoint:    shellquote.Join(s.interpreter(), s.script),
		Args:          s.params,
		ExecutionRole: s.deps.Emr.ExecutionRole,
	})
	if err != nil {
		return err
	}
	s.Runtime().SetRunID(runID)
	log.Infow("Submitted run",
		logger.FieldStepID, s.ID(),
		logger.FieldRunID, runID)
	return nil
}

func (s *RunEmrJob) Poll(ctx context.Context) (steps.Outcome, error) {
	runID := s.Runtime().RunID()
	if runID == "" {
		return steps.OutcomeFailed, errors.Newf("emr step %s has no run", s.ID())
	}
	state, err := s.deps.Backend.State(ctx, runID)
	if errors.IsNotFoundError(err) {
		// Retrying resumes and submits again
		return steps.OutcomeFailed, steps.Retryable(err)
	}
	if err != nil {
		return steps.OutcomeRunning, errors.Mark(err, errors.ErrServiceUnavailable)
	}
	outcome := state.ToStepOutcome()
	if outcome == steps.OutcomeFailed {
		return outcome, errors.Newf("run %s finished in state %s", runID, state)
	}
	return outcome, nil
}

// Cancel cancels the run, if one was submitted
func (s *RunEmrJob) Cancel(ctx context.Context) error {
	runID := s.Runtime().RunID()
	if runID == "" || s.deps == nil || s.deps.Backend == nil {
		return nil
	}
	if err := s.deps.Backend.Cancel(ctx, runID); err != nil && !errors.IsNotFoundError(err) {
		return err
	}
	return nil
}
