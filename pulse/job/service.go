package job

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/teranos/hubjobs/errors"
	"github.com/teranos/hubjobs/logger"
	"github.com/teranos/hubjobs/pulse/compiler"
	"github.com/teranos/hubjobs/pulse/dataset"
	"github.com/teranos/hubjobs/pulse/resources"
	"github.com/teranos/hubjobs/sym"
)

// Service submits, cancels and lists jobs
type Service struct {
	store     *Store
	registry  *compiler.Registry
	retention time.Duration
	now       func() time.Time
	log       *zap.SugaredLogger
}

// NewService creates a job service. Terminal jobs are kept for retention after submission.
func NewService(store *Store, registry *compiler.Registry, retention time.Duration, log *zap.SugaredLogger) *Service {
	return &Service{
		store:     store,
		registry:  registry,
		retention: retention,
		now:       utcNow,
		log:       logger.OrNop(log).Named("pulse.jobs"),
	}
}

// SetClock replaces the time source (tests)
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
	s.store.SetClock(now)
}

// Store is the persistence the service writes through
func (s *Service) Store() *Store {
	return s.store
}

// Submit compiles the request and persists the job as SUBMITTED.
// A request that does not compile is rejected with a *compiler.CompilationError
// and nothing is stored.
func (s *Service) Submit(ctx context.Context, req *Request) (*Job, error) {
	id := uuid.New().String()
	graph, err := compiler.Compile(ctx, s.registry, &compiler.Request{
		JobID:       id,
		Description: req.Description,
		Source:      req.Source,
		Target:      req.Target,
	})
	if err != nil {
		s.log.Infow("Rejected job request",
			logger.FieldSymbol, sym.Compile,
			logger.FieldJobID, id,
			logger.FieldError, err)
		return nil, err
	}

	now := s.now()
	j := &Job{
		ID:          id,
		Description: req.Description,
		Source:      req.Source,
		Target:      req.Target,
		State:       StateSubmitted,
		Graph:       graph,
		Resumable:   true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if s.retention > 0 {
		keep := now.Add(s.retention)
		j.KeepUntil = &keep
	}
	if err := s.store.Create(ctx, j); err != nil {
		return nil, err
	}

	s.log.Infow("Submitted job",
		logger.FieldSymbol, sym.Jobs,
		logger.FieldJobID, id,
		logger.FieldCount, len(graph.Steps()),
		"tag", dataset.Tag(req.Source, req.Target))
	return j, nil
}

// Get loads a job with the runtime state of its steps
func (s *Service) Get(ctx context.Context, id string) (*Job, error) {
	return s.store.Get(ctx, id)
}

// List returns the most recent jobs, optionally filtered by state
func (s *Service) List(ctx context.Context, state State, limit int) ([]*Job, error) {
	if state != "" && !state.IsValid() {
		return nil, errors.NewInvalidRequestError("unknown job state %q", state)
	}
	return s.store.List(ctx, state, limit)
}

// Cancel requests cancellation. Jobs that never started are cancelled at once;
// running jobs move to CANCELLING and the executor settles their steps.
// Cancelling twice is a no-op, cancelling a finished job is a conflict.
func (s *Service) Cancel(ctx context.Context, id string) (*Job, error) {
	j, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	var to State
	switch j.State {
	case StateNotReady, StateSubmitted:
		to = StateCancelled
	case StateRunning:
		to = StateCancelling
	case StateCancelling:
		return j, nil
	default:
		return nil, errors.WithHint(
			errors.NewConflictError("job %s is already %s", id, j.State),
			"only jobs that have not finished can be cancelled")
	}

	from := j.State
	if err := j.Transition(to, s.now()); err != nil {
		return nil, err
	}
	if err := s.store.Update(ctx, j, from); err != nil {
		return nil, err
	}

	s.log.Infow("Cancellation requested",
		logger.FieldSymbol, sym.Jobs,
		logger.FieldJobID, id,
		logger.FieldFromState, from,
		logger.FieldToState, to)
	return j, nil
}

// RunningJobs lists the jobs whose loads are reserved: RUNNING ones and
// CANCELLING ones whose steps may still be working
func (s *Service) RunningJobs(ctx context.Context) ([]resources.RunningJob, error) {
	jobs, err := s.store.ListByState(ctx, StateRunning, StateCancelling)
	if err != nil {
		return nil, err
	}
	out := make([]resources.RunningJob, len(jobs))
	for i, j := range jobs {
		out[i] = j
	}
	return out, nil
}
