package executor

import (
	"context"
	"sort"

	"github.com/teranos/hubjobs/errors"
	"github.com/teranos/hubjobs/logger"
	"github.com/teranos/hubjobs/pulse/job"
	"github.com/teranos/hubjobs/pulse/resources"
	"github.com/teranos/hubjobs/pulse/steps"
	"github.com/teranos/hubjobs/sym"
)

// Tick runs one pass of admission, dispatch, completion, cancellation and retention
func (e *Executor) Tick(ctx context.Context) error {
	if err := e.syncActive(ctx); err != nil {
		return err
	}
	if err := e.admit(ctx); err != nil {
		return err
	}
	for _, aj := range e.snapshot() {
		var err error
		switch aj.job.State {
		case job.StateRunning:
			e.dispatch(ctx, aj)
			err = e.complete(ctx, aj)
		case job.StateCancelling:
			err = e.sweep(ctx, aj)
		}
		if err != nil && !errors.IsConflictError(err) {
			return err
		}
		if aj.job.State.IsTerminal() {
			e.forget(aj.job.ID)
		}
	}
	return e.retain(ctx)
}

// syncActive picks up state changes made by other writers: cancellation requests,
// jobs started by another process and jobs removed underneath us
func (e *Executor) syncActive(ctx context.Context) error {
	states, err := e.store.ListStates(ctx, job.StateRunning, job.StateCancelling)
	if err != nil {
		return err
	}
	for _, aj := range e.snapshot() {
		stored, ok := states[aj.job.ID]
		if !ok {
			e.log.Warnw("Active job left RUNNING elsewhere, releasing it", logger.FieldJobID, aj.job.ID)
			e.cancelRuns(aj)
			e.forget(aj.job.ID)
			continue
		}
		if stored == job.StateCancelling && aj.job.State == job.StateRunning {
			fresh, err := e.store.Get(ctx, aj.job.ID)
			if err != nil {
				return err
			}
			aj.job.State = fresh.State
			aj.job.CancelRequestedAt = fresh.CancelRequestedAt
			aj.job.UpdatedAt = fresh.UpdatedAt
			e.log.Pulse("Cancellation requested", logger.FieldJobID, aj.job.ID)
		}
	}
	for id := range states {
		if e.isActive(id) {
			continue
		}
		j, err := e.store.Get(ctx, id)
		if err != nil {
			if errors.IsNotFoundError(err) {
				continue
			}
			return err
		}
		e.track(j)
	}
	return nil
}

func (e *Executor) isActive(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.active[id]
	return ok
}

// admit starts SUBMITTED jobs, oldest first, whose aggregated loads fit the free units
func (e *Executor) admit(ctx context.Context) error {
	if e.underMemoryPressure() {
		return nil
	}
	pending, err := e.store.ListByState(ctx, job.StateSubmitted)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		return nil
	}

	var waiting []string
	for _, j := range pending {
		admitted, err := e.admitOne(ctx, j)
		if err != nil {
			if errors.IsConflictError(err) {
				continue
			}
			return err
		}
		if !admitted {
			waiting = append(waiting, j.ID)
		}
	}

	if len(waiting) > 0 && len(e.Active()) == 0 {
		e.log.Warnw("Jobs are pending while nothing is running",
			logger.FieldSymbol, sym.Resources,
			logger.FieldCount, len(waiting),
			"jobs", waiting)
	}
	return nil
}

func (e *Executor) admitOne(ctx context.Context, j *job.Job) (bool, error) {
	now := e.now()
	aj := newActiveJob(j)

	if j.AllSucceeded() {
		err := e.persist(ctx, aj, func(next *job.Job) error {
			if err := next.Transition(job.StateRunning, now); err != nil {
				return err
			}
			return next.Transition(job.StateSucceeded, now)
		})
		if err == nil {
			e.log.Pulse("Job completed without execution, all steps already succeeded", logger.FieldJobID, j.ID)
		}
		return err == nil, err
	}

	loads, err := j.CalculateResourceLoads(ctx)
	if err != nil {
		e.log.Warnw("Failed to calculate job loads, not admitting",
			logger.FieldJobID, j.ID,
			logger.FieldError, err)
		return false, nil
	}
	free, err := e.registry.FreeVirtualUnits(ctx)
	if err != nil {
		return false, err
	}
	if ok, shortfalls := resources.Fits(loads, free); !ok {
		e.log.Debugw("Job does not fit free resources",
			logger.FieldSymbol, sym.Resources,
			logger.FieldJobID, j.ID,
			"shortfalls", shortfalls)
		return false, nil
	}

	if err := e.persist(ctx, aj, func(next *job.Job) error {
		return next.Transition(job.StateRunning, now)
	}); err != nil {
		return false, err
	}
	e.track(j)
	e.log.Pulse("Admitted job",
		logger.FieldJobID, j.ID,
		"loads", loads,
		"estimated_end", j.EstimatedEndAt)
	return true, nil
}

// complete moves a RUNNING job to its terminal state once its graph has an outcome.
// After a step failure the remaining steps are cancelled first and the job fails
// once none of them is in flight.
func (e *Executor) complete(ctx context.Context, aj *activeJob) error {
	outcome, failed := aj.job.Graph.Outcome()
	now := e.now()
	switch outcome {
	case steps.OutcomeRunning:
		return nil

	case steps.OutcomeSucceeded:
		return e.persist(ctx, aj, func(next *job.Job) error {
			return next.Transition(job.StateSucceeded, now)
		})

	case steps.OutcomeFailed:
		e.cancelRemaining(ctx, aj)
		if !e.settled(aj) {
			return nil
		}
		msg := failed.Runtime().Error()
		if msg == "" {
			msg = "step failed"
		}
		err := e.persist(ctx, aj, func(next *job.Job) error {
			return next.Fail(failed.ID(), msg, !aj.fatal, now)
		})
		if err == nil {
			e.log.Warnw("Job failed",
				logger.FieldJobID, aj.job.ID,
				logger.FieldStepID, failed.ID(),
				logger.FieldError, msg)
		}
		return err

	default:
		// A step was cancelled without the job being cancelled, e.g. by the backend
		cancelled := firstInState(aj.job.Graph, steps.StateCancelled)
		e.cancelRemaining(ctx, aj)
		if !e.settled(aj) {
			return nil
		}
		return e.persist(ctx, aj, func(next *job.Job) error {
			return next.Fail(cancelled, "step was cancelled", true, now)
		})
	}
}

// sweep settles a CANCELLING job: running steps are cancelled, pending ones marked CANCELLED.
// A job that does not settle within the cancellation timeout fails and cannot be resumed.
func (e *Executor) sweep(ctx context.Context, aj *activeJob) error {
	e.cancelRemaining(ctx, aj)
	now := e.now()

	if e.settled(aj) {
		return e.persist(ctx, aj, func(next *job.Job) error {
			return next.Transition(job.StateCancelled, now)
		})
	}

	requested := aj.job.UpdatedAt
	if aj.job.CancelRequestedAt != nil {
		requested = *aj.job.CancelRequestedAt
	}
	if e.cfg.CancellationTimeout <= 0 || now.Sub(requested) < e.cfg.CancellationTimeout {
		return nil
	}

	stuck := firstInState(aj.job.Graph, steps.StateRunning)
	err := e.persist(ctx, aj, func(next *job.Job) error {
		return next.Fail(stuck, "cancellation timeout", false, now)
	})
	if err == nil {
		e.log.Closing("Cancellation timed out",
			logger.FieldJobID, aj.job.ID,
			logger.FieldStepID, stuck,
			logger.FieldTimeout, e.cfg.CancellationTimeout)
	}
	return err
}

// settled reports whether no step of the job is in flight or RUNNING
func (e *Executor) settled(aj *activeJob) bool {
	return e.inFlightCount(aj) == 0 && firstInState(aj.job.Graph, steps.StateRunning) == ""
}

// retain deletes terminal jobs whose retention ended
func (e *Executor) retain(ctx context.Context) error {
	expired, err := e.store.ListExpired(ctx, e.now())
	if err != nil {
		return err
	}
	for _, id := range expired {
		if err := e.store.Delete(ctx, id); err != nil && !errors.IsNotFoundError(err) {
			return err
		}
		e.log.Debugw("Deleted expired job", logger.FieldSymbol, sym.DB, logger.FieldJobID, id)
	}
	return nil
}

func firstInState(g *steps.Graph, state steps.State) string {
	for _, s := range g.Steps() {
		if s.Runtime().State() == state {
			return s.ID()
		}
	}
	return ""
}

func sortByCreation(jobs []*activeJob) {
	sort.Slice(jobs, func(i, j int) bool {
		a, b := jobs[i].job, jobs[j].job
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}
