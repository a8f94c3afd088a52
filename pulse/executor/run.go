package executor

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"github.com/teranos/hubjobs/errors"
	"github.com/teranos/hubjobs/logger"
	"github.com/teranos/hubjobs/pulse/job"
	"github.com/teranos/hubjobs/pulse/steps"
)

// dispatch starts the ready steps of a RUNNING job while worker slots are free
func (e *Executor) dispatch(ctx context.Context, aj *activeJob) {
	for _, step := range aj.job.Graph.Ready() {
		if _, busy := e.inFlight(aj, step.ID()); busy {
			continue
		}
		if !step.Runtime().Due(e.now()) {
			continue
		}
		if !e.slots.TryAcquire(1) {
			e.log.Debugw("All workers busy, dispatch deferred", logger.FieldJobID, aj.job.ID)
			return
		}
		if !e.start(ctx, aj, step) {
			e.slots.Release(1)
		}
	}
}

// start prepares and launches one step. It reports whether a run was launched.
func (e *Executor) start(ctx context.Context, aj *activeJob, step steps.Step) bool {
	log := e.log.With(logger.FieldJobID, aj.job.ID, logger.FieldStepID, step.ID(), logger.FieldStepType, step.Type())

	if err := step.Prepare(ctx, aj.job.ResolverContext(e.cfg.Bucket, e.cfg.LocalRoot)); err != nil {
		aj.fatal = true
		log.Errorw("Step preparation failed", logger.FieldError, err)
		now := e.now()
		rt := step.Runtime()
		rt.SetError(err.Error())
		if terr := rt.Transition(steps.StateRunning, now); terr == nil {
			_ = rt.Transition(steps.StateFailed, now)
		}
		e.saveStep(aj, step)
		return false
	}

	async, isAsync := step.(steps.AsyncStep)
	if isAsync && step.ExecutionMode() == steps.ModeAsync {
		if err := e.submissions.Allow(); err != nil {
			log.Debugw("Submission limit reached, step stays pending", logger.FieldError, err)
			return false
		}
	} else {
		isAsync = false
	}

	rt := step.Runtime()
	resume := rt.Resume()
	if err := rt.Transition(steps.StateRunning, e.now()); err != nil {
		log.Warnw("Step cannot start", logger.FieldError, err)
		return false
	}
	e.saveStep(aj, step)

	var (
		runCtx context.Context
		cancel context.CancelFunc
	)
	if isAsync {
		runCtx, cancel = context.WithCancel(e.ctx)
	} else {
		runCtx, cancel = context.WithTimeout(e.ctx, time.Duration(step.TimeoutSeconds())*time.Second)
	}
	runCtx = logger.WithStepID(logger.WithJobID(runCtx, aj.id), step.ID())
	run := &stepRun{cancel: cancel, done: make(chan struct{})}
	e.mu.Lock()
	aj.runs[step.ID()] = run
	e.mu.Unlock()

	log.Infow("Dispatched step",
		logger.FieldMode, step.ExecutionMode(),
		logger.FieldAttempt, rt.Attempts(),
		"resume", resume)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer e.slots.Release(1)
		defer cancel()

		var err error
		if isAsync {
			err = e.runAsync(runCtx, async, resume)
		} else {
			err = e.runSync(runCtx, step, resume)
		}
		e.finish(aj, step, run, err)
	}()
	return true
}

func (e *Executor) runSync(ctx context.Context, step steps.Step, resume bool) error {
	err := step.Execute(ctx, resume)
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return errors.Mark(errors.Wrapf(err, "step timed out after %ds", step.TimeoutSeconds()), errors.ErrTimeout)
	}
	return err
}

// runAsync starts the step and polls it until it reaches a terminal outcome.
// Polls are paced by a rate limiter; transient poll errors back off up to the error limit.
func (e *Executor) runAsync(ctx context.Context, step steps.AsyncStep, resume bool) error {
	if err := step.Execute(ctx, resume); err != nil {
		return err
	}

	limiter := rate.NewLimiter(rate.Every(e.cfg.AsyncPollInterval), 1)
	backoff := e.pollBackoff
	transient := 0

	for {
		if err := limiter.Wait(ctx); err != nil {
			return ctx.Err()
		}
		outcome, err := step.Poll(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		switch outcome {
		case steps.OutcomeSucceeded:
			return nil
		case steps.OutcomeFailed:
			if err == nil {
				err = errors.New("step failed")
			}
			return err
		case steps.OutcomeCancelled:
			return errors.Wrap(errors.ErrCancelled, "cancelled by the backend")
		}

		if err == nil {
			transient = 0
			backoff = e.pollBackoff
			continue
		}
		transient++
		if e.cfg.AsyncPollErrorLimit > 0 && transient >= e.cfg.AsyncPollErrorLimit {
			return errors.WithDetailf(err, "%d consecutive poll errors", transient)
		}
		e.log.Debugw("Transient poll error",
			logger.FieldJobID, step.JobID(),
			logger.FieldStepID, step.ID(),
			logger.FieldError, err,
			"consecutive_errors", transient,
			"backoff", backoff)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, maxBackoff)
	}
}

// finish records the result of a run. Interrupted runs go back to PENDING,
// retryable failures too while the retry policy allows another attempt.
func (e *Executor) finish(aj *activeJob, step steps.Step, run *stepRun, err error) {
	e.mu.Lock()
	cancelRequested := run.cancelRequested
	e.mu.Unlock()

	log := e.log.With(logger.FieldJobID, aj.id, logger.FieldStepID, step.ID())
	rt := step.Runtime()
	now := e.now()

	switch {
	case err == nil:
		_ = rt.Transition(steps.StateSucceeded, now)
		log.Infow("Step succeeded", logger.FieldAttempt, rt.Attempts())

	case cancelRequested:
		if async, ok := step.(steps.AsyncStep); ok && step.ExecutionMode() == steps.ModeAsync {
			e.cancelAsync(async)
		}
		_ = rt.Transition(steps.StateCancelled, now)
		log.Infow("Step cancelled")

	case e.ctx.Err() != nil:
		// Shutdown: the step resumes on the next start
		_ = rt.Transition(steps.StatePending, now)
		log.Infow("Step interrupted by shutdown, will resume")

	case steps.IsRetryable(err) && step.RetryPolicy().Allows(rt.Attempts()):
		rt.SetError(err.Error())
		_ = rt.Transition(steps.StatePending, now)
		delay := e.cfg.retryDelay(rt.Attempts())
		rt.ScheduleRetry(now.Add(delay))
		log.Warnw("Step failed, retrying",
			logger.FieldError, err,
			logger.FieldAttempt, rt.Attempts(),
			"retry_in", delay)

	default:
		rt.SetError(err.Error())
		_ = rt.Transition(steps.StateFailed, now)
		log.Errorw("Step failed",
			logger.FieldError, err,
			logger.FieldAttempt, rt.Attempts())
	}

	if rt.State().IsTerminal() && e.tasks != nil {
		if derr := e.tasks.Discard(context.Background(), aj.id, step.ID()); derr != nil {
			log.Warnw("Failed to discard step tasks", logger.FieldError, derr)
		}
	}
	e.saveStep(aj, step)

	e.mu.Lock()
	delete(aj.runs, step.ID())
	e.mu.Unlock()
	close(run.done)
}

// cancelRemaining cancels every unfinished step of the job. In-flight runs are
// signalled and settle in finish; RUNNING steps without a run belong to a previous process.
func (e *Executor) cancelRemaining(ctx context.Context, aj *activeJob) {
	now := e.now()
	for _, step := range aj.job.Graph.Steps() {
		rt := step.Runtime()
		if run, ok := e.inFlight(aj, step.ID()); ok {
			e.mu.Lock()
			requested := run.cancelRequested
			run.cancelRequested = true
			e.mu.Unlock()
			if !requested {
				run.cancel()
			}
			continue
		}
		switch rt.State() {
		case steps.StatePending:
			_ = rt.Transition(steps.StateCancelled, now)
			e.saveStep(aj, step)
		case steps.StateRunning:
			if async, ok := step.(steps.AsyncStep); ok && step.ExecutionMode() == steps.ModeAsync {
				e.cancelAsync(async)
			}
			_ = rt.Transition(steps.StateCancelled, now)
			e.saveStep(aj, step)
		}
	}
}

// cancelRuns signals all in-flight runs of a job without waiting
func (e *Executor) cancelRuns(aj *activeJob) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, run := range aj.runs {
		if !run.cancelRequested {
			run.cancelRequested = true
			run.cancel()
		}
	}
}

// cancelAsync asks the backend to stop the step's external work
func (e *Executor) cancelAsync(step steps.AsyncStep) {
	ctx, cancel := context.WithTimeout(context.Background(), cancelWindow)
	defer cancel()
	if err := step.Cancel(ctx); err != nil {
		e.log.Warnw("Failed to cancel step",
			logger.FieldJobID, step.JobID(),
			logger.FieldStepID, step.ID(),
			logger.FieldError, err)
	}
}

func (e *Executor) saveStep(aj *activeJob, step steps.Step) {
	if err := e.store.SaveStep(context.Background(), &job.Job{ID: aj.id, Graph: aj.graph}, step); err != nil {
		e.log.Warnw("Failed to persist step state",
			logger.FieldJobID, aj.id,
			logger.FieldStepID, step.ID(),
			logger.FieldError, err)
	}
}
