// Package executor drives jobs through their lifecycle: admission against free resources,
// dispatch of ready steps, completion, cancellation and retention.
package executor

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/teranos/hubjobs/db"
	"github.com/teranos/hubjobs/errors"
	"github.com/teranos/hubjobs/logger"
	"github.com/teranos/hubjobs/pulse/job"
	"github.com/teranos/hubjobs/pulse/resources"
	"github.com/teranos/hubjobs/pulse/steps"
	"github.com/teranos/hubjobs/pulse/tasks"
	"github.com/teranos/hubjobs/sym"
)

const (
	// MaxConsecutiveErrors before the tick loop starts backing off
	MaxConsecutiveErrors = 5

	maxBackoff   = 30 * time.Second
	stopTimeout  = 30 * time.Second
	cancelWindow = 30 * time.Second
)

// Executor owns the RUNNING and CANCELLING jobs of this process.
// Active jobs are cached in memory because their steps hold in-flight work;
// the job store is written through on every change.
type Executor struct {
	cfg      Config
	store    *job.Store
	registry *resources.Registry
	tasks    tasks.Store

	submissions *SubmissionLimiter
	slots       *semaphore.Weighted
	memory      func() (float64, error)
	pollBackoff time.Duration // first wait after a transient poll error
	now         func() time.Time
	log         pulseLogger

	mu     sync.Mutex
	active map[string]*activeJob

	parentCtx context.Context
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// activeJob is a job whose steps this executor drives
type activeJob struct {
	job  *job.Job
	runs map[string]*stepRun

	// Immutable copies read by step goroutines while the tick rewrites job
	id    string
	graph *steps.Graph

	// fatal is set when a step failed in Prepare; the job is then not resumable
	fatal bool
}

// stepRun is one in-flight execution of a step
type stepRun struct {
	cancel          context.CancelFunc
	cancelRequested bool
	done            chan struct{}
}

// New creates an executor. taskStore may be nil when no step uses tasks.
func New(ctx context.Context, cfg Config, store *job.Store, registry *resources.Registry, taskStore tasks.Store, log *zap.SugaredLogger) *Executor {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig().PollInterval
	}
	if cfg.AsyncPollInterval <= 0 {
		cfg.AsyncPollInterval = DefaultConfig().AsyncPollInterval
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = DefaultConfig().RetryBackoff
	}
	workerCtx, cancel := context.WithCancel(ctx)
	return &Executor{
		cfg:         cfg,
		store:       store,
		registry:    registry,
		tasks:       taskStore,
		submissions: NewSubmissionLimiter(cfg.MaxSubmissionsPerMinute),
		slots:       semaphore.NewWeighted(int64(cfg.Workers)),
		memory:      memoryUsedPercent,
		pollBackoff: time.Second,
		now:         func() time.Time { return time.Now().UTC() },
		log:         pulseLogger{logger.OrNop(log).Named("pulse.executor")},
		active:      make(map[string]*activeJob),
		parentCtx:   ctx,
		ctx:         workerCtx,
		cancel:      cancel,
	}
}

// SetClock replaces the time source (tests)
func (e *Executor) SetClock(now func() time.Time) {
	e.now = now
}

// Config is the effective configuration, defaults applied
func (e *Executor) Config() Config {
	return e.cfg
}

// Start recovers the jobs of a previous process and begins ticking
func (e *Executor) Start() {
	e.mu.Lock()
	select {
	case <-e.ctx.Done():
		e.ctx, e.cancel = context.WithCancel(e.parentCtx)
		e.log.Starting("Recreated executor context after previous shutdown")
	default:
	}
	e.mu.Unlock()

	if err := e.recoverOrphanedJobs(e.ctx); err != nil {
		e.log.Warnw("Failed to recover orphaned jobs", logger.FieldError, err)
	}

	e.wg.Add(1)
	go e.loop()
}

// recoverOrphanedJobs adopts the RUNNING and CANCELLING jobs left by a previous process.
// Steps of RUNNING jobs that were RUNNING go back to PENDING and resume on dispatch.
func (e *Executor) recoverOrphanedJobs(ctx context.Context) error {
	orphaned, err := e.store.ListByState(ctx, job.StateRunning, job.StateCancelling)
	if err != nil {
		return errors.Wrap(err, "failed to list running jobs")
	}
	if len(orphaned) == 0 {
		return nil
	}
	e.log.Starting("Opening - found jobs of a previous process", logger.FieldCount, len(orphaned))

	now := e.now()
	for _, j := range orphaned {
		resumed := 0
		if j.State == job.StateRunning {
			for _, s := range j.Graph.Steps() {
				if s.Runtime().State() != steps.StateRunning {
					continue
				}
				if err := s.Runtime().Transition(steps.StatePending, now); err != nil {
					return err
				}
				if err := e.store.SaveStep(ctx, j, s); err != nil {
					return err
				}
				resumed++
			}
		}
		e.track(j)
		e.log.Starting("Recovered job",
			logger.FieldJobID, j.ID,
			logger.FieldState, j.State,
			"resumed_steps", resumed)
	}
	return nil
}

// Stop cancels all in-flight steps and waits for them to settle.
// Interrupted steps are re-queued as PENDING and resume on the next start.
func (e *Executor) Stop() {
	e.cancel()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		e.log.Pulse("Executor stopped, all steps settled")
	case <-time.After(stopTimeout):
		e.log.Closing("Executor stop timed out, steps may still be settling", logger.FieldTimeout, stopTimeout)
	}
}

// loop ticks until the executor is stopped, backing off after repeated errors
func (e *Executor) loop() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	errorCount := 0
	backoff := time.Second

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			err := e.Tick(e.ctx)
			if err == nil {
				if errorCount > 0 {
					e.log.Infow("Executor recovered from errors", "previous_error_count", errorCount)
				}
				errorCount = 0
				backoff = time.Second
				continue
			}
			if e.ctx.Err() != nil || db.IsDatabaseClosed(err) {
				return
			}
			errorCount++
			e.log.Errorw("Executor tick failed",
				logger.FieldError, err,
				"consecutive_errors", errorCount)
			if errorCount >= MaxConsecutiveErrors {
				e.log.Warnw("Executor backing off after consecutive errors",
					"backoff", backoff,
					"consecutive_errors", errorCount)
				select {
				case <-e.ctx.Done():
					return
				case <-time.After(backoff):
				}
				backoff = min(backoff*2, maxBackoff)
			}
		}
	}
}

// Wait blocks until the job reaches a terminal state
func (e *Executor) Wait(ctx context.Context, jobID string) (*job.Job, error) {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		j, err := e.store.Get(ctx, jobID)
		if err != nil {
			return nil, err
		}
		if j.State.IsTerminal() {
			return j, nil
		}
		select {
		case <-ctx.Done():
			return j, errors.Mark(errors.Wrapf(ctx.Err(), "waiting for job %s", jobID), errors.ErrTimeout)
		case <-ticker.C:
		}
	}
}

// Active returns the ids of the jobs this executor drives
func (e *Executor) Active() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.active))
	for id := range e.active {
		ids = append(ids, id)
	}
	return ids
}

func (e *Executor) track(j *job.Job) *activeJob {
	e.mu.Lock()
	defer e.mu.Unlock()
	aj := newActiveJob(j)
	e.active[j.ID] = aj
	return aj
}

func newActiveJob(j *job.Job) *activeJob {
	return &activeJob{job: j, runs: make(map[string]*stepRun), id: j.ID, graph: j.Graph}
}

func (e *Executor) forget(id string) {
	e.mu.Lock()
	delete(e.active, id)
	e.mu.Unlock()
}

// snapshot lists the active jobs oldest first
func (e *Executor) snapshot() []*activeJob {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*activeJob, 0, len(e.active))
	for _, aj := range e.active {
		out = append(out, aj)
	}
	sortByCreation(out)
	return out
}

func (e *Executor) inFlight(aj *activeJob, stepID string) (*stepRun, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	run, ok := aj.runs[stepID]
	return run, ok
}

func (e *Executor) inFlightCount(aj *activeJob) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(aj.runs)
}

// persist applies mutate to a copy of the job and writes it if the stored state is unchanged.
// The cached job only changes when the write succeeds.
func (e *Executor) persist(ctx context.Context, aj *activeJob, mutate func(*job.Job) error) error {
	next := *aj.job
	if err := mutate(&next); err != nil {
		return err
	}
	if err := e.store.Update(ctx, &next, aj.job.State); err != nil {
		return err
	}
	e.log.Infow(sym.Jobs+" Job state changed",
		logger.FieldJobID, next.ID,
		logger.FieldFromState, aj.job.State,
		logger.FieldToState, next.State)
	*aj.job = next
	return nil
}
