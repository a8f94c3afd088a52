package backend

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kballard/go-shellquote"
	"go.uber.org/zap"

	"github.com/teranos/hubjobs/errors"
	"github.com/teranos/hubjobs/logger"
)

type localRun struct {
	cmd       *exec.Cmd
	cancel    context.CancelFunc
	state     RunState
	err       error
	cancelled bool
	done      chan struct{}
	finished  time.Time
}

// FinishedRunRetention is how long a finished run stays queryable
const FinishedRunRetention = time.Hour

// LocalBackend runs entry points as subprocesses of this process.
// Runs are tracked in memory and do not survive a restart. Finished runs
// are forgotten once they are older than the retention.
type LocalBackend struct {
	workDir   string
	log       *zap.SugaredLogger
	retention time.Duration
	now       func() time.Time

	mu   sync.Mutex
	runs map[string]*localRun
}

// NewLocalBackend creates a backend writing run logs below workDir
func NewLocalBackend(workDir string, log *zap.SugaredLogger) *LocalBackend {
	return &LocalBackend{
		workDir:   workDir,
		log:       logger.OrNop(log).Named("pulse.backend.local"),
		retention: FinishedRunRetention,
		now:       func() time.Time { return time.Now().UTC() },
		runs:      make(map[string]*localRun),
	}
}

// pruneLocked drops finished runs past the retention; callers hold mu
func (b *LocalBackend) pruneLocked() {
	cutoff := b.now().Add(-b.retention)
	for id, run := range b.runs {
		if run.state.IsTerminal() && run.finished.Before(cutoff) {
			delete(b.runs, id)
		}
	}
}

// Submit starts the process. The entry point is split shell-style; Args are appended verbatim.
func (b *LocalBackend) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	argv, err := shellquote.Split(req.EntryPoint)
	if err != nil {
		return "", errors.Wrapf(errors.ErrInvalidRequest, "entry point %q: %v", req.EntryPoint, err)
	}
	if len(argv) == 0 {
		return "", errors.NewInvalidRequestError("entry point is empty")
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	runID := uuid.NewString()
	runDir := filepath.Join(b.workDir, runID)
	if err := os.MkdirAll(runDir, 0755); err != nil {
		return "", errors.Wrapf(err, "create run directory %s", runDir)
	}
	logFile, err := os.Create(filepath.Join(runDir, "output.log"))
	if err != nil {
		return "", errors.Wrap(err, "create run log")
	}

	args := append(argv[1:len(argv):len(argv)], req.Args...)

	// The process outlives the submitting request
	runCtx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(runCtx, argv[0], args...)
	cmd.Dir = runDir
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.Env = append(os.Environ(),
		"HUBJOBS_RUN_ID="+runID,
		"HUBJOBS_EXECUTION_ROLE="+req.ExecutionRole,
	)

	b.log.With(logger.FieldsFromContext(ctx)...).Infow("Starting local run",
		logger.FieldRunID, runID,
		"name", req.Name,
		"command", shellquote.Join(append([]string{argv[0]}, args...)...))

	if err := cmd.Start(); err != nil {
		cancel()
		logFile.Close()
		return "", errors.Wrapf(err, "start %s", argv[0])
	}

	run := &localRun{cmd: cmd, cancel: cancel, state: RunRunning, done: make(chan struct{})}
	b.mu.Lock()
	b.pruneLocked()
	b.runs[runID] = run
	b.mu.Unlock()

	go b.wait(runID, run, logFile)
	return runID, nil
}

func (b *LocalBackend) wait(runID string, run *localRun, logFile *os.File) {
	err := run.cmd.Wait()
	logFile.Close()
	run.cancel()

	b.mu.Lock()
	switch {
	case run.cancelled:
		run.state = RunCancelled
	case err != nil:
		run.state = RunFailed
		run.err = err
	default:
		run.state = RunSuccess
	}
	run.finished = b.now()
	state := run.state
	b.mu.Unlock()
	close(run.done)

	b.log.Infow("Local run finished",
		logger.FieldRunID, runID,
		logger.FieldState, state,
		logger.FieldError, err)
}

func (b *LocalBackend) State(_ context.Context, runID string) (RunState, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pruneLocked()
	run, ok := b.runs[runID]
	if !ok {
		return "", errors.NewNotFoundError("run %s", runID)
	}
	return run.state, nil
}

// Cancel kills the process. Cancelling a finished run does nothing.
func (b *LocalBackend) Cancel(_ context.Context, runID string) error {
	b.mu.Lock()
	run, ok := b.runs[runID]
	if !ok {
		b.mu.Unlock()
		return errors.NewNotFoundError("run %s", runID)
	}
	if run.state.IsTerminal() {
		b.mu.Unlock()
		return nil
	}
	run.cancelled = true
	run.state = RunCancelling
	b.mu.Unlock()

	run.cancel()
	return nil
}

// Wait blocks until the run finished or ctx is done
func (b *LocalBackend) Wait(ctx context.Context, runID string) (RunState, error) {
	b.mu.Lock()
	run, ok := b.runs[runID]
	b.mu.Unlock()
	if !ok {
		return "", errors.NewNotFoundError("run %s", runID)
	}
	select {
	case <-run.done:
		return b.State(ctx, runID)
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// RunError returns the exit error of a failed run
func (b *LocalBackend) RunError(runID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if run, ok := b.runs[runID]; ok {
		return run.err
	}
	return nil
}
