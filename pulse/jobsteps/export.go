package jobsteps

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"

	"github.com/teranos/hubjobs/errors"
	"github.com/teranos/hubjobs/logger"
	"github.com/teranos/hubjobs/pulse/dataset"
	"github.com/teranos/hubjobs/pulse/resources"
	"github.com/teranos/hubjobs/pulse/steps"
	"github.com/teranos/hubjobs/pulse/tasks"
)

// Export outputs
const (
	OutputSetExports = "exports"
	OutputFileCount  = "files"
)

// ExportToFiles writes a space version to files, one task per partition.
// Execute starts the tasks in the background; Poll reports their progress.
type ExportToFiles struct {
	steps.Base
	Space      string               `json:"space"`
	Database   string               `json:"database"`
	Version    dataset.VersionRef   `json:"version"`
	Settings   dataset.FileSettings `json:"settings"`
	Bytes      int64                `json:"byteSizeEstimate"`
	Partitions int                  `json:"partitions"`

	deps *Deps

	mu      sync.Mutex
	cancel  context.CancelFunc
	running bool
	fatal   error
	wg      sync.WaitGroup
}

// NewExportToFiles creates an export of a resolved space version
func NewExportToFiles(deps *Deps, space, database string, version dataset.VersionRef, settings dataset.FileSettings, bytes int64) *ExportToFiles {
	s := &ExportToFiles{
		Base:       steps.NewBase("Export " + space + "@" + version.String() + " to files"),
		Space:      space,
		Database:   database,
		Version:    version,
		Settings:   settings,
		Bytes:      bytes,
		Partitions: PartitionCount(settings, bytes),
		deps:       deps,
	}
	s.Estimate = ExportSeconds(bytes)
	s.Retry = steps.RetryPolicy{MaxAttempts: 2}
	s.OutputSet = []string{OutputSetExports}
	return s
}

func (s *ExportToFiles) Type() string                       { return TypeExportToFiles }
func (s *ExportToFiles) ExecutionMode() steps.ExecutionMode { return steps.ModeAsync }

func (s *ExportToFiles) NeededResources(ctx context.Context) ([]resources.Load, error) {
	db, err := s.deps.database(ctx, s.Database)
	if err != nil {
		return nil, err
	}
	return []resources.Load{
		resources.NewLoad(db, ExportACUs(s.Bytes)),
		resources.NewLoad(s.deps.Resources.IO(), float64(min(ThreadCount, s.Partitions))),
	}, nil
}

func (s *ExportToFiles) taskStore() (tasks.Store, error) {
	if err := s.deps.requireStorage(); err != nil {
		return nil, err
	}
	if s.deps.Tasks == nil || s.deps.Objects == nil {
		return nil, errors.New("export step needs a task store and object storage")
	}
	return s.deps.Tasks, nil
}

// Execute creates the partition tasks and starts dispatching them.
// On resume only unfinalized tasks run again.
func (s *ExportToFiles) Execute(ctx context.Context, resume bool) error {
	store, err := s.taskStore()
	if err != nil {
		return err
	}
	inputs := make([]json.RawMessage, s.Partitions)
	for i := range inputs {
		raw, err := json.Marshal(Partition{
			Index:         i,
			Of:            s.Partitions,
			EntityPerLine: s.Settings.EntityPerLine,
			Compression:   s.Settings.Compression,
		})
		if err != nil {
			return errors.Wrap(err, "encode partition")
		}
		inputs[i] = raw
	}
	if err := store.Init(ctx, s.JobID(), s.ID(), inputs); err != nil {
		return err
	}
	if resume {
		n, err := store.ResetStarted(ctx, s.JobID(), s.ID())
		if err != nil {
			return err
		}
		s.deps.log().Infow("Resuming export",
			logger.FieldStepID, s.ID(),
			logger.FieldCount, n)
	}

	s.mu.Lock()
	s.fatal = nil
	s.mu.Unlock()
	s.start()
	return nil
}

func (s *ExportToFiles) start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.running = true

	workers := min(ThreadCount, s.Partitions)
	var all sync.WaitGroup
	all.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer all.Done()
			s.work(runCtx)
		}()
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		all.Wait()
		cancel()
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()
}

// work runs tasks until none is pending. A failed task that is retried
// is picked up again by a worker still running.
func (s *ExportToFiles) work(ctx context.Context) {
	store := s.deps.Tasks
	for ctx.Err() == nil {
		batch, err := store.NextPending(ctx, s.JobID(), s.ID(), 1)
		if err != nil {
			if ctx.Err() == nil {
				s.setFatal(err)
			}
			return
		}
		if len(batch) == 0 {
			return
		}
		if err := s.runTask(ctx, batch[0]); err != nil {
			s.setFatal(err)
			return
		}
	}
}

func (s *ExportToFiles) runTask(ctx context.Context, task tasks.Task) error {
	var part Partition
	if err := json.Unmarshal(task.Input, &part); err != nil {
		return errors.Wrapf(err, "decode task %d", task.ID)
	}
	db, err := s.deps.database(ctx, s.Database)
	if err != nil {
		return err
	}

	target := s.OutputSets()[0].S3Prefix(s.deps.Bucket) + part.FileName()
	written, err := s.deps.Storage.ExportPartition(ctx, db, s.Space, s.Version, part, target)
	if ctx.Err() != nil {
		// Cancelled: the task stays started and is reset on resume
		return nil
	}
	if err != nil {
		// An exhausted task surfaces through the failed count in Poll
		exhausted, ferr := s.deps.Tasks.Fail(ctx, s.JobID(), s.ID(), task.ID, err, TaskMaxAttempts)
		s.deps.log().Warnw("Export task failed",
			logger.FieldStepID, s.ID(),
			logger.FieldTaskID, task.ID,
			logger.FieldAttempt, task.Attempts+1,
			"exhausted", exhausted,
			logger.FieldError, err)
		return ferr
	}

	s.deps.log().Debugw("Exported partition",
		logger.FieldStepID, s.ID(),
		logger.FieldTaskID, task.ID,
		logger.FieldURI, target,
		"bytes", written)
	return s.deps.Tasks.Finalize(ctx, s.JobID(), s.ID(), task.ID)
}

func (s *ExportToFiles) setFatal(err error) {
	s.mu.Lock()
	if s.fatal == nil {
		s.fatal = err
	}
	s.mu.Unlock()
}

// Poll reports completion once every partition was finalized and failure
// as soon as one task exhausted its attempts
func (s *ExportToFiles) Poll(ctx context.Context) (steps.Outcome, error) {
	store, err := s.taskStore()
	if err != nil {
		return steps.OutcomeFailed, err
	}

	s.mu.Lock()
	fatal, running := s.fatal, s.running
	s.mu.Unlock()
	if fatal != nil {
		s.stop()
		return steps.OutcomeFailed, fatal
	}

	p, err := store.Progress(ctx, s.JobID(), s.ID())
	if err != nil {
		return steps.OutcomeRunning, errors.Mark(err, errors.ErrServiceUnavailable)
	}
	if p.Total == 0 {
		return steps.OutcomeFailed, errors.Newf("export step %s has no tasks", s.ID())
	}
	if p.Failed > 0 {
		s.stop()
		return steps.OutcomeFailed, errors.Newf("%d of %d export tasks failed", p.Failed, p.Total)
	}
	if p.IsComplete() {
		s.Runtime().SetOutput(OutputFileCount, strconv.Itoa(p.Total))
		return steps.OutcomeSucceeded, nil
	}
	if !running {
		// The dispatcher is gone, e.g. a task was requeued after the last worker exited
		s.start()
	}
	return steps.OutcomeRunning, nil
}

func (s *ExportToFiles) stop() {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()
}

// Cancel stops the dispatcher and waits for in-flight tasks to return
func (s *ExportToFiles) Cancel(ctx context.Context) error {
	s.stop()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.Mark(errors.Wrap(ctx.Err(), "wait for export tasks"), errors.ErrTimeout)
	}
}
