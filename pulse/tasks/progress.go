// Package tasks tracks the sub-units of tasked steps.
package tasks

import (
	"context"
	"encoding/json"
)

// TaskProgress counts the tasks of one step
type TaskProgress struct {
	Total     int `json:"totalTasks"`
	Started   int `json:"startedTasks"`
	Finalized int `json:"finalizedTasks"`
	Failed    int `json:"failedTasks,omitempty"`

	// Set when the progress describes a single task
	TaskID    *int            `json:"taskId,omitempty"`
	TaskInput json.RawMessage `json:"taskInput,omitempty"`
}

// IsComplete holds exactly when every task was finalized
func (p TaskProgress) IsComplete() bool {
	return p.Total == p.Finalized
}

// Remaining is the number of tasks not yet finalized
func (p TaskProgress) Remaining() int {
	return p.Total - p.Finalized
}

// Task is one dispatched unit of work
type Task struct {
	ID       int
	Input    json.RawMessage
	Attempts int
}

// Store tracks task state of tasked steps
type Store interface {
	// Init creates the tasks of a step. Existing tasks are kept.
	Init(ctx context.Context, jobID, stepID string, inputs []json.RawMessage) error

	// NextPending marks up to n pending tasks started and returns them
	NextPending(ctx context.Context, jobID, stepID string, n int) ([]Task, error)

	// Finalize marks a task done. Finalizing a task twice counts once.
	Finalize(ctx context.Context, jobID, stepID string, taskID int) error

	// Fail records a task failure. The task is pending again while attempts < maxAttempts
	// and reported as exhausted otherwise.
	Fail(ctx context.Context, jobID, stepID string, taskID int, cause error, maxAttempts int) (exhausted bool, err error)

	Progress(ctx context.Context, jobID, stepID string) (TaskProgress, error)

	// ResetStarted puts started but unfinished tasks back to pending
	ResetStarted(ctx context.Context, jobID, stepID string) (int, error)

	// Discard removes all tasks of a step
	Discard(ctx context.Context, jobID, stepID string) error
}
