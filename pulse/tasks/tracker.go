package tasks

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/teranos/hubjobs/errors"
)

// Task states in the step_tasks table
const (
	taskPending   = "pending"
	taskStarted   = "started"
	taskFinalized = "finalized"
	taskFailed    = "failed"
)

// Tracker is the SQLite task store
type Tracker struct {
	db  *sql.DB
	now func() time.Time
}

// NewTracker creates a tracker over the step_tasks table
func NewTracker(db *sql.DB) *Tracker {
	return &Tracker{db: db, now: func() time.Time { return time.Now().UTC() }}
}

func (t *Tracker) Init(ctx context.Context, jobID, stepID string, inputs []json.RawMessage) error {
	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin task init")
	}
	defer tx.Rollback()

	for i, input := range inputs {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO step_tasks (job_id, step_id, task_id, input, state)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (job_id, step_id, task_id) DO NOTHING
		`, jobID, stepID, i, nullableJSON(input), taskPending)
		if err != nil {
			return errors.WithDetailf(errors.Wrap(err, "insert task"), "job %s step %s task %d", jobID, stepID, i)
		}
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "commit task init")
	}
	return nil
}

func (t *Tracker) NextPending(ctx context.Context, jobID, stepID string, n int) ([]Task, error) {
	if n <= 0 {
		return nil, nil
	}

	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "begin task dispatch")
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT task_id, input, attempts FROM step_tasks
		WHERE job_id = ? AND step_id = ? AND state = ?
		ORDER BY task_id
		LIMIT ?
	`, jobID, stepID, taskPending, n)
	if err != nil {
		return nil, errors.Wrap(err, "query pending tasks")
	}

	var tasks []Task
	for rows.Next() {
		var task Task
		var input sql.NullString
		if err := rows.Scan(&task.ID, &input, &task.Attempts); err != nil {
			rows.Close()
			return nil, errors.Wrap(err, "scan task")
		}
		if input.Valid {
			task.Input = json.RawMessage(input.String)
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, errors.Wrap(err, "iterate tasks")
	}
	rows.Close()

	now := t.now()
	for _, task := range tasks {
		if _, err := tx.ExecContext(ctx, `
			UPDATE step_tasks SET state = ?, started_at = ? WHERE job_id = ? AND step_id = ? AND task_id = ?
		`, taskStarted, now, jobID, stepID, task.ID); err != nil {
			return nil, errors.Wrapf(err, "mark task %d started", task.ID)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "commit task dispatch")
	}
	return tasks, nil
}

func (t *Tracker) Finalize(ctx context.Context, jobID, stepID string, taskID int) error {
	res, err := t.db.ExecContext(ctx, `
		UPDATE step_tasks SET state = ?, finalized_at = ?, error = NULL
		WHERE job_id = ? AND step_id = ? AND task_id = ? AND state != ?
	`, taskFinalized, t.now(), jobID, stepID, taskID, taskFinalized)
	if err != nil {
		return errors.Wrapf(err, "finalize task %d", taskID)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return t.checkExists(ctx, jobID, stepID, taskID)
	}
	return nil
}

func (t *Tracker) Fail(ctx context.Context, jobID, stepID string, taskID int, cause error, maxAttempts int) (bool, error) {
	var attempts int
	var state string
	err := t.db.QueryRowContext(ctx, `
		SELECT attempts, state FROM step_tasks WHERE job_id = ? AND step_id = ? AND task_id = ?
	`, jobID, stepID, taskID).Scan(&attempts, &state)
	if err == sql.ErrNoRows {
		return false, errors.NewNotFoundError("task %d of step %s", taskID, stepID)
	}
	if err != nil {
		return false, errors.Wrapf(err, "read task %d", taskID)
	}
	if state == taskFinalized {
		// A late failure signal for a finished task changes nothing
		return false, nil
	}

	attempts++
	next := taskPending
	exhausted := attempts >= maxAttempts
	if exhausted {
		next = taskFailed
	}

	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	if _, err := t.db.ExecContext(ctx, `
		UPDATE step_tasks SET state = ?, attempts = ?, error = ? WHERE job_id = ? AND step_id = ? AND task_id = ?
	`, next, attempts, msg, jobID, stepID, taskID); err != nil {
		return false, errors.Wrapf(err, "record failure of task %d", taskID)
	}
	return exhausted, nil
}

func (t *Tracker) Progress(ctx context.Context, jobID, stepID string) (TaskProgress, error) {
	var p TaskProgress
	err := t.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN state != ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN state = ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN state = ? THEN 1 ELSE 0 END), 0)
		FROM step_tasks WHERE job_id = ? AND step_id = ?
	`, taskPending, taskFinalized, taskFailed, jobID, stepID).Scan(&p.Total, &p.Started, &p.Finalized, &p.Failed)
	if err != nil {
		return TaskProgress{}, errors.Wrapf(err, "progress of step %s", stepID)
	}
	return p, nil
}

func (t *Tracker) ResetStarted(ctx context.Context, jobID, stepID string) (int, error) {
	res, err := t.db.ExecContext(ctx, `
		UPDATE step_tasks SET state = ?, started_at = NULL WHERE job_id = ? AND step_id = ? AND state = ?
	`, taskPending, jobID, stepID, taskStarted)
	if err != nil {
		return 0, errors.Wrapf(err, "reset started tasks of step %s", stepID)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (t *Tracker) Discard(ctx context.Context, jobID, stepID string) error {
	if _, err := t.db.ExecContext(ctx, `DELETE FROM step_tasks WHERE job_id = ? AND step_id = ?`, jobID, stepID); err != nil {
		return errors.Wrapf(err, "discard tasks of step %s", stepID)
	}
	return nil
}

// Task returns the progress view of a single task
func (t *Tracker) Task(ctx context.Context, jobID, stepID string, taskID int) (TaskProgress, error) {
	var state string
	var input sql.NullString
	err := t.db.QueryRowContext(ctx, `
		SELECT state, input FROM step_tasks WHERE job_id = ? AND step_id = ? AND task_id = ?
	`, jobID, stepID, taskID).Scan(&state, &input)
	if err == sql.ErrNoRows {
		return TaskProgress{}, errors.NewNotFoundError("task %d of step %s", taskID, stepID)
	}
	if err != nil {
		return TaskProgress{}, errors.Wrapf(err, "read task %d", taskID)
	}

	p := TaskProgress{Total: 1, TaskID: &taskID}
	if input.Valid {
		p.TaskInput = json.RawMessage(input.String)
	}
	if state != taskPending {
		p.Started = 1
	}
	switch state {
	case taskFinalized:
		p.Finalized = 1
	case taskFailed:
		p.Failed = 1
	}
	return p, nil
}

func (t *Tracker) checkExists(ctx context.Context, jobID, stepID string, taskID int) error {
	var exists bool
	err := t.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM step_tasks WHERE job_id = ? AND step_id = ? AND task_id = ?)
	`, jobID, stepID, taskID).Scan(&exists)
	if err != nil {
		return errors.Wrapf(err, "check task %d", taskID)
	}
	if !exists {
		return errors.NewNotFoundError("task %d of step %s", taskID, stepID)
	}
	return nil
}

func nullableJSON(raw json.RawMessage) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
