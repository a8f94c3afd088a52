package job

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/teranos/hubjobs/errors"
	"github.com/teranos/hubjobs/pulse/steps"
)

// Store persists jobs and the runtime state of their steps
type Store struct {
	db    *sql.DB
	codec *steps.Codec
	now   func() time.Time
}

// NewStore creates a store; graphs are encoded with codec
func NewStore(db *sql.DB, codec *steps.Codec) *Store {
	return &Store{db: db, codec: codec, now: utcNow}
}

// SetClock replaces the time source (tests)
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

// Codec is the step codec jobs are decoded with
func (s *Store) Codec() *steps.Codec {
	return s.codec
}

// Create inserts the job and a row per step
func (s *Store) Create(ctx context.Context, j *Job) error {
	if j.Graph == nil {
		return errors.NewInvalidRequestError("job %s has no graph", j.ID)
	}
	graph, err := s.codec.Marshal(j.Graph)
	if err != nil {
		return errors.Wrapf(err, "encode graph of job %s", j.ID)
	}
	source, err := json.Marshal(j.Source)
	if err != nil {
		return errors.Wrap(err, "encode source")
	}
	target, err := json.Marshal(j.Target)
	if err != nil {
		return errors.Wrap(err, "encode target")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin job insert")
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO jobs (
			id, description, source, target, state, graph,
			error_step, error_message, resumable,
			created_at, updated_at, started_at, estimated_end_at,
			completed_at, cancel_requested_at, keep_until
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		j.ID, j.Description, string(source), string(target), j.State, string(graph),
		nullString(j.ErrorStep), nullString(j.ErrorMessage), j.Resumable,
		j.CreatedAt, j.UpdatedAt, j.StartedAt, j.EstimatedEndAt,
		j.CompletedAt, j.CancelRequestedAt, j.KeepUntil,
	)
	if err != nil {
		return errors.WithDetailf(errors.Wrap(err, "failed to create job"), "job: %s", j.ID)
	}

	for id, path := range j.Graph.Paths() {
		step, _ := j.Graph.Find(id)
		if err := s.saveStep(ctx, tx, j.ID, path, step); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "commit job insert")
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func (s *Store) saveStep(ctx context.Context, ex execer, jobID, path string, step steps.Step) error {
	rt := step.Runtime().Snapshot()
	var outputs interface{}
	if len(rt.Outputs) > 0 {
		raw, err := json.Marshal(rt.Outputs)
		if err != nil {
			return errors.Wrap(err, "encode step outputs")
		}
		outputs = string(raw)
	}
	_, err := ex.ExecContext(ctx, `
		INSERT INTO job_steps (
			job_id, step_id, path, type, state, attempts, resume,
			run_id, error, outputs, started_at, finished_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (job_id, step_id) DO UPDATE SET
			state = excluded.state,
			attempts = excluded.attempts,
			resume = excluded.resume,
			run_id = excluded.run_id,
			error = excluded.error,
			outputs = excluded.outputs,
			started_at = excluded.started_at,
			finished_at = excluded.finished_at,
			updated_at = excluded.updated_at
	`,
		jobID, step.ID(), path, step.Type(), step.Runtime().State(), rt.Attempts, rt.Resume,
		nullString(rt.RunID), nullString(rt.Error), outputs, rt.StartedAt, rt.FinishedAt, s.now(),
	)
	if err != nil {
		return errors.WithDetailf(errors.Wrap(err, "failed to save step"), "job: %s, step: %s", jobID, step.ID())
	}
	return nil
}

// SaveStep persists the runtime state of one step
func (s *Store) SaveStep(ctx context.Context, j *Job, step steps.Step) error {
	path, ok := j.Graph.Path(step.ID())
	if !ok {
		return errors.NewNotFoundError("step %s in job %s", step.ID(), j.ID)
	}
	return s.saveStep(ctx, s.db, j.ID, path, step)
}

// StepRow is the persisted state of one step
type StepRow struct {
	StepID  string             `json:"stepId"`
	Path    string             `json:"path"`
	Type    string             `json:"type"`
	Runtime steps.RuntimeState `json:"runtime"`
}

// LoadSteps returns the persisted step rows of a job ordered by path
func (s *Store) LoadSteps(ctx context.Context, jobID string) ([]StepRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT step_id, path, type, state, attempts, resume, run_id, error, outputs, started_at, finished_at
		FROM job_steps WHERE job_id = ? ORDER BY path
	`, jobID)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load steps of job %s", jobID)
	}
	defer rows.Close()

	var out []StepRow
	for rows.Next() {
		var (
			r                   StepRow
			runID, msg, outputs sql.NullString
			started, finished   sql.NullTime
		)
		if err := rows.Scan(&r.StepID, &r.Path, &r.Type, &r.Runtime.State, &r.Runtime.Attempts, &r.Runtime.Resume,
			&runID, &msg, &outputs, &started, &finished); err != nil {
			return nil, errors.Wrap(err, "failed to scan step")
		}
		r.Runtime.RunID = runID.String
		r.Runtime.Error = msg.String
		r.Runtime.StartedAt = nullTime(started)
		r.Runtime.FinishedAt = nullTime(finished)
		if outputs.Valid {
			if err := json.Unmarshal([]byte(outputs.String), &r.Runtime.Outputs); err != nil {
				return nil, errors.Wrapf(err, "decode outputs of step %s", r.StepID)
			}
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating steps")
	}
	return out, nil
}

// Get loads a job with its graph and the runtime state of its steps
func (s *Store) Get(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	j, err := scanJob(row, s.codec)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("job %s", id)
	}
	if err != nil {
		return nil, errors.WithDetailf(errors.Wrap(err, "failed to get job"), "job: %s", id)
	}
	if err := s.restoreSteps(ctx, j); err != nil {
		return nil, err
	}
	return j, nil
}

func (s *Store) restoreSteps(ctx context.Context, j *Job) error {
	rows, err := s.LoadSteps(ctx, j.ID)
	if err != nil {
		return err
	}
	for _, r := range rows {
		if step, ok := j.Graph.Find(r.StepID); ok {
			step.Runtime().Restore(r.Runtime)
		}
	}
	return nil
}

// Update writes the mutable columns of the job if its stored state is still expected.
// A job changed concurrently yields ErrConflict.
func (s *Store) Update(ctx context.Context, j *Job, expected State) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET state = ?,
		    error_step = ?,
		    error_message = ?,
		    resumable = ?,
		    updated_at = ?,
		    started_at = ?,
		    estimated_end_at = ?,
		    completed_at = ?,
		    cancel_requested_at = ?,
		    keep_until = ?
		WHERE id = ? AND state = ?
	`,
		j.State, nullString(j.ErrorStep), nullString(j.ErrorMessage), j.Resumable, j.UpdatedAt,
		j.StartedAt, j.EstimatedEndAt, j.CompletedAt, j.CancelRequestedAt, j.KeepUntil,
		j.ID, expected,
	)
	if err != nil {
		return errors.WithDetailf(errors.Wrap(err, "failed to update job"), "job: %s", j.ID)
	}
	return s.checkUpdated(ctx, res, j.ID, expected)
}

// UpdateState moves a job from one state to another if it is still in from
func (s *Store) UpdateState(ctx context.Context, id string, from, to State) error {
	if !CanTransition(from, to) {
		return errors.NewConflictError("job %s transition %s -> %s not allowed", id, from, to)
	}
	now := s.now()
	var completedAt, cancelAt interface{}
	if to.IsTerminal() {
		completedAt = now
	}
	if to == StateCancelling {
		cancelAt = now
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET state = ?, updated_at = ?,
		    completed_at = COALESCE(?, completed_at),
		    cancel_requested_at = COALESCE(?, cancel_requested_at)
		WHERE id = ? AND state = ?
	`, to, now, completedAt, cancelAt, id, from)
	if err != nil {
		return errors.WithDetailf(errors.Wrap(err, "failed to update job state"), "job: %s", id)
	}
	return s.checkUpdated(ctx, res, id, from)
}

func (s *Store) checkUpdated(ctx context.Context, res sql.Result, id string, expected State) error {
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "rows affected")
	}
	if n > 0 {
		return nil
	}
	var current State
	err = s.db.QueryRowContext(ctx, `SELECT state FROM jobs WHERE id = ?`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return errors.NewNotFoundError("job %s", id)
	}
	if err != nil {
		return errors.Wrap(err, "failed to read job state")
	}
	return errors.NewConflictError("job %s is %s, expected %s", id, current, expected)
}

// ListByState returns the jobs in any of the given states, oldest first
func (s *Store) ListByState(ctx context.Context, states ...State) ([]*Job, error) {
	if len(states) == 0 {
		return nil, nil
	}
	placeholders, args := inStates(states)
	return s.query(ctx, `SELECT `+jobColumns+` FROM jobs WHERE state IN (`+placeholders+`) ORDER BY created_at, id`, args...)
}

// List returns the most recent jobs, optionally of one state
func (s *Store) List(ctx context.Context, state State, limit int) ([]*Job, error) {
	if limit <= 0 {
		limit = 100
	}
	if state != "" {
		return s.query(ctx, `SELECT `+jobColumns+` FROM jobs WHERE state = ? ORDER BY created_at DESC, id LIMIT ?`, state, limit)
	}
	return s.query(ctx, `SELECT `+jobColumns+` FROM jobs ORDER BY created_at DESC, id LIMIT ?`, limit)
}

func (s *Store) query(ctx context.Context, query string, args ...interface{}) ([]*Job, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list jobs")
	}
	var jobs []*Job
	for rows.Next() {
		j, err := scanJob(rows, s.codec)
		if err != nil {
			rows.Close()
			return nil, errors.Wrap(err, "failed to scan job")
		}
		jobs = append(jobs, j)
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return nil, errors.Wrap(err, "error iterating jobs")
	}

	// Step rows are read after the job rows are released
	for _, j := range jobs {
		if err := s.restoreSteps(ctx, j); err != nil {
			return nil, err
		}
	}
	return jobs, nil
}

// Delete removes a job; its steps and tasks go with it
func (s *Store) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id)
	if err != nil {
		return errors.WithDetailf(errors.Wrap(err, "failed to delete job"), "job: %s", id)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.NewNotFoundError("job %s", id)
	}
	return nil
}

// ListExpired returns the ids of terminal jobs whose retention ended before now
func (s *Store) ListExpired(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM jobs
		WHERE state IN (?, ?, ?) AND keep_until IS NOT NULL AND keep_until < ?
		ORDER BY keep_until
	`, StateSucceeded, StateFailed, StateCancelled, now.UTC())
	if err != nil {
		return nil, errors.Wrap(err, "failed to list expired jobs")
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrap(err, "failed to scan job id")
		}
		ids = append(ids, id)
	}
	return ids, errors.Wrap(rows.Err(), "error iterating expired jobs")
}

// Timestamps are compared as text by SQLite, so all of them are stored in UTC
func utcNow() time.Time {
	return time.Now().UTC()
}

// ListStates maps the ids of jobs in any of the given states to their state
func (s *Store) ListStates(ctx context.Context, states ...State) (map[string]State, error) {
	out := make(map[string]State)
	if len(states) == 0 {
		return out, nil
	}
	placeholders, args := inStates(states)
	rows, err := s.db.QueryContext(ctx, `SELECT id, state FROM jobs WHERE state IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list job states")
	}
	defer rows.Close()

	for rows.Next() {
		var (
			id    string
			state State
		)
		if err := rows.Scan(&id, &state); err != nil {
			return nil, errors.Wrap(err, "failed to scan job state")
		}
		out[id] = state
	}
	return out, errors.Wrap(rows.Err(), "error iterating job states")
}

func inStates(states []State) (string, []interface{}) {
	args := make([]interface{}, len(states))
	for i, st := range states {
		args[i] = st
	}
	return strings.TrimSuffix(strings.Repeat("?, ", len(states)), ", "), args
}
