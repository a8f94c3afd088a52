package job

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/teranos/hubjobs/errors"
	"github.com/teranos/hubjobs/pulse/steps"
)

// jobColumns is the column list of job SELECT queries, in scan order
const jobColumns = `id, description, source, target, state, graph,
		error_step, error_message, resumable,
		created_at, updated_at, started_at, estimated_end_at,
		completed_at, cancel_requested_at, keep_until`

// jobScanArgs holds the nullable and encoded columns of a job row
type jobScanArgs struct {
	Source            string
	Target            string
	Graph             string
	ErrorStep         sql.NullString
	ErrorMessage      sql.NullString
	StartedAt         sql.NullTime
	EstimatedEndAt    sql.NullTime
	CompletedAt       sql.NullTime
	CancelRequestedAt sql.NullTime
	KeepUntil         sql.NullTime
}

func (a *jobScanArgs) targets(j *Job) []interface{} {
	return []interface{}{
		&j.ID,
		&j.Description,
		&a.Source,
		&a.Target,
		&j.State,
		&a.Graph,
		&a.ErrorStep,
		&a.ErrorMessage,
		&j.Resumable,
		&j.CreatedAt,
		&j.UpdatedAt,
		&a.StartedAt,
		&a.EstimatedEndAt,
		&a.CompletedAt,
		&a.CancelRequestedAt,
		&a.KeepUntil,
	}
}

// apply decodes the scanned columns into the job
func (a *jobScanArgs) apply(j *Job, codec *steps.Codec) error {
	if err := json.Unmarshal([]byte(a.Source), &j.Source); err != nil {
		return errors.Wrapf(err, "decode source of job %s", j.ID)
	}
	if err := json.Unmarshal([]byte(a.Target), &j.Target); err != nil {
		return errors.Wrapf(err, "decode target of job %s", j.ID)
	}
	graph, err := codec.Unmarshal([]byte(a.Graph))
	if err != nil {
		return errors.Wrapf(err, "decode graph of job %s", j.ID)
	}
	j.Graph = graph

	j.ErrorStep = a.ErrorStep.String
	j.ErrorMessage = a.ErrorMessage.String
	j.StartedAt = nullTime(a.StartedAt)
	j.EstimatedEndAt = nullTime(a.EstimatedEndAt)
	j.CompletedAt = nullTime(a.CompletedAt)
	j.CancelRequestedAt = nullTime(a.CancelRequestedAt)
	j.KeepUntil = nullTime(a.KeepUntil)
	return nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row scanner, codec *steps.Codec) (*Job, error) {
	var (
		j    Job
		args jobScanArgs
	)
	if err := row.Scan(args.targets(&j)...); err != nil {
		return nil, err
	}
	if err := args.apply(&j, codec); err != nil {
		return nil, err
	}
	return &j, nil
}

func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
