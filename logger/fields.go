package logger

import (
	"context"
)

// Structured field names shared by the executor, job service and steps
const (
	FieldJobID   = "job_id"
	FieldStepID  = "step_id"
	FieldTaskID  = "task_id"
	FieldRunID   = "run_id" // compute backend run
	FieldSpaceID = "space_id"

	FieldStepType = "step_type"
	FieldResource = "resource"
	FieldNeeded   = "needed_units"

	FieldError   = "error"
	FieldAttempt = "attempt"
	FieldTimeout = "timeout"
	FieldCount   = "count"

	FieldState     = "state"
	FieldFromState = "from_state"
	FieldToState   = "to_state"
	FieldMode      = "mode"
	FieldURI       = "uri"

	FieldSymbol = "symbol" // ꩜, ✿, ❀, ⟶
)

type contextKey int

const (
	jobIDKey contextKey = iota
	stepIDKey
)

// WithJobID tags ctx with the job a step runs for
func WithJobID(ctx context.Context, jobID string) context.Context {
	return context.WithValue(ctx, jobIDKey, jobID)
}

// WithStepID tags ctx with the running step
func WithStepID(ctx context.Context, stepID string) context.Context {
	return context.WithValue(ctx, stepIDKey, stepID)
}

// FieldsFromContext returns the job and step tags of ctx as key-value pairs for With or Infow.
// Collaborators called from a step use it to attribute their log lines.
func FieldsFromContext(ctx context.Context) []interface{} {
	var fields []interface{}
	if jobID, ok := ctx.Value(jobIDKey).(string); ok && jobID != "" {
		fields = append(fields, FieldJobID, jobID)
	}
	if stepID, ok := ctx.Value(stepIDKey).(string); ok && stepID != "" {
		fields = append(fields, FieldStepID, stepID)
	}
	return fields
}
