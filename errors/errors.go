// Package errors re-exports github.com/cockroachdb/errors for hubjobs and
// defines the sentinels the job engine classifies failures with.
//
// Wrap at every boundary so the stack reaches the log line, add a hint where
// an operator can act on the failure, and mark with a sentinel when callers
// branch on the kind of failure:
//
//	if err := store.Update(ctx, j, from); err != nil {
//	    return errors.Wrapf(err, "failed to admit job %s", j.ID)
//	}
//	return errors.WithHint(errors.NewConflictError("job %s is %s", id, state), "wait for it to finish")
//
// See https://pkg.go.dev/github.com/cockroachdb/errors
package errors

import (
	crdb "github.com/cockroachdb/errors"
)

// Creation and wrapping
var (
	New       = crdb.New
	Newf      = crdb.Newf
	Wrap      = crdb.Wrap
	Wrapf     = crdb.Wrapf
	WithStack = crdb.WithStack
	Mark      = crdb.Mark // Is(Mark(err, sentinel), sentinel) holds, the message is unchanged
)

// Operator-facing hints and details
var (
	WithHint       = crdb.WithHint
	WithHintf      = crdb.WithHintf
	WithDetail     = crdb.WithDetail
	WithDetailf    = crdb.WithDetailf
	GetAllHints    = crdb.GetAllHints
	FlattenHints   = crdb.FlattenHints
	FlattenDetails = crdb.FlattenDetails
)

// Inspection
var (
	Is        = crdb.Is
	IsAny     = crdb.IsAny
	As        = crdb.As
	UnwrapAll = crdb.UnwrapAll

	GetReportableStackTrace = crdb.GetReportableStackTrace
	GetStack                = crdb.GetReportableStackTrace
)

var (
	// ErrNotFound: no such job, step, space or object
	ErrNotFound = New("not found")

	// ErrInvalidRequest: a request, step definition or config value is malformed
	ErrInvalidRequest = New("invalid request")

	// ErrServiceUnavailable: the database, compute backend or object storage did not answer.
	// Steps failing with it are retried.
	ErrServiceUnavailable = New("service unavailable")

	// ErrTimeout: a step or a wait ran past its deadline
	ErrTimeout = New("operation timed out")

	// ErrConflict: a state transition lost a race or is not allowed from the current state
	ErrConflict = New("resource conflict")

	// ErrCancelled: the owning job was cancelled
	ErrCancelled = New("cancelled")
)

func IsNotFoundError(err error) bool           { return err != nil && Is(err, ErrNotFound) }
func IsInvalidRequestError(err error) bool     { return err != nil && Is(err, ErrInvalidRequest) }
func IsServiceUnavailableError(err error) bool { return err != nil && Is(err, ErrServiceUnavailable) }
func IsTimeoutError(err error) bool            { return err != nil && Is(err, ErrTimeout) }
func IsConflictError(err error) bool           { return err != nil && Is(err, ErrConflict) }
func IsCancelledError(err error) bool          { return err != nil && Is(err, ErrCancelled) }

// NewNotFoundError wraps ErrNotFound with a formatted message
func NewNotFoundError(format string, args ...interface{}) error {
	return Wrapf(ErrNotFound, format, args...)
}

// NewInvalidRequestError wraps ErrInvalidRequest with a formatted message
func NewInvalidRequestError(format string, args ...interface{}) error {
	return Wrapf(ErrInvalidRequest, format, args...)
}

// NewConflictError wraps ErrConflict with a formatted message
func NewConflictError(format string, args ...interface{}) error {
	return Wrapf(ErrConflict, format, args...)
}
