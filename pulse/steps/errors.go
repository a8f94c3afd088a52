package steps

import (
	"github.com/teranos/hubjobs/errors"
)

// RetryableError marks a failure that may succeed on another attempt
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string { return e.Err.Error() }
func (e *RetryableError) Unwrap() error { return e.Err }

// Retryable marks err as retryable
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &RetryableError{Err: err}
}

// IsRetryable reports whether a step failure should be retried.
// Timeouts and unavailable collaborators are retryable, cancellation never is.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.IsCancelledError(err) {
		return false
	}
	var re *RetryableError
	if errors.As(err, &re) {
		return true
	}
	return errors.Is(err, errors.ErrTimeout) || errors.Is(err, errors.ErrServiceUnavailable)
}
