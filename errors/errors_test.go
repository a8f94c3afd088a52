package errors

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSentinelClassification(t *testing.T) {
	tests := []struct {
		name string
		err  error
		is   func(error) bool
	}{
		{"not found", NewNotFoundError("job %s", "j-1"), IsNotFoundError},
		{"invalid request", NewInvalidRequestError("bad tag %q", "x"), IsInvalidRequestError},
		{"conflict through wraps", Wrap(NewConflictError("state changed"), "update job"), IsConflictError},
		{"timeout marked", Mark(Wrap(context.DeadlineExceeded, "step count"), ErrTimeout), IsTimeoutError},
		{"unavailable with detail", WithDetail(ErrServiceUnavailable, "backend down"), IsServiceUnavailableError},
		{"cancelled", Wrap(ErrCancelled, "cancelled by the backend"), IsCancelledError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.True(t, tt.is(tt.err))
			assert.False(t, tt.is(nil))
			assert.False(t, tt.is(New("disk full")))
		})
	}
}

func TestMarkKeepsMessageAndCause(t *testing.T) {
	err := Mark(Wrapf(context.DeadlineExceeded, "waiting for job %s", "j-1"), ErrTimeout)

	assert.Equal(t, "waiting for job j-1: context deadline exceeded", err.Error())
	assert.True(t, Is(err, context.DeadlineExceeded))
	assert.True(t, IsAny(err, ErrNotFound, ErrTimeout))
}

type stepError struct{ step string }

func (e *stepError) Error() string { return "step " + e.step + " failed" }

func TestAsThroughWraps(t *testing.T) {
	err := Wrap(WithHint(&stepError{step: "export"}, "inspect the step log"), "job j-1")

	var se *stepError
	require.True(t, As(err, &se))
	assert.Equal(t, "export", se.step)
	assert.Same(t, se, UnwrapAll(err))
}

func TestHintsAndDetailsSurviveWrapping(t *testing.T) {
	err := NewConflictError("job %s is %s", "j-1", "RUNNING")
	err = WithHintf(err, "wait for job %s to finish", "j-1")
	err = WithDetailf(err, "space: %s", "roads")
	err = Wrap(err, "cancel")

	assert.Equal(t, []string{"wait for job j-1 to finish"}, GetAllHints(err))
	assert.Contains(t, FlattenHints(err), "j-1")
	assert.Contains(t, FlattenDetails(err), "space: roads")
	assert.True(t, IsConflictError(err))
}

func TestStackPointsAtCaller(t *testing.T) {
	err := Wrap(New("disk full"), "write outputs")
	assert.Contains(t, fmt.Sprintf("%+v", err), "errors_test.go")
	assert.NotNil(t, GetStack(err))
}

func TestNilPassesThrough(t *testing.T) {
	assert.Nil(t, Wrap(nil, "context"))
	assert.Nil(t, Wrapf(nil, "context %d", 1))
	assert.Nil(t, WithStack(nil))
	assert.Nil(t, WithHint(nil, "hint"))
	assert.Nil(t, WithDetail(nil, "detail"))
}

func ExampleWithHint() {
	err := WithHint(NewConflictError("job j-1 is SUCCEEDED"), "only running jobs can be cancelled")
	fmt.Println(err)
	fmt.Println(GetAllHints(err)[0])
	// Output:
	// job j-1 is SUCCEEDED: resource conflict
	// only running jobs can be cancelled
}
