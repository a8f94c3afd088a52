package compiler

import (
	"fmt"

	"github.com/teranos/hubjobs/errors"
)

// CompilationError is a non-retryable failure to turn a request into steps.
// No step exists when it is returned.
type CompilationError struct {
	Tag      string // source->target of the request
	Compiler string // empty when no compiler was selected
	Err      error
}

func (e *CompilationError) Error() string {
	if e.Compiler != "" {
		return fmt.Sprintf("compile %s with %s: %v", e.Tag, e.Compiler, e.Err)
	}
	return fmt.Sprintf("compile %s: %v", e.Tag, e.Err)
}

func (e *CompilationError) Unwrap() error { return e.Err }

// IsCompilationError reports whether err is or wraps a CompilationError
func IsCompilationError(err error) bool {
	var ce *CompilationError
	return errors.As(err, &ce)
}

// asCompilationError wraps err unless it already is a CompilationError
func asCompilationError(tag, compiler string, err error) error {
	if err == nil {
		return nil
	}
	var ce *CompilationError
	if errors.As(err, &ce) {
		return err
	}
	return &CompilationError{Tag: tag, Compiler: compiler, Err: err}
}
