package sandbox

import (
	"errors"
	"fmt"
)

var (
	// ErrEmptyScript is returned when the script source is empty
	ErrEmptyScript = errors.New("script source cannot be empty")

	// ErrNoEntryPoint is returned when the script does not define Execute
	ErrNoEntryPoint = errors.New("script does not define func Execute(params map[string]interface{}) (interface{}, error)")

	// ErrForbiddenImport is returned when the script imports a package
	// outside the allow-list
	ErrForbiddenImport = errors.New("script imports a forbidden package")

	// ErrExecutionTimeout is returned when script execution exceeds its deadline
	ErrExecutionTimeout = errors.New("script execution timed out")
)

// Phase identifies where a script failure occurred
type Phase string

const (
	PhaseCompile Phase = "compile"
	PhaseRuntime Phase = "runtime"
)

// ScriptExecutionError tags a compile or runtime failure inside an
// operator-authored script. Callers convert it to a structured result
// payload rather than letting it escape.
type ScriptExecutionError struct {
	Phase Phase
	Err   error
}

func (e *ScriptExecutionError) Error() string {
	return fmt.Sprintf("script %s error: %v", e.Phase, e.Err)
}

func (e *ScriptExecutionError) Unwrap() error {
	return e.Err
}

func compileError(err error) *ScriptExecutionError {
	return &ScriptExecutionError{Phase: PhaseCompile, Err: err}
}

func runtimeError(err error) *ScriptExecutionError {
	return &ScriptExecutionError{Phase: PhaseRuntime, Err: err}
}
