package pipeline

import (
	"fmt"
)

// PipelineMissingError is returned when a query names a pipeline that is not loaded.
type PipelineMissingError struct {
	UUID string
}

func (e *PipelineMissingError) Error() string {
	return fmt.Sprintf("pipeline %q not found", e.UUID)
}

// StageError wraps a failure raised while a stage was processing.
type StageError struct {
	Stage string
	Cause error
	Stack string
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s: %v", e.Stage, e.Cause)
}

func (e *StageError) Unwrap() error {
	return e.Cause
}

// panicError carries a recovered panic value.
type panicError struct {
	value any
}

func (e *panicError) Error() string {
	return fmt.Sprintf("panic: %v", e.value)
}
