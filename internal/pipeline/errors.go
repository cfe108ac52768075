package pipeline

import "fmt"

// StageError carries the pipeline stage and, where applicable, the component
// a failure originated from. Every pipeline failure surfaces as one.
type StageError struct {
	State     State
	Component string
	Err       error
}

func (e *StageError) Error() string {
	if e.Component != "" {
		return fmt.Sprintf("stage %s: component %s: %v", e.State, e.Component, e.Err)
	}
	return fmt.Sprintf("stage %s: %v", e.State, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}
