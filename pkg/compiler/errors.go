package compiler

import "fmt"

// TransformError is a loader failure in one module. Line is 1-based and zero
// when unknown.
type TransformError struct {
	Module string
	Line   int
	Column int
	Err    error
}

func (e *TransformError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("transform %s:%d:%d: %v", e.Module, e.Line, e.Column, e.Err)
	}
	return fmt.Sprintf("transform %s: %v", e.Module, e.Err)
}

func (e *TransformError) Unwrap() error { return e.Err }
