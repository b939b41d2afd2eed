package image

import (
	"errors"
	"fmt"
)

var (
	ErrValidation = errors.New("invalid generation parameters")
	// ErrOutOfMemory means the parameters do not fit the hardware. It is not
	// retried.
	ErrOutOfMemory = errors.New("out of memory")
)

type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// ModelError is any failure inside the pipeline call.
type ModelError struct {
	Op  string
	Err error
}

func (e *ModelError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *ModelError) Unwrap() error { return e.Err }
