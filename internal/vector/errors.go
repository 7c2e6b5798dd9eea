package vector

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidVector is matched by every InvalidVectorError.
	ErrInvalidVector = errors.New("invalid vector")
	// ErrCorruptState is matched by every CorruptStateError.
	ErrCorruptState = errors.New("corrupt index state")
	// ErrPersistence is matched by every PersistenceError.
	ErrPersistence = errors.New("index persistence failed")
)

// InvalidVectorError reports a caller error detected before any mutation:
// wrong dimension, a zero-norm or non-finite vector, an empty key, or k < 1.
type InvalidVectorError struct {
	Reason   string
	Expected int
	Actual   int
}

func (e *InvalidVectorError) Error() string {
	if e.Expected != 0 || e.Actual != 0 {
		return fmt.Sprintf("invalid vector: %s: expected %d, got %d", e.Reason, e.Expected, e.Actual)
	}
	return "invalid vector: " + e.Reason
}

func (e *InvalidVectorError) Is(target error) bool { return target == ErrInvalidVector }

// CorruptStateError reports persisted state that cannot be loaded consistently.
// It is fatal at startup: the index must be restored or reset by an operator.
type CorruptStateError struct {
	Path   string
	Reason string
	Err    error
}

func (e *CorruptStateError) Error() string {
	msg := "corrupt index state"
	if e.Path != "" {
		msg += " at " + e.Path
	}
	msg += ": " + e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *CorruptStateError) Unwrap() error { return e.Err }

func (e *CorruptStateError) Is(target error) bool { return target == ErrCorruptState }

// PersistenceError reports a failed snapshot write. The in-memory store is left
// exactly as it was before the failed Add.
type PersistenceError struct {
	Op   string
	Path string
	Err  error
}

func (e *PersistenceError) Error() string {
	msg := "index persistence failed: " + e.Op
	if e.Path != "" {
		msg += " " + e.Path
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *PersistenceError) Unwrap() error { return e.Err }

func (e *PersistenceError) Is(target error) bool { return target == ErrPersistence }

func invalid(reason string) error {
	return &InvalidVectorError{Reason: reason}
}

func dimensionMismatch(expected, actual int) error {
	return &InvalidVectorError{Reason: "dimension mismatch", Expected: expected, Actual: actual}
}
