package errors

import (
	"errors"
	"fmt"
)

var (
	// ErrExecutionInterrupted indicates that a wait was abandoned because the
	// waiting goroutine's context was cancelled. It is never an application error.
	ErrExecutionInterrupted = errors.New("execution interrupted")

	// ErrPoolClosed indicates that work was submitted to a pool after shutdown
	ErrPoolClosed = errors.New("pool is shut down")

	// ErrInvalidConfig indicates that an executor setting could not be used
	ErrInvalidConfig = errors.New("invalid executor configuration")

	// ErrStateMismatch indicates that a pre-sized run state does not match the task counts
	ErrStateMismatch = errors.New("run state does not match task counts")
)

// Error codes attached to structured errors.
const (
	CodeInterrupted   = "execution_interrupted"
	CodePoolClosed    = "pool_closed"
	CodeInvalidConfig = "invalid_config"
	CodeStateMismatch = "state_mismatch"
)

// Error represents a structured executor error
type Error struct {
	// Code is a machine-readable error code
	Code string

	// Message is a human-readable error message
	Message string

	// Err is the underlying error, if any
	Err error
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Err
}

// NewError creates a new structured error
func NewError(code, message string, err error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// Interrupted wraps the cause of an abandoned wait (usually ctx.Err()) so that
// both ErrExecutionInterrupted and the cause match with errors.Is.
func Interrupted(cause error) error {
	if cause == nil {
		return NewError(CodeInterrupted, "wait abandoned", ErrExecutionInterrupted)
	}
	return NewError(CodeInterrupted, "wait abandoned", errors.Join(ErrExecutionInterrupted, cause))
}

// InvalidConfig builds an ErrInvalidConfig error for the given setting
func InvalidConfig(format string, args ...interface{}) error {
	return NewError(CodeInvalidConfig, fmt.Sprintf(format, args...), ErrInvalidConfig)
}

// IsInterrupted checks if an error is an interruption error
func IsInterrupted(err error) bool {
	return errors.Is(err, ErrExecutionInterrupted)
}

// IsPoolClosed checks if an error was caused by submitting to a closed pool
func IsPoolClosed(err error) bool {
	return errors.Is(err, ErrPoolClosed)
}

// TaskKind tells which side of the pipeline a task index refers to.
type TaskKind string

const (
	TaskKindInput  TaskKind = "input"
	TaskKindOutput TaskKind = "output"
)

// TaskError binds an error to the partition or shard that produced it.
type TaskError struct {
	Kind  TaskKind
	Index int
	Err   error
}

// Error implements the error interface
func (e *TaskError) Error() string {
	return fmt.Sprintf("%s task %d failed: %v", e.Kind, e.Index, e.Err)
}

// Unwrap returns the underlying error
func (e *TaskError) Unwrap() error {
	return e.Err
}

// PanicError carries a value recovered from a panicking task.
type PanicError struct {
	Value interface{}
}

// Error implements the error interface
func (e *PanicError) Error() string {
	return fmt.Sprintf("task panicked: %v", e.Value)
}

// Unwrap returns the panic value when it is itself an error
func (e *PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}
