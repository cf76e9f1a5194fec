package errors

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInterruptedMatchesSentinelAndCause(t *testing.T) {
	err := Interrupted(context.Canceled)

	assert.True(t, IsInterrupted(err))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Contains(t, err.Error(), CodeInterrupted)

	var coded *Error
	assert.True(t, errors.As(err, &coded))
	assert.Equal(t, CodeInterrupted, coded.Code)
}

func TestInterruptedWithoutCause(t *testing.T) {
	assert.True(t, IsInterrupted(Interrupted(nil)))
}

func TestApplicationErrorIsNotInterruption(t *testing.T) {
	assert.False(t, IsInterrupted(errors.New("disk full")))
	assert.False(t, IsInterrupted(nil))
}

func TestTaskErrorUnwraps(t *testing.T) {
	cause := errors.New("boom")
	err := &TaskError{Kind: TaskKindOutput, Index: 3, Err: cause}

	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "output task 3 failed: boom", err.Error())
}

func TestPanicErrorUnwrapsErrorValues(t *testing.T) {
	cause := errors.New("nil map")
	assert.ErrorIs(t, &PanicError{Value: cause}, cause)
	assert.Nil(t, (&PanicError{Value: "text"}).Unwrap())
}

func TestInvalidConfig(t *testing.T) {
	err := InvalidConfig("max_threads must be an integer, got %q", "x")
	assert.ErrorIs(t, err, ErrInvalidConfig)
	assert.Contains(t, err.Error(), "max_threads")
}
