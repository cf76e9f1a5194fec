// Package state tracks the lifecycle of every partition and shard of a run.
//
// Slots live in fixed arenas allocated once per run. Each slot is written by
// the goroutine that owns its index; the progress reporter and the
// orchestrator read slots concurrently, so every field is atomic.
package state

import (
	"sync/atomic"

	"github.com/legiangthanh/embulk/pkg/report"
)

// TaskState is the lifecycle of one partition (input task) or shard (output task).
type TaskState struct {
	started   atomic.Bool
	finished  atomic.Bool
	committed atomic.Bool
	resumed   atomic.Bool
	report    atomic.Pointer[report.TaskReport]
	err       atomic.Pointer[errorBox]
}

type errorBox struct {
	err error
}

// Start marks the task started. No-op once finished.
func (s *TaskState) Start() {
	if s.finished.Load() {
		return
	}
	s.started.Store(true)
}

// Finish marks the task finished. Later mutations are ignored.
func (s *TaskState) Finish() {
	s.finished.Store(true)
}

// SetReport records the task's report and marks it committed.
// Returns false when the task is already finished.
func (s *TaskState) SetReport(r report.TaskReport) bool {
	if s.finished.Load() {
		return false
	}
	r = report.OrEmpty(r)
	s.report.Store(&r)
	s.committed.Store(true)
	return true
}

// SetError records the task's error. Only the first error is kept.
// Returns false when the error was not recorded.
func (s *TaskState) SetError(err error) bool {
	if err == nil || s.finished.Load() {
		return false
	}
	return s.err.CompareAndSwap(nil, &errorBox{err: err})
}

// IsStarted reports whether the task was started in this run.
func (s *TaskState) IsStarted() bool { return s.started.Load() }

// IsFinished reports whether the task has finished, successfully or not.
func (s *TaskState) IsFinished() bool { return s.finished.Load() }

// IsCommitted reports whether the task committed without error. A task
// carrying an error is never committed.
func (s *TaskState) IsCommitted() bool {
	return s.committed.Load() && s.err.Load() == nil
}

// IsResumed reports whether the task was committed by a previous attempt.
func (s *TaskState) IsResumed() bool { return s.resumed.Load() }

// Report returns the committed report, if any.
func (s *TaskState) Report() (report.TaskReport, bool) {
	r := s.report.Load()
	if r == nil {
		return nil, false
	}
	return *r, true
}

// Err returns the recorded error, if any.
func (s *TaskState) Err() error {
	if b := s.err.Load(); b != nil {
		return b.err
	}
	return nil
}

// seed marks the task as committed by a previous attempt.
func (s *TaskState) seed(r report.TaskReport) {
	r = report.OrEmpty(r)
	s.report.Store(&r)
	s.committed.Store(true)
	s.resumed.Store(true)
	s.finished.Store(true)
}

// Outcome summarises a finished (or abandoned) task.
type Outcome string

const (
	OutcomeCommitted  Outcome = "committed"
	OutcomeFailed     Outcome = "failed"
	OutcomeSkipped    Outcome = "skipped"
	OutcomeIncomplete Outcome = "incomplete"
)

// Outcome classifies the task. Resumed tasks are Skipped, tasks with an error
// are Failed, and tasks that neither committed nor failed (aborted, never
// run) are Incomplete.
func (s *TaskState) Outcome() Outcome {
	switch {
	case s.IsResumed():
		return OutcomeSkipped
	case s.Err() != nil:
		return OutcomeFailed
	case s.IsCommitted():
		return OutcomeCommitted
	default:
		return OutcomeIncomplete
	}
}
