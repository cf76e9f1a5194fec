package state

import (
	"fmt"

	execerrors "github.com/legiangthanh/embulk/pkg/errors"
	"github.com/legiangthanh/embulk/pkg/report"
)

// ProcessState is the Run State Tracker: one TaskState per partition and one
// per shard, allocated once and never resized during the run.
type ProcessState struct {
	inputs  []TaskState
	outputs []TaskState
	sized   bool
}

// Resume lists reports committed by a previous attempt, keyed by task index.
type Resume struct {
	InputReports  map[int]report.TaskReport
	OutputReports map[int]report.TaskReport
}

// Empty reports whether nothing was committed before.
func (r Resume) Empty() bool {
	return len(r.InputReports) == 0 && len(r.OutputReports) == 0
}

// New returns a tracker to be sized by the executor's Initialize call.
func New() *ProcessState {
	return &ProcessState{}
}

// NewResumed returns a tracker pre-sized for the given counts with the
// committed tasks of a previous attempt already marked.
func NewResumed(inputCount, outputCount int, resume Resume) (*ProcessState, error) {
	s := New()
	if err := s.Initialize(inputCount, outputCount); err != nil {
		return nil, err
	}
	for i, r := range resume.InputReports {
		if i < 0 || i >= inputCount {
			return nil, execerrors.NewError(execerrors.CodeStateMismatch,
				fmt.Sprintf("resumed input task %d out of range [0, %d)", i, inputCount), execerrors.ErrStateMismatch)
		}
		s.inputs[i].seed(r)
	}
	for i, r := range resume.OutputReports {
		if i < 0 || i >= outputCount {
			return nil, execerrors.NewError(execerrors.CodeStateMismatch,
				fmt.Sprintf("resumed output task %d out of range [0, %d)", i, outputCount), execerrors.ErrStateMismatch)
		}
		s.outputs[i].seed(r)
	}
	return s, nil
}

// Initialize allocates the arenas. On a tracker that is already sized it only
// checks that the counts match.
func (s *ProcessState) Initialize(inputCount, outputCount int) error {
	if inputCount < 0 || outputCount < 0 {
		return execerrors.NewError(execerrors.CodeStateMismatch,
			fmt.Sprintf("negative task counts %d/%d", inputCount, outputCount), execerrors.ErrStateMismatch)
	}
	if s.sized {
		if len(s.inputs) != inputCount || len(s.outputs) != outputCount {
			return execerrors.NewError(execerrors.CodeStateMismatch,
				fmt.Sprintf("state sized for %d/%d tasks, run needs %d/%d",
					len(s.inputs), len(s.outputs), inputCount, outputCount),
				execerrors.ErrStateMismatch)
		}
		return nil
	}
	s.inputs = make([]TaskState, inputCount)
	s.outputs = make([]TaskState, outputCount)
	s.sized = true
	return nil
}

// InputTaskCount returns the number of partitions.
func (s *ProcessState) InputTaskCount() int { return len(s.inputs) }

// OutputTaskCount returns the number of shards.
func (s *ProcessState) OutputTaskCount() int { return len(s.outputs) }

// InputTaskState returns the state of partition i.
func (s *ProcessState) InputTaskState(i int) *TaskState { return &s.inputs[i] }

// OutputTaskState returns the state of shard i.
func (s *ProcessState) OutputTaskState(i int) *TaskState { return &s.outputs[i] }

// Progress is a snapshot over the shard array.
type Progress struct {
	Done    int
	Total   int
	Running int
}

// ProgressSnapshot counts finished and running shards. Resumed shards are
// finished without ever running.
func (s *ProcessState) ProgressSnapshot() Progress {
	p := Progress{Total: len(s.outputs)}
	for i := range s.outputs {
		st := &s.outputs[i]
		finished := st.IsFinished()
		if finished {
			p.Done++
		} else if st.IsStarted() {
			p.Running++
		}
	}
	return p
}
