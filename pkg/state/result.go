package state

import (
	"errors"

	execerrors "github.com/legiangthanh/embulk/pkg/errors"
	"github.com/legiangthanh/embulk/pkg/report"
)

// ExecutionResult is the outcome of one run, assembled from the tracker after
// every worker has stopped. It carries one outcome slot per partition and per
// shard; no single failure short-circuits the others.
type ExecutionResult struct {
	InputOutcomes  []Outcome
	OutputOutcomes []Outcome

	// InputReports and OutputReports hold the committed report of each task,
	// nil where the task did not commit.
	InputReports  []report.TaskReport
	OutputReports []report.TaskReport

	// Errors lists every recorded error, inputs first, by index.
	Errors []*execerrors.TaskError
}

// Result assembles the ExecutionResult from the current slot states.
func (s *ProcessState) Result() *ExecutionResult {
	res := &ExecutionResult{
		InputOutcomes:  make([]Outcome, len(s.inputs)),
		OutputOutcomes: make([]Outcome, len(s.outputs)),
		InputReports:   make([]report.TaskReport, len(s.inputs)),
		OutputReports:  make([]report.TaskReport, len(s.outputs)),
	}
	collect := func(kind execerrors.TaskKind, states []TaskState, outcomes []Outcome, reports []report.TaskReport) {
		for i := range states {
			st := &states[i]
			outcomes[i] = st.Outcome()
			if st.IsCommitted() {
				reports[i], _ = st.Report()
			}
			if err := st.Err(); err != nil {
				res.Errors = append(res.Errors, &execerrors.TaskError{Kind: kind, Index: i, Err: err})
			}
		}
	}
	collect(execerrors.TaskKindInput, s.inputs, res.InputOutcomes, res.InputReports)
	collect(execerrors.TaskKindOutput, s.outputs, res.OutputOutcomes, res.OutputReports)
	return res
}

// Succeeded reports whether every partition and shard is committed or skipped.
func (r *ExecutionResult) Succeeded() bool {
	for _, o := range r.InputOutcomes {
		if o != OutcomeCommitted && o != OutcomeSkipped {
			return false
		}
	}
	for _, o := range r.OutputOutcomes {
		if o != OutcomeCommitted && o != OutcomeSkipped {
			return false
		}
	}
	return true
}

// Err joins every recorded task error, or returns nil.
func (r *ExecutionResult) Err() error {
	if len(r.Errors) == 0 {
		return nil
	}
	errs := make([]error, len(r.Errors))
	for i, e := range r.Errors {
		errs[i] = e
	}
	return errors.Join(errs...)
}

// Resume builds the resume seed for the next attempt from the committed tasks
// of this one.
func (r *ExecutionResult) Resume() Resume {
	resume := Resume{
		InputReports:  map[int]report.TaskReport{},
		OutputReports: map[int]report.TaskReport{},
	}
	for i, rep := range r.InputReports {
		if rep != nil {
			resume.InputReports[i] = rep
		}
	}
	for i, rep := range r.OutputReports {
		if rep != nil {
			resume.OutputReports[i] = rep
		}
	}
	return resume
}

// Count returns how many tasks of each outcome the result holds, per side.
func (r *ExecutionResult) Count(kind execerrors.TaskKind, outcome Outcome) int {
	outcomes := r.InputOutcomes
	if kind == execerrors.TaskKindOutput {
		outcomes = r.OutputOutcomes
	}
	n := 0
	for _, o := range outcomes {
		if o == outcome {
			n++
		}
	}
	return n
}
