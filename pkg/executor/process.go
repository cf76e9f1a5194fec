package executor

import (
	"context"
	"errors"
	"fmt"

	"github.com/legiangthanh/embulk/pkg/plugin"
	"github.com/legiangthanh/embulk/pkg/report"
	"github.com/legiangthanh/embulk/pkg/state"
)

// processCallback receives the lifecycle events of one pipeline run.
type processCallback interface {
	started()
	inputCommitted(r report.TaskReport)
	outputCommitted(r report.TaskReport)
}

// stateCallback writes lifecycle events to a partition and its shard.
type stateCallback struct {
	input  *state.TaskState
	output *state.TaskState
}

func (c *stateCallback) started() {
	c.input.Start()
	c.output.Start()
}

func (c *stateCallback) inputCommitted(r report.TaskReport) {
	c.input.SetReport(r)
}

func (c *stateCallback) outputCommitted(r report.TaskReport) {
	c.output.SetReport(r)
}

// processTask runs the input, filter and output stages for one partition
// writing to a single shard with the same index.
//
// The output is aborted unless it committed, then every opened stream is
// closed in reverse order. Abort and close errors are joined onto the
// returned error.
func processTask(ctx context.Context, task plugin.ProcessTask, taskIndex int, cb processCallback) (err error) {
	tran, err := task.Output.Open(ctx, task.OutputTask, task.OutputSchema, taskIndex)
	if err != nil {
		return fmt.Errorf("failed to open output %d: %w", taskIndex, err)
	}
	cb.started()

	var closers closerStack
	closers.push(tran)
	committed := false
	defer func() {
		err = errors.Join(err, closers.closeAll())
	}()
	defer func() {
		if committed {
			return
		}
		if abortErr := tran.Abort(); abortErr != nil {
			err = errors.Join(err, fmt.Errorf("failed to abort output %d: %w", taskIndex, abortErr))
		}
	}()

	chain, err := task.Filters.Open(ctx, tran)
	if err != nil {
		return err
	}
	if task.Filters.Len() > 0 {
		closers.push(chain.Out)
	}
	out := &trackedOutput{PageOutput: chain.Out}

	inputReport, err := task.Input.Run(ctx, task.InputTask, task.InputSchema, taskIndex, out)
	if err != nil {
		return err
	}
	if err := out.finishIfNeeded(ctx); err != nil {
		return err
	}
	cb.inputCommitted(report.OrEmpty(inputReport))

	outputReport, err := tran.Commit(ctx)
	if err != nil {
		return fmt.Errorf("failed to commit output %d: %w", taskIndex, err)
	}
	committed = true

	cb.outputCommitted(withFilterReports(outputReport, report.FilteredKey, chain.Reports()))
	return nil
}

// withFilterReports attaches filter reports to r under key when there are any.
func withFilterReports(r report.TaskReport, key string, filters []report.TaskReport) report.TaskReport {
	r = report.OrEmpty(r)
	if len(filters) == 0 {
		return r
	}
	r = r.Clone()
	r[key] = filters
	return r
}
