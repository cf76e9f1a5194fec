package executor

import (
	"context"
	"runtime/pprof"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/legiangthanh/embulk/pkg/concurrency"
	execerrors "github.com/legiangthanh/embulk/pkg/errors"
	"github.com/legiangthanh/embulk/pkg/plugin"
	"github.com/legiangthanh/embulk/pkg/state"
)

// DirectExecutor runs one pipeline per partition, each writing to the shard
// with the same index.
type DirectExecutor struct {
	logger     *zap.Logger
	tracer     trace.Tracer
	inputCount int
	pool       *concurrency.Pool
}

// NewDirectExecutor creates a direct executor running at most maxThreads
// partitions at once.
func NewDirectExecutor(maxThreads, inputCount int, logger *zap.Logger) (*DirectExecutor, error) {
	if logger == nil {
		return nil, execerrors.InvalidConfig("logger cannot be nil")
	}
	pool, err := concurrency.NewFixedPool(max(maxThreads, 1), "embulk-executor-%d", logger)
	if err != nil {
		return nil, err
	}
	return &DirectExecutor{
		logger:     logger,
		tracer:     newTracer(),
		inputCount: inputCount,
		pool:       pool,
	}, nil
}

// OutputTaskCount equals the input task count.
func (e *DirectExecutor) OutputTaskCount() int {
	return e.inputCount
}

// Execute runs every partition whose shard is not committed yet and records
// the outcome of each in st.
func (e *DirectExecutor) Execute(ctx context.Context, task plugin.ProcessTask, st *state.ProcessState) error {
	if err := st.Initialize(e.inputCount, e.inputCount); err != nil {
		return err
	}
	runPartitions(ctx, e.logger, st, e.inputCount, e.pool,
		func(i int) bool { return st.OutputTaskState(i).IsCommitted() },
		func(i int) []*state.TaskState { return []*state.TaskState{st.OutputTaskState(i)} },
		func(ctx context.Context, i int) error { return e.runTask(ctx, task, st, i) },
	)
	return nil
}

// Close stops the pool from accepting work. Running tasks continue.
func (e *DirectExecutor) Close() error {
	e.pool.Shutdown()
	return nil
}

// Wait blocks until every submitted task has returned.
func (e *DirectExecutor) Wait() {
	e.pool.Wait()
	e.pool.LogStats("executor")
}

// runTask runs the pipeline of one partition and records its error on both
// the partition and its shard before finishing them.
func (e *DirectExecutor) runTask(ctx context.Context, task plugin.ProcessTask, st *state.ProcessState, i int) (err error) {
	name := taskName(i)
	logger := e.logger.With(zap.String("task", name), zap.String("thread", concurrency.ThreadName(ctx)))
	ctx, span := e.tracer.Start(ctx, spanTask,
		trace.WithAttributes(
			attribute.Int("task.index", i),
			attribute.String("executor.kind", string(StrategyDirect)),
		),
	)

	input, output := st.InputTaskState(i), st.OutputTaskState(i)
	defer func() {
		if r := recover(); r != nil {
			err = &execerrors.PanicError{Value: r}
		}
		if err != nil {
			input.SetError(err)
			output.SetError(err)
			logger.Error("Task failed", zap.Error(err))
		}
		input.Finish()
		output.Finish()
		endSpan(span, err)
	}()

	pprof.Do(ctx, pprof.Labels("task", name), func(ctx context.Context) {
		err = processTask(ctx, task, i, &stateCallback{input: input, output: output})
	})
	return err
}
