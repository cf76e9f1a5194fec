// Package executor runs the input, filter and output stages of a pipeline
// over many partitions on the local machine.
//
// A run either maps each partition to one output shard (direct) or spreads
// each partition over several shards (scatter) when there are fewer
// partitions than the minimum number of parallel output writers.
package executor

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/legiangthanh/embulk/pkg/concurrency"
	execerrors "github.com/legiangthanh/embulk/pkg/errors"
	"github.com/legiangthanh/embulk/pkg/plugin"
	"github.com/legiangthanh/embulk/pkg/state"
)

// Executor runs a ProcessTask over every partition.
type Executor interface {
	// OutputTaskCount is the number of shards the output plugin must plan for.
	OutputTaskCount() int
	// Execute sizes st, runs every partition not committed yet and returns
	// once each has completed, failed or been abandoned because ctx was
	// cancelled. Task failures are recorded in st, not returned.
	Execute(ctx context.Context, task plugin.ProcessTask, st *state.ProcessState) error
	// Close stops accepting work. Running tasks are not interrupted.
	Close() error
	// Wait blocks until every task goroutine has returned.
	Wait()
}

// StrategyKind names the way partitions are mapped to shards.
type StrategyKind string

const (
	StrategyDirect  StrategyKind = "direct"
	StrategyScatter StrategyKind = "scatter"
)

// Strategy is the partition to shard mapping chosen for a run.
type Strategy struct {
	Kind         StrategyKind
	InputCount   int
	ScatterCount int
	OutputCount  int
}

// SelectStrategy scatters each partition over ceil(minOutputTasks/inputCount)
// shards when there are fewer partitions than minOutputTasks, and maps
// partitions to shards one to one otherwise.
func SelectStrategy(inputCount, minOutputTasks int) Strategy {
	if inputCount > 0 && inputCount < minOutputTasks {
		scatterCount := (minOutputTasks + inputCount - 1) / inputCount
		return Strategy{
			Kind:         StrategyScatter,
			InputCount:   inputCount,
			ScatterCount: scatterCount,
			OutputCount:  inputCount * scatterCount,
		}
	}
	return Strategy{
		Kind:         StrategyDirect,
		InputCount:   inputCount,
		ScatterCount: 1,
		OutputCount:  inputCount,
	}
}

// NewExecutor builds the executor matching SelectStrategy for cfg.
func NewExecutor(cfg concurrency.ExecutorConfig, inputCount int, logger *zap.Logger) (Executor, error) {
	if logger == nil {
		return nil, execerrors.InvalidConfig("logger cannot be nil")
	}
	strategy := SelectStrategy(inputCount, cfg.MinOutputTasks)

	if strategy.Kind == StrategyScatter {
		logger.Info("Using local thread executor with scatter",
			zap.Int("max_threads", cfg.MaxThreads),
			zap.Int("input_tasks", strategy.InputCount),
			zap.Int("scatter_count", strategy.ScatterCount),
			zap.Int("output_tasks", strategy.OutputCount),
		)
		exec, err := NewScatterExecutor(cfg.MaxThreads, inputCount, strategy.ScatterCount, logger)
		if err != nil {
			return nil, err
		}
		return exec, nil
	}

	logger.Info("Using local thread executor",
		zap.Int("max_threads", cfg.MaxThreads),
		zap.Int("input_tasks", strategy.InputCount),
		zap.Int("output_tasks", strategy.OutputCount),
	)
	exec, err := NewDirectExecutor(cfg.MaxThreads, inputCount, logger)
	if err != nil {
		return nil, err
	}
	return exec, nil
}

// runPartitions submits run for every partition that skip does not reject,
// then waits for each in submission order. A wait cut short by ctx records
// ErrExecutionInterrupted on the partition. A partition whose job never
// started (interrupted in the queue, or rejected by a closed pool) gets the
// error on its input and on every shard, and all of them are finished. On
// return every task still running is cancelled.
func runPartitions(ctx context.Context, logger *zap.Logger, st *state.ProcessState, inputCount int, pool *concurrency.Pool,
	skip func(i int) bool, shards func(i int) []*state.TaskState, run func(ctx context.Context, i int) error) {
	futures := make([]*concurrency.Future, inputCount)
	// claimed decides between the job and the waiter which one settles a
	// partition that has not started yet.
	claimed := make([]atomic.Bool, inputCount)
	defer func() {
		for _, f := range futures {
			if f != nil && !f.IsDone() {
				f.Cancel()
			}
		}
	}()

	for i := 0; i < inputCount; i++ {
		if skip(i) {
			logger.Warn("Skipped resumed task", zap.Int("task_index", i))
			continue
		}
		futures[i] = pool.Submit(ctx, func(ctx context.Context) error {
			if !claimed[i].CompareAndSwap(false, true) {
				return nil
			}
			return run(ctx, i)
		})
	}
	logProgress(logger, st)

	for i, f := range futures {
		if f == nil {
			continue
		}
		// Task errors are recorded by the task itself; this only lands
		// interruptions and tasks that never started.
		if err := f.Wait(ctx); err != nil {
			if claimed[i].CompareAndSwap(false, true) {
				abandonPartition(st.InputTaskState(i), shards(i), err)
				logger.Warn("Task did not start", zap.Int("task_index", i), zap.Error(err))
			} else {
				st.InputTaskState(i).SetError(err)
			}
		}
		logProgress(logger, st)
	}
}

// abandonPartition settles a partition that will never run.
func abandonPartition(input *state.TaskState, shards []*state.TaskState, err error) {
	input.SetError(err)
	input.Finish()
	for _, s := range shards {
		s.SetError(err)
		s.Finish()
	}
}

// Control is called with the executor of a transaction. It plans the output
// for outputTaskCount shards and drives exec.
type Control func(ctx context.Context, outputSchema plugin.Schema, outputTaskCount int, exec Executor) error

// LocalExecutor starts executor transactions on the local machine.
type LocalExecutor struct {
	config      concurrency.ExecutorConfig
	logger      *zap.Logger
	tracer      trace.Tracer
	cancelGrace time.Duration
}

// DefaultCancelGrace bounds how long Run waits for workers after its context
// is cancelled.
const DefaultCancelGrace = 5 * time.Second

// NewLocalExecutor creates a LocalExecutor with process-wide defaults that
// each transaction may override.
func NewLocalExecutor(config concurrency.ExecutorConfig, logger *zap.Logger) (*LocalExecutor, error) {
	if logger == nil {
		return nil, execerrors.InvalidConfig("logger cannot be nil")
	}
	return &LocalExecutor{
		config:      config,
		logger:      logger,
		tracer:      newTracer(),
		cancelGrace: DefaultCancelGrace,
	}, nil
}

// waitWithGrace waits for exec's workers for at most grace. It reports
// whether they all returned.
func waitWithGrace(exec Executor, grace time.Duration) bool {
	done := make(chan struct{})
	go func() {
		exec.Wait()
		close(done)
	}()
	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-done:
		return true
	case <-timer.C:
		return false
	}
}

// Config returns the process-wide settings.
func (l *LocalExecutor) Config() concurrency.ExecutorConfig {
	return l.config
}

type runIDKey struct{}

// WithRunID makes Transaction use id instead of generating a run id.
func WithRunID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, runIDKey{}, id)
}

// RunID returns the run id carried by ctx.
func RunID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(runIDKey{}).(string)
	return id, ok && id != ""
}

// Transaction builds an executor for inputCount partitions with overrides
// applied, passes it to control and closes it when control returns.
func (l *LocalExecutor) Transaction(ctx context.Context, overrides map[string]interface{}, outputSchema plugin.Schema, inputCount int, control Control) (err error) {
	cfg, err := l.config.WithOverrides(overrides)
	if err != nil {
		return err
	}

	runID, ok := RunID(ctx)
	if !ok {
		runID = uuid.NewString()
		ctx = WithRunID(ctx, runID)
	}
	logger := l.logger.With(zap.String("run_id", runID))
	ctx, span := l.tracer.Start(ctx, spanTransaction,
		trace.WithAttributes(
			attribute.String("run.id", runID),
			attribute.Int("executor.input_tasks", inputCount),
			attribute.Int("executor.max_threads", cfg.MaxThreads),
		),
	)
	defer func() { endSpan(span, err) }()

	exec, err := NewExecutor(cfg, inputCount, logger)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, exec.Close())
	}()

	span.SetAttributes(attribute.Int("executor.output_tasks", exec.OutputTaskCount()))
	return control(ctx, outputSchema, exec.OutputTaskCount(), exec)
}

// Run executes task over inputCount partitions in one transaction, skipping
// the tasks resume marks as committed, and returns the per-task result.
// The returned error covers setup only; task failures are in the result.
// When ctx is cancelled Run waits up to a grace period for running workers to
// settle their tasks. Workers that outlive it may still change the tracker,
// so the result is then a snapshot and their tasks show as incomplete.
func (l *LocalExecutor) Run(ctx context.Context, overrides map[string]interface{}, task plugin.ProcessTask, inputCount int, resume state.Resume) (*state.ExecutionResult, error) {
	var result *state.ExecutionResult
	err := l.Transaction(ctx, overrides, task.OutputSchema, inputCount,
		func(ctx context.Context, _ plugin.Schema, outputTaskCount int, exec Executor) error {
			st, err := state.NewResumed(inputCount, outputTaskCount, resume)
			if err != nil {
				return err
			}
			if err := exec.Execute(ctx, task, st); err != nil {
				return err
			}
			if ctx.Err() == nil {
				exec.Wait()
			} else if !waitWithGrace(exec, l.cancelGrace) {
				l.logger.Warn("Workers still running after cancellation, result is a snapshot",
					zap.Duration("grace", l.cancelGrace))
			}
			result = st.Result()
			return nil
		})
	if err != nil {
		return nil, err
	}
	return result, nil
}
