package executor

import (
	"context"
	"errors"
	"fmt"
	"runtime/pprof"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/legiangthanh/embulk/pkg/concurrency"
	execerrors "github.com/legiangthanh/embulk/pkg/errors"
	"github.com/legiangthanh/embulk/pkg/page"
	"github.com/legiangthanh/embulk/pkg/plugin"
	"github.com/legiangthanh/embulk/pkg/report"
	"github.com/legiangthanh/embulk/pkg/state"
)

// ScatterExecutor runs one input worker per partition and spreads its pages
// round-robin over scatterCount shards, each written by its own output worker.
type ScatterExecutor struct {
	logger       *zap.Logger
	tracer       trace.Tracer
	inputCount   int
	scatterCount int
	inputPool    *concurrency.Pool
	outputPool   *concurrency.Pool
}

// NewScatterExecutor creates a scatter executor. The input pool runs
// max(maxThreads/scatterCount, 1) partitions at once; the output pool grows
// with the number of open shards.
func NewScatterExecutor(maxThreads, inputCount, scatterCount int, logger *zap.Logger) (*ScatterExecutor, error) {
	if logger == nil {
		return nil, execerrors.InvalidConfig("logger cannot be nil")
	}
	if scatterCount < 1 {
		return nil, execerrors.InvalidConfig("scatter count must be positive, got %d", scatterCount)
	}
	inputPool, err := concurrency.NewFixedPool(max(maxThreads/scatterCount, 1), "embulk-input-executor-%d", logger)
	if err != nil {
		return nil, err
	}
	outputPool, err := concurrency.NewCachedPool("embulk-output-executor-%d", logger)
	if err != nil {
		return nil, err
	}
	return &ScatterExecutor{
		logger:       logger,
		tracer:       newTracer(),
		inputCount:   inputCount,
		scatterCount: scatterCount,
		inputPool:    inputPool,
		outputPool:   outputPool,
	}, nil
}

// OutputTaskCount returns inputCount * scatterCount.
func (e *ScatterExecutor) OutputTaskCount() int {
	return e.inputCount * e.scatterCount
}

// ScatterCount returns the number of shards per partition.
func (e *ScatterExecutor) ScatterCount() int {
	return e.scatterCount
}

// Execute runs every partition whose shards are not all committed yet and
// records the outcome of each partition and shard in st.
func (e *ScatterExecutor) Execute(ctx context.Context, task plugin.ProcessTask, st *state.ProcessState) error {
	if err := st.Initialize(e.inputCount, e.OutputTaskCount()); err != nil {
		return err
	}
	runPartitions(ctx, e.logger, st, e.inputCount, e.inputPool,
		func(i int) bool { return e.allShardsCommitted(st, i) },
		func(i int) []*state.TaskState { return e.shardStates(st, i) },
		func(ctx context.Context, i int) error { return e.runPartition(ctx, task, st, i) },
	)
	return nil
}

// Close stops both pools from accepting work. Running workers continue.
func (e *ScatterExecutor) Close() error {
	e.inputPool.Shutdown()
	e.outputPool.Shutdown()
	return nil
}

// Wait blocks until every partition worker and output worker has returned.
func (e *ScatterExecutor) Wait() {
	e.inputPool.Wait()
	e.outputPool.Wait()
	e.inputPool.LogStats("input")
	e.outputPool.LogStats("output")
}

// shardStates returns the output states of partition's shards.
func (e *ScatterExecutor) shardStates(st *state.ProcessState, partition int) []*state.TaskState {
	shards := make([]*state.TaskState, e.scatterCount)
	for k := range shards {
		shards[k] = st.OutputTaskState(partition*e.scatterCount + k)
	}
	return shards
}

func (e *ScatterExecutor) allShardsCommitted(st *state.ProcessState, partition int) bool {
	for k := 0; k < e.scatterCount; k++ {
		if !st.OutputTaskState(partition*e.scatterCount + k).IsCommitted() {
			return false
		}
	}
	return true
}

// runPartition is the input worker of one partition. The partition and all
// of its shards are finished however it returns.
func (e *ScatterExecutor) runPartition(ctx context.Context, task plugin.ProcessTask, st *state.ProcessState, partition int) (err error) {
	name := taskName(partition)
	logger := e.logger.With(zap.String("task", name), zap.String("thread", concurrency.ThreadName(ctx)))
	ctx, span := e.tracer.Start(ctx, spanTask,
		trace.WithAttributes(
			attribute.Int("task.index", partition),
			attribute.String("executor.kind", string(StrategyScatter)),
			attribute.Int("executor.scatter_count", e.scatterCount),
		),
	)

	input := st.InputTaskState(partition)
	shards := e.shardStates(st, partition)
	sink := newScatterOutput(partition, shards, e.tracer, logger)

	defer func() {
		if r := recover(); r != nil {
			err = &execerrors.PanicError{Value: r}
		}
		err = errors.Join(err, sink.cleanup(ctx))
		if err != nil {
			input.SetError(err)
			logger.Error("Task failed", zap.Error(err))
		}
		input.Finish()
		for _, s := range shards {
			s.Finish()
		}
		endSpan(span, err)
	}()

	pprof.Do(ctx, pprof.Labels("task", name), func(ctx context.Context) {
		err = e.scatter(ctx, task, partition, input, sink)
	})
	return err
}

func (e *ScatterExecutor) scatter(ctx context.Context, task plugin.ProcessTask, partition int, input *state.TaskState, sink *scatterOutput) error {
	if err := sink.open(ctx, task, e.outputPool); err != nil {
		return err
	}

	input.Start()
	for _, s := range sink.shards {
		s.Start()
	}

	inputReport, err := task.Input.Run(ctx, task.InputTask, task.InputSchema, partition, sink)
	if err != nil {
		return err
	}
	input.SetReport(report.OrEmpty(inputReport))

	return sink.commit(ctx)
}

// scatterOutput is the page sink handed to the input of one partition. Slot
// k of each array belongs to shard partition*K+k; slots of shards committed
// by a previous attempt stay empty.
type scatterOutput struct {
	partition int
	shards    []*state.TaskState
	tracer    trace.Tracer
	logger    *zap.Logger

	trans     []plugin.TransactionalPageOutput
	chains    []*plugin.OpenedChain
	outs      []*trackedOutput
	workers   []*OutputWorker
	committed []bool
	closers   closerStack

	pageCount int
}

func newScatterOutput(partition int, shards []*state.TaskState, tracer trace.Tracer, logger *zap.Logger) *scatterOutput {
	k := len(shards)
	return &scatterOutput{
		partition: partition,
		shards:    shards,
		tracer:    tracer,
		logger:    logger,
		trans:     make([]plugin.TransactionalPageOutput, k),
		chains:    make([]*plugin.OpenedChain, k),
		outs:      make([]*trackedOutput, k),
		workers:   make([]*OutputWorker, k),
		committed: make([]bool, k),
	}
}

func (o *scatterOutput) shardIndex(k int) int {
	return o.partition*len(o.shards) + k
}

// open opens the output and filter chain of every shard not yet committed and
// starts its output worker. Everything opened is registered for close.
func (o *scatterOutput) open(ctx context.Context, task plugin.ProcessTask, pool *concurrency.Pool) error {
	for k, shard := range o.shards {
		if shard.IsCommitted() {
			continue
		}
		index := o.shardIndex(k)
		tran, err := task.Output.Open(ctx, task.OutputTask, task.OutputSchema, index)
		if err != nil {
			err = fmt.Errorf("failed to open output %d: %w", index, err)
			shard.SetError(err)
			return err
		}
		o.trans[k] = tran
		o.closers.push(tran)
	}

	for k, tran := range o.trans {
		if tran == nil {
			continue
		}
		chain, err := task.Filters.Open(ctx, tran)
		if err != nil {
			o.shards[k].SetError(err)
			return err
		}
		o.chains[k] = chain
		if task.Filters.Len() > 0 {
			o.closers.push(chain.Out)
		}
		o.outs[k] = &trackedOutput{PageOutput: chain.Out}
	}

	for k, out := range o.outs {
		if out != nil {
			o.workers[k] = StartOutputWorker(ctx, pool, out, o.logger)
		}
	}
	return nil
}

// Add routes p to shard pageCount mod K. A page for a shard committed by a
// previous attempt is released at once.
func (o *scatterOutput) Add(ctx context.Context, p *page.Page) error {
	k := o.pageCount % len(o.shards)
	o.pageCount++

	w := o.workers[k]
	if w == nil {
		p.Release()
		return nil
	}
	return w.Add(ctx, p)
}

// Finish drains every output worker and finishes each shard's filtered output.
func (o *scatterOutput) Finish(ctx context.Context) error {
	if err := o.completeWorkers(ctx); err != nil {
		return err
	}
	return o.finishOutputs(ctx)
}

// Close is a no-op; the partition worker closes the shards it opened.
func (o *scatterOutput) Close() error {
	return nil
}

func (o *scatterOutput) finishOutputs(ctx context.Context) error {
	for k, out := range o.outs {
		if out == nil {
			continue
		}
		if err := out.finishIfNeeded(ctx); err != nil {
			o.shards[k].SetError(err)
			return err
		}
	}
	return nil
}

// completeWorkers signals every running worker that input is over and joins
// all of them. A failing worker's error is recorded on its shard; the first
// one is returned.
func (o *scatterOutput) completeWorkers(ctx context.Context) error {
	var first error
	for k, w := range o.workers {
		if w == nil {
			continue
		}
		err := w.SignalDone(ctx)
		// The worker is marked done now, so it exits after its current page.
		if joinErr := w.Join(context.WithoutCancel(ctx)); joinErr != nil {
			err = joinErr
		}
		o.workers[k] = nil
		if err != nil {
			o.shards[k].SetError(err)
			if first == nil {
				first = err
			}
		}
	}
	return first
}

// commit commits every opened shard in order once all workers drained.
func (o *scatterOutput) commit(ctx context.Context) error {
	if err := o.Finish(ctx); err != nil {
		return err
	}
	for k, tran := range o.trans {
		if tran == nil || o.committed[k] {
			continue
		}
		if err := o.commitShard(ctx, k, tran); err != nil {
			return err
		}
	}
	return nil
}

func (o *scatterOutput) commitShard(ctx context.Context, k int, tran plugin.TransactionalPageOutput) (err error) {
	index := o.shardIndex(k)
	ctx, span := o.tracer.Start(ctx, spanShardCommit, trace.WithAttributes(attribute.Int("shard.index", index)))
	defer func() { endSpan(span, err) }()

	r, err := tran.Commit(ctx)
	if err != nil {
		err = fmt.Errorf("failed to commit output %d: %w", index, err)
		o.shards[k].SetError(err)
		return err
	}
	o.committed[k] = true
	o.shards[k].SetReport(withFilterReports(r, report.FilterKey, o.chains[k].Reports()))
	return nil
}

// cleanup stops any worker still running, aborts every shard that did not
// commit and closes everything opened, newest first.
func (o *scatterOutput) cleanup(ctx context.Context) error {
	errs := []error{o.completeWorkers(ctx)}
	for k, tran := range o.trans {
		if tran == nil || o.committed[k] {
			continue
		}
		if err := tran.Abort(); err != nil {
			errs = append(errs, fmt.Errorf("failed to abort output %d: %w", o.shardIndex(k), err))
		}
	}
	errs = append(errs, o.closers.closeAll())
	return errors.Join(errs...)
}
