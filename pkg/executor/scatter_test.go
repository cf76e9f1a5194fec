package executor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	execerrors "github.com/legiangthanh/embulk/pkg/errors"
	"github.com/legiangthanh/embulk/pkg/page"
	"github.com/legiangthanh/embulk/pkg/plugin"
	"github.com/legiangthanh/embulk/pkg/plugins/memory"
	"github.com/legiangthanh/embulk/pkg/report"
	"github.com/legiangthanh/embulk/pkg/state"
)

func TestScatterRoundRobinEndToEnd(t *testing.T) {
	defer goleak.VerifyNone(t)

	alloc := page.NewAllocator()
	in := &memory.Input{PagesPerTask: 5, RecordsPerPage: 1, Allocator: alloc}
	out := &memory.Output{}
	l := newLocalExecutor(t, 4, 8, nil)

	res, err := l.Run(context.Background(), nil, memoryTask(in, out), 4, state.Resume{})
	require.NoError(t, err)
	require.True(t, res.Succeeded())
	require.Len(t, res.OutputOutcomes, 8)

	for partition := 0; partition < 4; partition++ {
		even, ok := out.Shard(partition * 2)
		require.True(t, ok)
		odd, ok := out.Shard(partition*2 + 1)
		require.True(t, ok)

		assert.Equal(t, []int{0, 2, 4}, pageNumbers(even))
		assert.Equal(t, []int{1, 3}, pageNumbers(odd))
		for _, r := range append(even.Records(), odd.Records()...) {
			assert.Equal(t, partition, r[memory.KeyTask])
		}
		assert.True(t, even.Committed)
		assert.True(t, even.Finished)
		assert.False(t, odd.Aborted)
		assert.Equal(t, 1, odd.Closes)

		assert.Equal(t, 5, res.InputReports[partition]["pages"])
		assert.Equal(t, 3, res.OutputReports[partition*2]["pages"])
		assert.Equal(t, 2, res.OutputReports[partition*2+1]["pages"])
	}
	assert.Equal(t, page.Stats{Allocated: 20, Released: 20}, alloc.Stats())
}

func TestScatterMarksEveryShardLifecycle(t *testing.T) {
	defer goleak.VerifyNone(t)

	exec, err := NewScatterExecutor(2, 2, 3, zaptest.NewLogger(t))
	require.NoError(t, err)
	st := state.New()
	in := &memory.Input{PagesPerTask: 4, RecordsPerPage: 1}

	require.NoError(t, exec.Execute(context.Background(), memoryTask(in, &memory.Output{}), st))
	require.NoError(t, exec.Close())
	exec.Wait()

	require.Equal(t, 6, st.OutputTaskCount())
	for i := 0; i < 6; i++ {
		shard := st.OutputTaskState(i)
		assert.True(t, shard.IsStarted(), "shard %d", i)
		assert.True(t, shard.IsFinished(), "shard %d", i)
		assert.True(t, shard.IsCommitted(), "shard %d", i)
	}
	assert.Equal(t, state.Progress{Done: 6, Total: 6}, st.ProgressSnapshot())
}

func TestScatterResumesCommittedShards(t *testing.T) {
	defer goleak.VerifyNone(t)

	alloc := page.NewAllocator()
	in := &memory.Input{PagesPerTask: 4, RecordsPerPage: 1, Allocator: alloc}
	out := &memory.Output{}
	l := newLocalExecutor(t, 4, 6, nil)

	res, err := l.Run(context.Background(), nil, memoryTask(in, out), 3, state.Resume{
		InputReports: map[int]report.TaskReport{0: report.New()},
		OutputReports: map[int]report.TaskReport{
			0: report.New(), 1: report.New(),
			3: report.New(),
		},
	})
	require.NoError(t, err)
	require.True(t, res.Succeeded())

	assert.Equal(t, 0, in.Runs(0), "partition with every shard committed is skipped")
	assert.Equal(t, 1, in.Runs(1))
	assert.Equal(t, []int{2, 4, 5}, out.Opened())

	shard, _ := out.Shard(2)
	assert.Equal(t, []int{0, 2}, pageNumbers(shard))
	assert.Equal(t, []state.Outcome{
		state.OutcomeSkipped, state.OutcomeSkipped,
		state.OutcomeCommitted, state.OutcomeSkipped,
		state.OutcomeCommitted, state.OutcomeCommitted,
	}, res.OutputOutcomes)
	assert.Equal(t, int64(0), alloc.Stats().Outstanding(), "pages routed to committed shards are released")
	assert.Equal(t, int64(8), alloc.Stats().Allocated)
}

func TestScatterShardFailureAbortsSiblings(t *testing.T) {
	defer goleak.VerifyNone(t)

	boom := errors.New("write failed")
	alloc := page.NewAllocator()
	in := &memory.Input{PagesPerTask: 6, RecordsPerPage: 1, Allocator: alloc}
	out := &memory.Output{OnAdd: memory.FailOnPage(5, 1, boom)}
	l := newLocalExecutor(t, 4, 8, nil)

	res, err := l.Run(context.Background(), nil, memoryTask(in, out), 4, state.Resume{})
	require.NoError(t, err)
	require.False(t, res.Succeeded())

	assert.Equal(t, state.OutcomeFailed, res.InputOutcomes[2])
	assert.Equal(t, state.OutcomeIncomplete, res.OutputOutcomes[4])
	assert.Equal(t, state.OutcomeFailed, res.OutputOutcomes[5])
	for _, i := range []int{0, 1, 2, 3, 6, 7} {
		assert.Equal(t, state.OutcomeCommitted, res.OutputOutcomes[i], "shard %d", i)
	}

	var shardErr error
	for _, e := range res.Errors {
		if e.Kind == "output" && e.Index == 5 {
			shardErr = e.Err
		}
	}
	assert.Equal(t, boom, shardErr, "the shard carries the output's own error")

	for _, i := range []int{4, 5} {
		shard, _ := out.Shard(i)
		assert.True(t, shard.Aborted, "shard %d", i)
		assert.False(t, shard.Committed, "shard %d", i)
		assert.Equal(t, 1, shard.Closes, "shard %d", i)
	}
	assert.Equal(t, page.Stats{Allocated: 24, Released: 24}, alloc.Stats())
}

func TestScatterCommittedShardIsNeverAborted(t *testing.T) {
	defer goleak.VerifyNone(t)

	boom := errors.New("commit rejected")
	in := &memory.Input{PagesPerTask: 2, RecordsPerPage: 1}
	out := &memory.Output{CommitErrors: map[int]error{1: boom}}
	l := newLocalExecutor(t, 2, 2, nil)

	res, err := l.Run(context.Background(), nil, memoryTask(in, out), 1, state.Resume{})
	require.NoError(t, err)

	first, _ := out.Shard(0)
	second, _ := out.Shard(1)
	assert.True(t, first.Committed)
	assert.False(t, first.Aborted)
	assert.True(t, second.Aborted)

	assert.Equal(t, []state.Outcome{state.OutcomeCommitted, state.OutcomeFailed}, res.OutputOutcomes)
	assert.Equal(t, state.OutcomeFailed, res.InputOutcomes[0])
	assert.ErrorIs(t, res.Err(), boom)
	assert.Contains(t, res.Resume().OutputReports, 0)
}

func TestScatterInputFailureAbortsAllShards(t *testing.T) {
	defer goleak.VerifyNone(t)

	boom := errors.New("source vanished")
	alloc := page.NewAllocator()
	in := &memory.Input{PagesPerTask: 3, RecordsPerPage: 1, Allocator: alloc, Errors: map[int]error{0: boom}}
	out := &memory.Output{}
	l := newLocalExecutor(t, 2, 2, nil)

	res, err := l.Run(context.Background(), nil, memoryTask(in, out), 1, state.Resume{})
	require.NoError(t, err)

	assert.ErrorIs(t, res.Err(), boom)
	assert.Equal(t, []state.Outcome{state.OutcomeIncomplete, state.OutcomeIncomplete}, res.OutputOutcomes)
	for _, i := range []int{0, 1} {
		shard, _ := out.Shard(i)
		assert.True(t, shard.Aborted)
		assert.Equal(t, 1, shard.Closes)
	}
	assert.Equal(t, int64(0), alloc.Stats().Outstanding())
}

func TestScatterOpenFailureClosesOpenedShards(t *testing.T) {
	defer goleak.VerifyNone(t)

	boom := errors.New("no such bucket")
	in := &memory.Input{PagesPerTask: 1, RecordsPerPage: 1}
	out := &memory.Output{OpenErrors: map[int]error{2: boom}}
	l := newLocalExecutor(t, 1, 3, nil)

	res, err := l.Run(context.Background(), nil, memoryTask(in, out), 1, state.Resume{})
	require.NoError(t, err)

	assert.Equal(t, 0, in.Runs(0))
	assert.Equal(t, []int{0, 1}, out.Opened())
	for _, i := range []int{0, 1} {
		shard, _ := out.Shard(i)
		assert.True(t, shard.Aborted)
		assert.Equal(t, 1, shard.Closes)
	}
	assert.Equal(t, state.OutcomeFailed, res.OutputOutcomes[2])
	assert.ErrorIs(t, res.Errors[0], boom)
}

func TestScatterAttachesFilterReports(t *testing.T) {
	defer goleak.VerifyNone(t)

	in := &memory.Input{PagesPerTask: 3, RecordsPerPage: 2, SkipFinish: true}
	out := &memory.Output{}
	counter := &countFilter{name: "count"}
	l := newLocalExecutor(t, 2, 2, nil)

	res, err := l.Run(context.Background(), nil, memoryTask(in, out, counter), 1, state.Resume{})
	require.NoError(t, err)
	require.True(t, res.Succeeded())

	for shard, records := range map[int]int{0: 4, 1: 2} {
		filters, ok := res.OutputReports[shard][report.FilterKey].([]report.TaskReport)
		require.True(t, ok)
		require.Len(t, filters, 1)
		assert.Equal(t, records, filters[0]["records"])

		s, _ := out.Shard(shard)
		assert.True(t, s.Finished)
	}
	assert.Equal(t, int64(2), counter.closes.Load())
}

func TestScatterOutputClosesInReverseOrder(t *testing.T) {
	var order []string
	var closers closerStack
	for _, name := range []string{"tran-0", "filter-0", "tran-1", "filter-1"} {
		closers.push(closeFunc(func() error {
			order = append(order, name)
			return nil
		}))
	}
	boom := errors.New("close failed")
	closers.push(closeFunc(func() error { return boom }))

	assert.ErrorIs(t, closers.closeAll(), boom)
	assert.Equal(t, []string{"filter-1", "tran-1", "filter-0", "tran-0"}, order)
	assert.NoError(t, closers.closeAll())
}

type closeFunc func() error

func (f closeFunc) Close() error { return f() }

var _ plugin.PageOutput = (*scatterOutput)(nil)

func TestScatterInterruptsQueuedPartitionShards(t *testing.T) {
	defer goleak.VerifyNone(t)

	started := make(chan struct{})
	var ran atomic.Int64
	in := plugin.InputFunc(func(ctx context.Context, task plugin.TaskSource, schema plugin.Schema, taskIndex int, out plugin.PageOutput) (report.TaskReport, error) {
		if taskIndex != 0 {
			ran.Add(1)
			return nil, out.Finish(ctx)
		}
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	out := &memory.Output{}

	// One input slot, so partition 1 queues behind partition 0.
	exec, err := NewScatterExecutor(2, 2, 2, zaptest.NewLogger(t))
	require.NoError(t, err)
	st := state.New()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()
	require.NoError(t, exec.Execute(ctx, memoryTask(in, out), st))
	require.NoError(t, exec.Close())
	exec.Wait()

	assert.Zero(t, ran.Load())
	queued := st.InputTaskState(1)
	assert.True(t, queued.IsFinished())
	assert.True(t, execerrors.IsInterrupted(queued.Err()), "%v", queued.Err())
	for shard := 2; shard < 4; shard++ {
		s := st.OutputTaskState(shard)
		assert.True(t, s.IsFinished(), "shard %d", shard)
		assert.True(t, execerrors.IsInterrupted(s.Err()), "shard %d: %v", shard, s.Err())
		_, opened := out.Shard(shard)
		assert.False(t, opened)
	}
	for shard := 0; shard < 2; shard++ {
		assert.True(t, st.OutputTaskState(shard).IsFinished())
		assert.False(t, st.OutputTaskState(shard).IsCommitted())
	}
}
