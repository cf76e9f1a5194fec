package executor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/legiangthanh/embulk/pkg/concurrency"
	execerrors "github.com/legiangthanh/embulk/pkg/errors"
	"github.com/legiangthanh/embulk/pkg/plugin"
	"github.com/legiangthanh/embulk/pkg/plugins/memory"
	"github.com/legiangthanh/embulk/pkg/report"
	"github.com/legiangthanh/embulk/pkg/state"
)

func TestSelectStrategy(t *testing.T) {
	tests := []struct {
		name      string
		input     int
		minOutput int
		expected  Strategy
	}{
		{"fewer partitions than writers", 4, 8, Strategy{StrategyScatter, 4, 2, 8}},
		{"rounds scatter count up", 3, 8, Strategy{StrategyScatter, 3, 3, 9}},
		{"single partition", 1, 5, Strategy{StrategyScatter, 1, 5, 5}},
		{"enough partitions", 8, 8, Strategy{StrategyDirect, 8, 1, 8}},
		{"more partitions", 10, 4, Strategy{StrategyDirect, 10, 1, 10}},
		{"no partitions", 0, 8, Strategy{StrategyDirect, 0, 1, 0}},
		{"no minimum", 3, 0, Strategy{StrategyDirect, 3, 1, 3}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, SelectStrategy(tt.input, tt.minOutput))
		})
	}
}

func TestNewExecutorPicksStrategy(t *testing.T) {
	logger := zaptest.NewLogger(t)

	exec, err := NewExecutor(concurrency.ExecutorConfig{MaxThreads: 4, MinOutputTasks: 8}, 4, logger)
	require.NoError(t, err)
	scatter, ok := exec.(*ScatterExecutor)
	require.True(t, ok)
	assert.Equal(t, 2, scatter.ScatterCount())
	assert.Equal(t, 8, exec.OutputTaskCount())
	assert.Equal(t, 2, scatter.inputPool.Size())
	require.NoError(t, exec.Close())

	exec, err = NewExecutor(concurrency.ExecutorConfig{MaxThreads: 1, MinOutputTasks: 8}, 2, logger)
	require.NoError(t, err)
	assert.Equal(t, 1, exec.(*ScatterExecutor).inputPool.Size(), "input pool never drops below one")
	require.NoError(t, exec.Close())

	exec, err = NewExecutor(concurrency.ExecutorConfig{MaxThreads: 3, MinOutputTasks: 2}, 5, logger)
	require.NoError(t, err)
	direct, ok := exec.(*DirectExecutor)
	require.True(t, ok)
	assert.Equal(t, 5, exec.OutputTaskCount())
	assert.Equal(t, 3, direct.pool.Size())
	require.NoError(t, exec.Close())

	_, err = NewExecutor(concurrency.ExecutorConfig{}, 1, nil)
	assert.ErrorIs(t, err, execerrors.ErrInvalidConfig)
}

func TestTransactionClosesExecutor(t *testing.T) {
	defer goleak.VerifyNone(t)

	l := newLocalExecutor(t, 2, 1, nil)
	var captured Executor
	err := l.Transaction(context.Background(), map[string]interface{}{"min_output_tasks": 6}, plugin.Schema{}, 3,
		func(ctx context.Context, schema plugin.Schema, outputTaskCount int, exec Executor) error {
			captured = exec
			assert.Equal(t, 6, outputTaskCount)
			return nil
		})
	require.NoError(t, err)

	scatter := captured.(*ScatterExecutor)
	assert.True(t, scatter.inputPool.IsShutdown())
	assert.True(t, scatter.outputPool.IsShutdown())
}

func TestTransactionReturnsControlError(t *testing.T) {
	l := newLocalExecutor(t, 2, 1, nil)
	boom := errors.New("planning failed")
	var captured Executor
	err := l.Transaction(context.Background(), nil, plugin.Schema{}, 2,
		func(ctx context.Context, schema plugin.Schema, outputTaskCount int, exec Executor) error {
			captured = exec
			return boom
		})
	assert.ErrorIs(t, err, boom)
	assert.True(t, captured.(*DirectExecutor).pool.IsShutdown())
}

func TestTransactionRejectsBadOverrides(t *testing.T) {
	l := newLocalExecutor(t, 2, 1, nil)
	called := false
	err := l.Transaction(context.Background(), map[string]interface{}{"max_threads": "many"}, plugin.Schema{}, 2,
		func(ctx context.Context, schema plugin.Schema, outputTaskCount int, exec Executor) error {
			called = true
			return nil
		})
	assert.ErrorIs(t, err, execerrors.ErrInvalidConfig)
	assert.False(t, called)
}

func TestRunRejectsResumeOutOfRange(t *testing.T) {
	l := newLocalExecutor(t, 2, 1, nil)
	out := &memory.Output{}
	task := memoryTask(&memory.Input{PagesPerTask: 1, RecordsPerPage: 1}, out)

	_, err := l.Run(context.Background(), nil, task, 2, state.Resume{
		OutputReports: map[int]report.TaskReport{9: report.New()},
	})
	assert.ErrorIs(t, err, execerrors.ErrStateMismatch)
	assert.Empty(t, out.Opened())
}

func TestRunRecordsSpans(t *testing.T) {
	defer goleak.VerifyNone(t)

	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	otel.SetTracerProvider(provider)

	l := newLocalExecutor(t, 4, 4, nil)
	task := memoryTask(&memory.Input{PagesPerTask: 2, RecordsPerPage: 1}, &memory.Output{})
	res, err := l.Run(context.Background(), nil, task, 2, state.Resume{})
	require.NoError(t, err)
	require.True(t, res.Succeeded())
	require.NoError(t, provider.Shutdown(context.Background()))

	counts := map[string]int{}
	var runID string
	for _, span := range recorder.Ended() {
		counts[span.Name()]++
		if span.Name() == spanTransaction {
			for _, attr := range span.Attributes() {
				if attr.Key == "run.id" {
					runID = attr.Value.AsString()
				}
			}
		}
	}
	assert.Equal(t, map[string]int{spanTransaction: 1, spanTask: 2, spanShardCommit: 4}, counts)
	assert.NotEmpty(t, runID)
}

func TestProgressIsLogged(t *testing.T) {
	defer goleak.VerifyNone(t)

	core, logs := observer.New(zapcore.InfoLevel)
	l := newLocalExecutor(t, 2, 1, zap.New(core))
	task := memoryTask(&memory.Input{PagesPerTask: 1, RecordsPerPage: 1}, &memory.Output{})

	_, err := l.Run(context.Background(), nil, task, 3, state.Resume{})
	require.NoError(t, err)

	progress := logs.FilterMessageSnippet("{done:").All()
	require.Len(t, progress, 4, "one line after submission and one per completion")
	last := progress[len(progress)-1]
	assert.Equal(t, "{done:   3 / 3, running: 0}", last.Message)
	assert.Equal(t, int64(3), last.ContextMap()["done"])
	assert.Equal(t, int64(3), last.ContextMap()["total"])
	assert.NotEmpty(t, last.ContextMap()["run_id"])

	assert.Equal(t, 1, logs.FilterMessage("Using local thread executor").Len())
}

func TestTransactionUsesContextRunID(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	l := newLocalExecutor(t, 2, 1, zap.New(core))

	ctx := WithRunID(context.Background(), "nightly-42")
	err := l.Transaction(ctx, nil, plugin.Schema{}, 1,
		func(ctx context.Context, schema plugin.Schema, outputTaskCount int, exec Executor) error {
			id, ok := RunID(ctx)
			assert.True(t, ok)
			assert.Equal(t, "nightly-42", id)
			return nil
		})
	require.NoError(t, err)

	entries := logs.FilterField(zap.String("run_id", "nightly-42")).All()
	assert.NotEmpty(t, entries)

	var generated string
	require.NoError(t, l.Transaction(context.Background(), nil, plugin.Schema{}, 1,
		func(ctx context.Context, schema plugin.Schema, outputTaskCount int, exec Executor) error {
			generated, _ = RunID(ctx)
			return nil
		}))
	assert.Len(t, generated, 36)
}

func TestRunWaitsForWorkersAfterCancel(t *testing.T) {
	defer goleak.VerifyNone(t)

	started := make(chan struct{})
	in := plugin.InputFunc(func(ctx context.Context, task plugin.TaskSource, schema plugin.Schema, taskIndex int, out plugin.PageOutput) (report.TaskReport, error) {
		close(started)
		<-ctx.Done()
		time.Sleep(50 * time.Millisecond)
		return nil, ctx.Err()
	})
	l := newLocalExecutor(t, 1, 1, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()
	res, err := l.Run(ctx, nil, memoryTask(in, &memory.Output{}), 1, state.Resume{})
	require.NoError(t, err)

	assert.Equal(t, state.OutcomeFailed, res.InputOutcomes[0])
	assert.Equal(t, state.OutcomeFailed, res.OutputOutcomes[0])
	assert.True(t, execerrors.IsInterrupted(res.Err()))
}

func TestRunReturnsSnapshotWhenGraceExpires(t *testing.T) {
	defer goleak.VerifyNone(t)

	core, logs := observer.New(zapcore.WarnLevel)
	started := make(chan struct{})
	release := make(chan struct{})
	in := plugin.InputFunc(func(ctx context.Context, task plugin.TaskSource, schema plugin.Schema, taskIndex int, out plugin.PageOutput) (report.TaskReport, error) {
		close(started)
		<-release
		return nil, out.Finish(ctx)
	})
	l := newLocalExecutor(t, 1, 1, zap.New(core))
	l.cancelGrace = 20 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()
	res, err := l.Run(ctx, nil, memoryTask(in, &memory.Output{}), 1, state.Resume{})
	close(release)
	require.NoError(t, err)

	assert.Equal(t, state.OutcomeIncomplete, res.OutputOutcomes[0])
	assert.Equal(t, 1, logs.FilterMessage("Workers still running after cancellation, result is a snapshot").Len())
}
