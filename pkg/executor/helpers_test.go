package executor

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/legiangthanh/embulk/pkg/concurrency"
	"github.com/legiangthanh/embulk/pkg/page"
	"github.com/legiangthanh/embulk/pkg/plugin"
	"github.com/legiangthanh/embulk/pkg/plugins/memory"
	"github.com/legiangthanh/embulk/pkg/report"
)

func newLocalExecutor(t *testing.T, maxThreads, minOutputTasks int, logger *zap.Logger) *LocalExecutor {
	t.Helper()
	if logger == nil {
		logger = zaptest.NewLogger(t)
	}
	cfg := concurrency.ExecutorConfig{MaxThreads: maxThreads, MinOutputTasks: minOutputTasks}
	l, err := NewLocalExecutor(cfg, logger)
	require.NoError(t, err)
	return l
}

func memoryTask(in plugin.InputPlugin, out plugin.OutputPlugin, filters ...plugin.FilterPlugin) plugin.ProcessTask {
	schema := plugin.Schema{Columns: []plugin.Column{
		{Name: memory.KeyTask, Type: "long"},
		{Name: memory.KeyPage, Type: "long"},
		{Name: memory.KeyRow, Type: "long"},
	}}
	chain := plugin.FilterChain{Plugins: filters}
	if len(filters) > 0 {
		chain.TaskSources = make([]plugin.TaskSource, len(filters))
		chain.Schemas = make([]plugin.Schema, len(filters)+1)
		for i := range chain.Schemas {
			chain.Schemas[i] = schema
		}
	}
	return plugin.ProcessTask{
		Input:        in,
		InputSchema:  schema,
		Filters:      chain,
		Output:       out,
		OutputSchema: schema,
	}
}

// countFilter counts the records passing through each opened output.
type countFilter struct {
	name   string
	closes atomic.Int64
}

func (f *countFilter) Open(ctx context.Context, task plugin.TaskSource, in, out plugin.Schema, next plugin.PageOutput) (plugin.PageOutput, error) {
	return &countOutput{filter: f, next: next}, nil
}

type countOutput struct {
	filter   *countFilter
	next     plugin.PageOutput
	records  atomic.Int64
	finished atomic.Bool
}

func (o *countOutput) Add(ctx context.Context, p *page.Page) error {
	o.records.Add(int64(p.Len()))
	return o.next.Add(ctx, p)
}

func (o *countOutput) Finish(ctx context.Context) error {
	o.finished.Store(true)
	return o.next.Finish(ctx)
}

func (o *countOutput) Close() error {
	o.filter.closes.Add(1)
	return nil
}

func (o *countOutput) TaskReport() (report.TaskReport, bool) {
	return report.New().Set("filter", o.filter.name).Set("records", int(o.records.Load())), true
}
