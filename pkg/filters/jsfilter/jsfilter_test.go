package jsfilter

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	execerrors "github.com/legiangthanh/embulk/pkg/errors"
	"github.com/legiangthanh/embulk/pkg/page"
	"github.com/legiangthanh/embulk/pkg/plugin"
	"github.com/legiangthanh/embulk/pkg/plugins/memory"
)

func openFilter(t *testing.T, task plugin.TaskSource) (plugin.PageOutput, *memory.Output) {
	t.Helper()
	f, err := New(zaptest.NewLogger(t))
	require.NoError(t, err)

	sink := &memory.Output{}
	next, err := sink.Open(context.Background(), nil, plugin.Schema{}, 0)
	require.NoError(t, err)

	out, err := f.Open(context.Background(), task, plugin.Schema{}, plugin.Schema{}, next)
	require.NoError(t, err)
	return out, sink
}

func TestScriptTransformsAndDropsRecords(t *testing.T) {
	out, sink := openFilter(t, plugin.TaskSource{
		"script": `
			if (record.status === "deleted") return null;
			record.total = record.price * record.quantity;
			return record;`,
	})

	alloc := page.NewAllocator()
	p := alloc.Allocate([]page.Record{
		{"status": "new", "price": 3, "quantity": 2},
		{"status": "deleted", "price": 1, "quantity": 1},
		{"status": "new", "price": 5, "quantity": 1},
	})
	require.NoError(t, out.Add(context.Background(), p))
	require.NoError(t, out.Finish(context.Background()))
	require.NoError(t, out.Close())

	shard, _ := sink.Shard(0)
	records := shard.Records()
	require.Len(t, records, 2)
	assert.EqualValues(t, 6, records[0]["total"])
	assert.EqualValues(t, 5, records[1]["total"])
	assert.True(t, shard.Finished)
	assert.Equal(t, 0, shard.Closes, "next is closed by the executor")
	assert.Equal(t, int64(0), alloc.Stats().Outstanding())

	r, ok := out.(plugin.ReportingOutput).TaskReport()
	require.True(t, ok)
	assert.Equal(t, Name, r["filter"])
	assert.Equal(t, int64(3), r["records_in"])
	assert.Equal(t, int64(2), r["records_out"])
}

func TestScriptCanReturnNewObject(t *testing.T) {
	out, sink := openFilter(t, plugin.TaskSource{
		"script": `return {id: record.id, name: String(record.name).toUpperCase()};`,
	})

	require.NoError(t, out.Add(context.Background(), page.New([]page.Record{{"id": 1, "name": "ada", "secret": "x"}})))

	shard, _ := sink.Shard(0)
	require.Len(t, shard.Records(), 1)
	got := shard.Records()[0]
	assert.Equal(t, "ADA", got["name"])
	assert.NotContains(t, got, "secret")
}

func TestOpenRejectsBadScripts(t *testing.T) {
	f, err := New(zaptest.NewLogger(t))
	require.NoError(t, err)

	tests := []struct {
		name string
		task plugin.TaskSource
	}{
		{"missing", plugin.TaskSource{}},
		{"syntax", plugin.TaskSource{"script": "return record +"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.Open(context.Background(), tt.task, plugin.Schema{}, plugin.Schema{}, &memoryNext{})
			assert.ErrorIs(t, err, ErrInvalidScript)
		})
	}

	_, err = New(nil)
	assert.ErrorIs(t, err, execerrors.ErrInvalidConfig)
}

func TestSandboxRemovesDangerousGlobals(t *testing.T) {
	out, sink := openFilter(t, plugin.TaskSource{
		"script": `record.require = typeof require; record.process = typeof process; return record;`,
	})
	require.NoError(t, out.Add(context.Background(), page.New([]page.Record{{}})))

	shard, _ := sink.Shard(0)
	assert.Equal(t, "undefined", shard.Records()[0]["require"])
	assert.Equal(t, "undefined", shard.Records()[0]["process"])
}

func TestStrictModeBlocksEval(t *testing.T) {
	out, _ := openFilter(t, plugin.TaskSource{
		"script": `return eval("record");`,
		"strict": true,
	})
	p := page.New([]page.Record{{"a": 1}})
	err := out.Add(context.Background(), p)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "eval is not allowed")
	assert.False(t, p.IsReleased(), "the caller keeps a page the filter rejected")
}

func TestBadResultIsRejected(t *testing.T) {
	out, _ := openFilter(t, plugin.TaskSource{"script": `return 42;`})
	err := out.Add(context.Background(), page.New([]page.Record{{"a": 1}}))
	assert.ErrorIs(t, err, ErrBadResult)
}

func TestScriptTimeout(t *testing.T) {
	out, sink := openFilter(t, plugin.TaskSource{
		"script":     `while (true) {}`,
		"timeout_ms": 20,
	})
	err := out.Add(context.Background(), page.New([]page.Record{{"a": 1}}))
	assert.ErrorIs(t, err, ErrScriptTimeout)

	shard, _ := sink.Shard(0)
	assert.Empty(t, shard.Pages)
}

func TestCancelledContextInterruptsScript(t *testing.T) {
	out, _ := openFilter(t, plugin.TaskSource{
		"script":     `while (true) {}`,
		"timeout_ms": 60000,
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := out.Add(ctx, page.New([]page.Record{{"a": 1}}))
	assert.ErrorIs(t, err, execerrors.ErrExecutionInterrupted)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRuntimeIsReusableAfterTimeout(t *testing.T) {
	out, sink := openFilter(t, plugin.TaskSource{
		"script":     `if (record.spin) { while (true) {} } return record;`,
		"timeout_ms": 20,
	})
	assert.ErrorIs(t, out.Add(context.Background(), page.New([]page.Record{{"spin": true}})), ErrScriptTimeout)
	require.NoError(t, out.Add(context.Background(), page.New([]page.Record{{"spin": false}})))

	shard, _ := sink.Shard(0)
	assert.Len(t, shard.Records(), 1)
}

type memoryNext struct{}

func (memoryNext) Add(ctx context.Context, p *page.Page) error { p.Release(); return nil }
func (memoryNext) Finish(ctx context.Context) error            { return nil }
func (memoryNext) Close() error                                { return nil }
