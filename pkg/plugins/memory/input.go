// Package memory provides input and output plugins that keep data in memory.
// They back local runs and record every call for inspection.
package memory

import (
	"context"
	"sync"

	"github.com/legiangthanh/embulk/pkg/page"
	"github.com/legiangthanh/embulk/pkg/plugin"
	"github.com/legiangthanh/embulk/pkg/report"
)

// Record keys written by Input.
const (
	KeyTask = "task"
	KeyPage = "page"
	KeyRow  = "row"
)

// Input generates PagesPerTask pages of RecordsPerPage records for each
// partition. Every record carries its partition, page and row index.
type Input struct {
	PagesPerTask   int
	RecordsPerPage int

	// Allocator tracks generated pages when set.
	Allocator *page.Allocator

	// SkipFinish leaves the output unfinished on return.
	SkipFinish bool

	// Errors fails the given partitions after all their pages were added.
	Errors map[int]error

	mu   sync.Mutex
	runs map[int]int
}

var _ plugin.InputPlugin = (*Input)(nil)

// Run adds the generated pages of partition taskIndex to out.
func (in *Input) Run(ctx context.Context, task plugin.TaskSource, schema plugin.Schema, taskIndex int, out plugin.PageOutput) (report.TaskReport, error) {
	in.mu.Lock()
	if in.runs == nil {
		in.runs = map[int]int{}
	}
	in.runs[taskIndex]++
	in.mu.Unlock()

	records := 0
	for n := 0; n < in.PagesPerTask; n++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		p := in.newPage(taskIndex, n)
		records += p.Len()
		if err := out.Add(ctx, p); err != nil {
			p.Release()
			return nil, err
		}
	}

	if err := in.Errors[taskIndex]; err != nil {
		return nil, err
	}
	if !in.SkipFinish {
		if err := out.Finish(ctx); err != nil {
			return nil, err
		}
	}
	return report.New().Set("pages", in.PagesPerTask).Set("records", records), nil
}

func (in *Input) newPage(taskIndex, n int) *page.Page {
	records := make([]page.Record, in.RecordsPerPage)
	for r := range records {
		records[r] = page.Record{KeyTask: taskIndex, KeyPage: n, KeyRow: r}
	}
	if in.Allocator != nil {
		return in.Allocator.Allocate(records)
	}
	return page.New(records)
}

// Runs returns how many times partition taskIndex was run.
func (in *Input) Runs(taskIndex int) int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.runs[taskIndex]
}
