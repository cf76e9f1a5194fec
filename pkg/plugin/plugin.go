// Package plugin defines the contracts the executor consumes from input,
// filter and output stages.
package plugin

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/legiangthanh/embulk/pkg/page"
	"github.com/legiangthanh/embulk/pkg/report"
)

// TaskSource carries the per-stage task parameters produced by a plugin's
// transaction. The executor never interprets it.
type TaskSource map[string]interface{}

// Decode unmarshals the task source into v through its JSON form.
func (t TaskSource) Decode(v interface{}) error {
	raw, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("failed to marshal task source: %w", err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("failed to decode task source: %w", err)
	}
	return nil
}

// Column describes one field of a Schema.
type Column struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// Schema is the ordered column list flowing between two stages.
type Schema struct {
	Columns []Column `json:"columns"`
}

// ColumnNames returns the column names in order.
func (s Schema) ColumnNames() []string {
	names := make([]string, len(s.Columns))
	for i, c := range s.Columns {
		names[i] = c.Name
	}
	return names
}

// PageOutput receives pages from an upstream stage.
//
// Add takes ownership of the page only when it returns nil. When it returns an
// error the caller still owns the page and must release it.
type PageOutput interface {
	Add(ctx context.Context, p *page.Page) error
	Finish(ctx context.Context) error
	Close() error
}

// TransactionalPageOutput is an output shard that can be committed or aborted.
type TransactionalPageOutput interface {
	PageOutput
	Abort() error
	Commit(ctx context.Context) (report.TaskReport, error)
}

// InputPlugin reads one partition and pushes its pages into out. It must
// only call out from the goroutine running Run. A nil error means success.
type InputPlugin interface {
	Run(ctx context.Context, task TaskSource, schema Schema, taskIndex int, out PageOutput) (report.TaskReport, error)
}

// OutputPlugin opens one transactional output per shard.
type OutputPlugin interface {
	Open(ctx context.Context, task TaskSource, schema Schema, taskIndex int) (TransactionalPageOutput, error)
}

// FilterPlugin wraps next with a transforming stage. The executor closes
// next itself, so the returned output's Close must not close it.
type FilterPlugin interface {
	Open(ctx context.Context, task TaskSource, in, out Schema, next PageOutput) (PageOutput, error)
}

// ReportingOutput is implemented by filter outputs that produce a report.
type ReportingOutput interface {
	TaskReport() (report.TaskReport, bool)
}

// ProcessTask bundles everything needed to run the pipeline for one partition.
type ProcessTask struct {
	Input       InputPlugin
	InputTask   TaskSource
	InputSchema Schema

	Filters FilterChain

	Output       OutputPlugin
	OutputTask   TaskSource
	OutputSchema Schema
}

// InputFunc adapts a function to InputPlugin.
type InputFunc func(ctx context.Context, task TaskSource, schema Schema, taskIndex int, out PageOutput) (report.TaskReport, error)

// Run calls f.
func (f InputFunc) Run(ctx context.Context, task TaskSource, schema Schema, taskIndex int, out PageOutput) (report.TaskReport, error) {
	return f(ctx, task, schema, taskIndex, out)
}
