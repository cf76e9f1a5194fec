// Package casefilter implements a filter stage that rewrites the case of
// string columns using language-aware casing rules.
package casefilter

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	execerrors "github.com/legiangthanh/embulk/pkg/errors"
	"github.com/legiangthanh/embulk/pkg/page"
	"github.com/legiangthanh/embulk/pkg/plugin"
	"github.com/legiangthanh/embulk/pkg/report"
)

// Name identifies the filter in task reports.
const Name = "case"

// Supported modes.
const (
	ModeUpper = "upper"
	ModeLower = "lower"
	ModeTitle = "title"
	ModeFold  = "fold"
)

// ErrInvalidTask indicates that the task source cannot configure the filter.
var ErrInvalidTask = errors.New("invalid case filter task")

// Config is decoded from the filter's task source.
type Config struct {
	Columns  []string `json:"columns"`
	Mode     string   `json:"mode"`
	Language string   `json:"language"`
}

// caser returns a fresh Caser. A Caser keeps state between calls, so each
// opened output needs its own.
func (c Config) caser() (cases.Caser, error) {
	tag := language.Und
	if c.Language != "" {
		parsed, err := language.Parse(c.Language)
		if err != nil {
			return cases.Caser{}, fmt.Errorf("%w: language %q: %v", ErrInvalidTask, c.Language, err)
		}
		tag = parsed
	}

	switch c.Mode {
	case ModeUpper:
		return cases.Upper(tag), nil
	case ModeLower:
		return cases.Lower(tag), nil
	case ModeTitle:
		return cases.Title(tag), nil
	case ModeFold:
		return cases.Fold(), nil
	default:
		return cases.Caser{}, fmt.Errorf("%w: unknown mode %q", ErrInvalidTask, c.Mode)
	}
}

// Filter opens one case-rewriting output per task.
type Filter struct {
	logger *zap.Logger
}

// New creates a case filter.
func New(logger *zap.Logger) (*Filter, error) {
	if logger == nil {
		return nil, execerrors.InvalidConfig("logger cannot be nil")
	}
	return &Filter{logger: logger}, nil
}

// Open implements plugin.FilterPlugin. Every configured column must exist in
// the input schema.
func (f *Filter) Open(ctx context.Context, task plugin.TaskSource, in, out plugin.Schema, next plugin.PageOutput) (plugin.PageOutput, error) {
	var cfg Config
	if err := task.Decode(&cfg); err != nil {
		return nil, err
	}
	if len(cfg.Columns) == 0 {
		return nil, fmt.Errorf("%w: no columns", ErrInvalidTask)
	}

	known := make(map[string]bool, len(in.Columns))
	for _, c := range in.Columns {
		known[c.Name] = true
	}
	for _, name := range cfg.Columns {
		if !known[name] {
			return nil, fmt.Errorf("%w: column %q is not in the input schema", ErrInvalidTask, name)
		}
	}

	caser, err := cfg.caser()
	if err != nil {
		return nil, err
	}

	f.logger.Debug("Opened case filter",
		zap.Strings("columns", cfg.Columns),
		zap.String("mode", cfg.Mode))

	return &output{caser: caser, columns: cfg.Columns, next: next}, nil
}

type output struct {
	caser   cases.Caser
	columns []string
	next    plugin.PageOutput

	changed atomic.Int64
}

func (o *output) Add(ctx context.Context, p *page.Page) error {
	for _, rec := range p.Records {
		for _, col := range o.columns {
			s, ok := rec[col].(string)
			if !ok {
				continue
			}
			converted := o.caser.String(s)
			if converted != s {
				rec[col] = converted
				o.changed.Add(1)
			}
		}
	}
	return o.next.Add(ctx, p)
}

func (o *output) Finish(ctx context.Context) error {
	return o.next.Finish(ctx)
}

func (o *output) Close() error {
	return nil
}

// TaskReport implements plugin.ReportingOutput.
func (o *output) TaskReport() (report.TaskReport, bool) {
	return report.New().
		Set("filter", Name).
		Set("changed_values", o.changed.Load()), true
}
