// Package jsfilter implements a filter stage that transforms records with a
// JavaScript function body.
//
// The script sees the current record as `record` and returns the record to
// keep (the same object or a new one) or null to drop it:
//
//	if (record.status === "deleted") return null;
//	record.total = record.price * record.quantity;
//	return record;
//
// Every opened output owns its own runtime, so a script never runs on two
// goroutines at once.
package jsfilter

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/dop251/goja"
	"go.uber.org/zap"

	execerrors "github.com/legiangthanh/embulk/pkg/errors"
	"github.com/legiangthanh/embulk/pkg/page"
	"github.com/legiangthanh/embulk/pkg/plugin"
	"github.com/legiangthanh/embulk/pkg/report"
)

// Name identifies the filter in task reports.
const Name = "js"

const defaultTimeout = 5 * time.Second

var (
	// ErrInvalidScript indicates that the script is missing or does not compile
	ErrInvalidScript = errors.New("invalid filter script")

	// ErrScriptTimeout indicates that a page took longer than the configured timeout
	ErrScriptTimeout = errors.New("filter script timed out")

	// ErrBadResult indicates that the script returned something other than an object or null
	ErrBadResult = errors.New("filter script must return an object or null")
)

// Config is decoded from the filter's task source.
type Config struct {
	Script    string `json:"script"`
	TimeoutMs int    `json:"timeout_ms"`
	Strict    bool   `json:"strict"`
}

func (c Config) timeout() time.Duration {
	if c.TimeoutMs <= 0 {
		return defaultTimeout
	}
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

// Filter opens one scripted output per task.
type Filter struct {
	logger *zap.Logger
}

// New creates a JavaScript filter.
func New(logger *zap.Logger) (*Filter, error) {
	if logger == nil {
		return nil, execerrors.InvalidConfig("logger cannot be nil")
	}
	return &Filter{logger: logger}, nil
}

// Compile checks that a script body compiles without running it.
func Compile(script string) (*goja.Program, error) {
	if script == "" {
		return nil, fmt.Errorf("%w: script is empty", ErrInvalidScript)
	}
	prog, err := goja.Compile("filter", "(function(record){\n"+script+"\n})", false)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidScript, err)
	}
	return prog, nil
}

// Open implements plugin.FilterPlugin.
func (f *Filter) Open(ctx context.Context, task plugin.TaskSource, in, out plugin.Schema, next plugin.PageOutput) (plugin.PageOutput, error) {
	var cfg Config
	if err := task.Decode(&cfg); err != nil {
		return nil, err
	}
	prog, err := Compile(cfg.Script)
	if err != nil {
		return nil, err
	}

	vm, err := newRuntime(cfg.Strict)
	if err != nil {
		return nil, err
	}
	value, err := vm.RunProgram(prog)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidScript, err)
	}
	fn, ok := goja.AssertFunction(value)
	if !ok {
		return nil, fmt.Errorf("%w: script did not evaluate to a function", ErrInvalidScript)
	}

	f.logger.Debug("Opened script filter",
		zap.Int("columns", len(out.Columns)),
		zap.Duration("timeout", cfg.timeout()))

	return &output{
		vm:      vm,
		fn:      fn,
		timeout: cfg.timeout(),
		next:    next,
	}, nil
}

type output struct {
	vm      *goja.Runtime
	fn      goja.Callable
	timeout time.Duration
	next    plugin.PageOutput

	recordsIn  atomic.Int64
	recordsOut atomic.Int64
}

type timeoutSignal struct{}

func (o *output) Add(ctx context.Context, p *page.Page) error {
	kept, err := o.transform(ctx, p.Records)
	if err != nil {
		return err
	}
	o.recordsIn.Add(int64(p.Len()))
	o.recordsOut.Add(int64(len(kept)))
	p.Records = kept
	return o.next.Add(ctx, p)
}

func (o *output) transform(ctx context.Context, records []page.Record) ([]page.Record, error) {
	o.vm.ClearInterrupt()
	timer := time.AfterFunc(o.timeout, func() {
		o.vm.Interrupt(timeoutSignal{})
	})
	stop := context.AfterFunc(ctx, func() {
		o.vm.Interrupt(ctx.Err())
	})
	defer func() {
		stop()
		timer.Stop()
		o.vm.ClearInterrupt()
	}()

	kept := make([]page.Record, 0, len(records))
	for i, rec := range records {
		value, err := o.fn(goja.Undefined(), o.vm.ToValue(map[string]interface{}(rec)))
		if err != nil {
			var interrupted *goja.InterruptedError
			if errors.As(err, &interrupted) {
				if _, ok := interrupted.Value().(timeoutSignal); ok {
					return nil, fmt.Errorf("%w after %s", ErrScriptTimeout, o.timeout)
				}
				return nil, execerrors.Interrupted(ctx.Err())
			}
			return nil, fmt.Errorf("script failed on record %d: %w", i, err)
		}
		if goja.IsNull(value) || goja.IsUndefined(value) {
			continue
		}
		exported, ok := value.Export().(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("%w: record %d returned %T", ErrBadResult, i, value.Export())
		}
		kept = append(kept, page.Record(exported))
	}
	return kept, nil
}

func (o *output) Finish(ctx context.Context) error {
	return o.next.Finish(ctx)
}

// Close drops the runtime. next is closed by the executor.
func (o *output) Close() error {
	return nil
}

// TaskReport implements plugin.ReportingOutput.
func (o *output) TaskReport() (report.TaskReport, bool) {
	return report.New().
		Set("filter", Name).
		Set("records_in", o.recordsIn.Load()).
		Set("records_out", o.recordsOut.Load()), true
}
