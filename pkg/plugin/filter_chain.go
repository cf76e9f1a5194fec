package plugin

import (
	"context"
	"errors"
	"fmt"

	"github.com/legiangthanh/embulk/pkg/report"
)

// FilterChain is the ordered list of filters between input and output.
// Schemas holds len(Plugins)+1 entries: Schemas[i] is the input schema of
// filter i and Schemas[i+1] its output schema. TaskSources is indexed like
// Plugins.
type FilterChain struct {
	Plugins     []FilterPlugin
	TaskSources []TaskSource
	Schemas     []Schema
}

// Len returns the number of filters in the chain.
func (c FilterChain) Len() int {
	return len(c.Plugins)
}

// OpenedChain is a filter chain opened over one output.
type OpenedChain struct {
	// Out is the head of the chain; pages written here traverse every filter.
	Out PageOutput
	// Filtered holds each filter's output in declaration order.
	Filtered []PageOutput
}

// Open wraps next with every filter, from the last to the first, so that
// pages added to the returned Out pass through the filters in declaration
// order. With an empty chain Out is next itself.
func (c FilterChain) Open(ctx context.Context, next PageOutput) (*OpenedChain, error) {
	if len(c.TaskSources) != len(c.Plugins) {
		return nil, fmt.Errorf("filter chain has %d plugins but %d task sources", len(c.Plugins), len(c.TaskSources))
	}
	if len(c.Plugins) > 0 && len(c.Schemas) != len(c.Plugins)+1 {
		return nil, fmt.Errorf("filter chain has %d plugins but %d schemas", len(c.Plugins), len(c.Schemas))
	}

	filtered := make([]PageOutput, len(c.Plugins))
	out := next
	for i := len(c.Plugins) - 1; i >= 0; i-- {
		wrapped, err := c.Plugins[i].Open(ctx, c.TaskSources[i], c.Schemas[i], c.Schemas[i+1], out)
		if err != nil {
			return nil, errors.Join(fmt.Errorf("failed to open filter %d: %w", i, err), closeOpened(filtered[i+1:]))
		}
		filtered[i] = wrapped
		out = wrapped
	}
	return &OpenedChain{Out: out, Filtered: filtered}, nil
}

// closeOpened closes filters that were already opened, outermost first.
func closeOpened(opened []PageOutput) error {
	var errs []error
	for _, o := range opened {
		if o == nil {
			continue
		}
		if err := o.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Reports returns the reports of the filters that produced one, in
// declaration order.
func (o *OpenedChain) Reports() []report.TaskReport {
	reports := make([]report.TaskReport, 0, len(o.Filtered))
	for _, f := range o.Filtered {
		r, ok := f.(ReportingOutput)
		if !ok {
			continue
		}
		if tr, present := r.TaskReport(); present {
			reports = append(reports, tr)
		}
	}
	return reports
}
