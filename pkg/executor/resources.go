package executor

import (
	"context"
	"errors"
	"io"

	"github.com/legiangthanh/embulk/pkg/plugin"
)

// closerStack closes registered resources in reverse registration order.
type closerStack struct {
	closers []io.Closer
}

func (s *closerStack) push(c io.Closer) {
	s.closers = append(s.closers, c)
}

// closeAll closes every resource, newest first, even when some fail.
func (s *closerStack) closeAll() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}

// trackedOutput records whether the input finished its output.
// Only the goroutine running the input touches it.
type trackedOutput struct {
	plugin.PageOutput
	finished bool
}

func (o *trackedOutput) Finish(ctx context.Context) error {
	o.finished = true
	return o.PageOutput.Finish(ctx)
}

// finishIfNeeded finishes the output on behalf of an input that returned
// without doing so.
func (o *trackedOutput) finishIfNeeded(ctx context.Context) error {
	if o.finished {
		return nil
	}
	return o.Finish(ctx)
}
