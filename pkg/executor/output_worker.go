package executor

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/legiangthanh/embulk/pkg/concurrency"
	execerrors "github.com/legiangthanh/embulk/pkg/errors"
	"github.com/legiangthanh/embulk/pkg/page"
	"github.com/legiangthanh/embulk/pkg/plugin"
)

// OutputWorker relays pages from one producer to one PageOutput driven by a
// consumer goroutine. It holds at most one page at a time, so a producer
// never runs more than one page ahead of the output.
type OutputWorker struct {
	output plugin.PageOutput
	logger *zap.Logger
	future *concurrency.Future

	mu         sync.Mutex
	changed    chan struct{}
	queued     *page.Page
	done       bool
	addWaiting int
}

// StartOutputWorker submits the consumer of a new relay to pool. The consumer
// stops when ctx is cancelled.
func StartOutputWorker(ctx context.Context, pool *concurrency.Pool, output plugin.PageOutput, logger *zap.Logger) *OutputWorker {
	w := &OutputWorker{
		output:  output,
		logger:  logger,
		changed: make(chan struct{}),
	}
	w.future = pool.Submit(ctx, w.run)
	return w
}

// broadcast wakes every waiter. Must be called with mu held.
func (w *OutputWorker) broadcast() {
	close(w.changed)
	w.changed = make(chan struct{})
}

// wait releases mu until the next broadcast or until ctx is done.
// Must be called with mu held; mu is held again on return.
func (w *OutputWorker) wait(ctx context.Context) error {
	ch := w.changed
	w.mu.Unlock()
	defer w.mu.Lock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return execerrors.Interrupted(ctx.Err())
	}
}

// Add hands p to the consumer, blocking while another page is queued. Once the
// relay is done the page is released instead. Add takes ownership of p unless
// it returns an error, which only happens when ctx is cancelled.
func (w *OutputWorker) Add(ctx context.Context, p *page.Page) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.addWaiting++
	defer func() {
		w.addWaiting--
		w.broadcast()
	}()

	for w.queued != nil && !w.done {
		if err := w.wait(ctx); err != nil {
			return err
		}
	}
	if w.done {
		p.Release()
		return nil
	}
	w.queued = p
	return nil
}

// SignalDone tells the consumer no more pages are coming. It waits until the
// queued page was delivered and no Add is in flight. If ctx is cancelled the
// relay is marked done anyway and the interruption is returned; a page already
// accepted is still delivered.
func (w *OutputWorker) SignalDone(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	var err error
	for !w.done && (w.queued != nil || w.addWaiting > 0) {
		if err = w.wait(ctx); err != nil {
			break
		}
	}
	if !w.done {
		w.done = true
		w.broadcast()
	}
	return err
}

// Join waits for the consumer to stop and returns its error. If ctx is
// cancelled first it returns ErrExecutionInterrupted.
func (w *OutputWorker) Join(ctx context.Context) error {
	return w.future.Wait(ctx)
}

// run is the consumer loop. The slot stays occupied while its page is being
// delivered and is cleared afterwards. A page left in the slot when the loop
// stops is released unless the output already released it.
func (w *OutputWorker) run(ctx context.Context) (err error) {
	w.mu.Lock()
	defer func() {
		w.done = true
		if w.queued != nil {
			if !w.queued.IsReleased() {
				w.queued.Release()
			}
			w.queued = nil
		}
		w.broadcast()
		w.mu.Unlock()
	}()

	for {
		for w.queued == nil && !w.done {
			if err := w.wait(ctx); err != nil {
				return err
			}
		}
		if w.queued == nil {
			return nil
		}

		p := w.queued
		w.mu.Unlock()
		err := w.deliver(ctx, p)
		w.mu.Lock()

		if err != nil {
			w.logger.Debug("Output worker stopped on delivery failure",
				zap.String("thread", concurrency.ThreadName(ctx)),
				zap.Error(err),
			)
			return err
		}
		w.queued = nil
		w.broadcast()
	}
}

// deliver hands p to the output. An output that panics leaves the ownership
// of p undefined: if it passed p on before panicking, the new owner may still
// release it after the relay has.
func (w *OutputWorker) deliver(ctx context.Context, p *page.Page) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &execerrors.PanicError{Value: r}
		}
	}()
	return w.output.Add(ctx, p)
}
