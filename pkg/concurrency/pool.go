package concurrency

import (
	"context"
	"fmt"
	"runtime/pprof"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	execerrors "github.com/legiangthanh/embulk/pkg/errors"
)

// threadLabel is the pprof label carrying a job's goroutine name.
const threadLabel = "thread"

// Pool runs submitted jobs on their own goroutines. A fixed pool bounds how
// many jobs run at once with a Limiter; a cached pool runs every job
// immediately and only counts them.
type Pool struct {
	nameFormat string
	limiter    *Limiter
	logger     *zap.Logger

	seq    atomic.Int64
	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewFixedPool creates a pool running at most size jobs concurrently.
// nameFormat names each job's goroutine and must contain %d.
func NewFixedPool(size int, nameFormat string, logger *zap.Logger) (*Pool, error) {
	if size < 1 {
		return nil, execerrors.InvalidConfig("pool size must be positive, got %d", size)
	}
	return newPool(NewLimiter(size), nameFormat, logger)
}

// NewCachedPool creates an unbounded pool.
func NewCachedPool(nameFormat string, logger *zap.Logger) (*Pool, error) {
	return newPool(NewLimiter(0), nameFormat, logger)
}

func newPool(limiter *Limiter, nameFormat string, logger *zap.Logger) (*Pool, error) {
	if logger == nil {
		return nil, execerrors.InvalidConfig("logger cannot be nil")
	}
	if !strings.Contains(nameFormat, "%d") {
		return nil, execerrors.InvalidConfig("thread name format %q must contain %%d", nameFormat)
	}
	return &Pool{
		nameFormat: nameFormat,
		limiter:    limiter,
		logger:     logger,
	}, nil
}

// Submit schedules fn and returns its Future. fn receives a context that is
// cancelled by Future.Cancel or by the cancellation of ctx. A job cancelled
// while waiting for a slot never runs fn and completes with
// ErrExecutionInterrupted. After Shutdown the returned future is already
// completed with ErrPoolClosed.
func (p *Pool) Submit(ctx context.Context, fn func(ctx context.Context) error) *Future {
	jobCtx, cancel := context.WithCancel(ctx)
	f := &Future{done: make(chan struct{}), cancel: cancel}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		cancel()
		f.complete(execerrors.NewError(execerrors.CodePoolClosed, "submit rejected", execerrors.ErrPoolClosed))
		return f
	}
	p.wg.Add(1)
	p.mu.Unlock()

	name := fmt.Sprintf(p.nameFormat, p.seq.Add(1)-1)
	go p.run(jobCtx, name, fn, f)
	return f
}

func (p *Pool) run(ctx context.Context, name string, fn func(ctx context.Context) error, f *Future) {
	defer p.wg.Done()
	defer f.cancel()

	if err := p.limiter.Acquire(ctx); err != nil {
		f.complete(execerrors.Interrupted(err))
		return
	}
	defer p.limiter.Release()

	var err error
	pprof.Do(ctx, pprof.Labels(threadLabel, name), func(ctx context.Context) {
		err = p.call(ctx, name, fn)
	})
	f.complete(err)
}

// call runs fn, turning a panic into a PanicError.
func (p *Pool) call(ctx context.Context, name string, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("job panicked",
				zap.String("thread", name),
				zap.Any("panic", r),
				zap.Stack("stack"),
			)
			err = &execerrors.PanicError{Value: r}
		}
	}()
	return fn(ctx)
}

// Shutdown stops accepting jobs. Jobs already submitted keep running.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
}

// IsShutdown reports whether Shutdown was called.
func (p *Pool) IsShutdown() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Wait blocks until every submitted job has returned.
func (p *Pool) Wait() {
	p.wg.Wait()
}

// Size returns the concurrency bound, or 0 for an unbounded pool.
func (p *Pool) Size() int {
	return p.limiter.Capacity()
}

// Stats returns the counters of the jobs started so far.
func (p *Pool) Stats() LimiterStats {
	return p.limiter.Stats()
}

// LogStats logs the pool counters at debug level.
func (p *Pool) LogStats(name string) {
	s := p.Stats()
	p.logger.Debug("Pool drained",
		zap.String("pool", name),
		zap.Int("size", p.Size()),
		zap.Int64("jobs", s.Acquired),
		zap.Int64("peak", s.Peak),
		zap.Duration("average_wait", s.AverageWait()))
}

// ThreadName returns the goroutine name of the pool job running with ctx, or
// "" outside a pool job.
func ThreadName(ctx context.Context) string {
	name, _ := pprof.Label(ctx, threadLabel)
	return name
}

// Future is the pending result of a submitted job.
type Future struct {
	done   chan struct{}
	once   sync.Once
	err    error
	cancel context.CancelFunc
}

func (f *Future) complete(err error) {
	f.once.Do(func() {
		f.err = err
		close(f.done)
	})
}

// Done is closed once the job has returned.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// IsDone reports whether the job has returned.
func (f *Future) IsDone() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Cancel cancels the job's context. A job waiting for a pool slot gives up;
// a running job sees ctx.Done.
func (f *Future) Cancel() {
	f.cancel()
}

// Wait blocks until the job returns and yields its error. If ctx is
// cancelled first, Wait returns ErrExecutionInterrupted and the job keeps
// running.
func (f *Future) Wait(ctx context.Context) error {
	select {
	case <-f.done:
		return f.err
	default:
	}
	select {
	case <-f.done:
		return f.err
	case <-ctx.Done():
		return execerrors.Interrupted(ctx.Err())
	}
}
