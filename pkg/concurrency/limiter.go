package concurrency

import (
	"context"
	"sync/atomic"
	"time"
)

// LimiterStats is a snapshot of a limiter's counters.
type LimiterStats struct {
	Acquired int64
	Released int64
	// Peak is the highest number of holders seen at once.
	Peak int64
	// Waited is the total time spent blocked in Acquire.
	Waited time.Duration
}

// AverageWait returns the mean time an Acquire spent blocked.
func (s LimiterStats) AverageWait() time.Duration {
	if s.Acquired == 0 {
		return 0
	}
	return s.Waited / time.Duration(s.Acquired)
}

// Limiter bounds the number of concurrent holders with a semaphore and keeps
// counters on its use. A limiter with no capacity only counts.
type Limiter struct {
	sem chan struct{}

	active   atomic.Int64
	acquired atomic.Int64
	released atomic.Int64
	peak     atomic.Int64
	waitedNs atomic.Int64
}

// NewLimiter creates a limiter admitting maxConcurrent holders, or any number
// when maxConcurrent <= 0.
func NewLimiter(maxConcurrent int) *Limiter {
	l := &Limiter{}
	if maxConcurrent > 0 {
		l.sem = make(chan struct{}, maxConcurrent)
	}
	return l
}

// Acquire blocks until a slot is free or ctx is done. A slot that frees up
// after ctx is done is not taken.
func (l *Limiter) Acquire(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if l.sem != nil {
		start := time.Now()
		select {
		case l.sem <- struct{}{}:
			if err := ctx.Err(); err != nil {
				<-l.sem
				return err
			}
			l.waitedNs.Add(time.Since(start).Nanoseconds())
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	l.acquired.Add(1)
	current := l.active.Add(1)
	for {
		peak := l.peak.Load()
		if current <= peak || l.peak.CompareAndSwap(peak, current) {
			break
		}
	}
	return nil
}

// Release frees a slot taken by Acquire.
func (l *Limiter) Release() {
	if l.sem != nil {
		<-l.sem
	}
	l.active.Add(-1)
	l.released.Add(1)
}

// Capacity returns the maximum number of holders, 0 when unbounded.
func (l *Limiter) Capacity() int {
	return cap(l.sem)
}

// Active returns the current number of holders.
func (l *Limiter) Active() int64 {
	return l.active.Load()
}

// Stats returns a snapshot of the counters.
func (l *Limiter) Stats() LimiterStats {
	return LimiterStats{
		Acquired: l.acquired.Load(),
		Released: l.released.Load(),
		Peak:     l.peak.Load(),
		Waited:   time.Duration(l.waitedNs.Load()),
	}
}
