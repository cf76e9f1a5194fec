// Package page defines the unit of transfer between pipeline stages.
//
// A Page is a batch of records with a single owner at any instant. Ownership
// moves with the page: whoever holds it last must call Release exactly once,
// including when the page is dropped without being read.
package page

import "sync/atomic"

// Record is one row of a page keyed by column name.
type Record map[string]interface{}

// Page is a batch of records moving between pipeline stages.
type Page struct {
	Records []Record

	allocator *Allocator
	released  atomic.Bool
}

// New creates a page that is not tracked by any allocator.
func New(records []Record) *Page {
	return &Page{Records: records}
}

// Len returns the number of records in the page.
func (p *Page) Len() int {
	return len(p.Records)
}

// Release gives the page back. Only the first call has an effect; later calls
// are counted as double releases by the owning allocator.
func (p *Page) Release() {
	if !p.released.CompareAndSwap(false, true) {
		if p.allocator != nil {
			p.allocator.doubleReleased.Add(1)
		}
		return
	}
	if p.allocator != nil {
		p.allocator.released.Add(1)
	}
	p.Records = nil
}

// IsReleased reports whether Release has been called.
func (p *Page) IsReleased() bool {
	return p.released.Load()
}

// Allocator hands out pages and accounts for their release.
type Allocator struct {
	allocated      atomic.Int64
	released       atomic.Int64
	doubleReleased atomic.Int64
}

// NewAllocator creates an allocator with zeroed counters.
func NewAllocator() *Allocator {
	return &Allocator{}
}

// Allocate creates a page tracked by this allocator.
func (a *Allocator) Allocate(records []Record) *Page {
	a.allocated.Add(1)
	return &Page{Records: records, allocator: a}
}

// Stats is a point-in-time view of an allocator's counters.
type Stats struct {
	Allocated      int64
	Released       int64
	DoubleReleased int64
}

// Outstanding is the number of pages allocated but not yet released.
func (s Stats) Outstanding() int64 {
	return s.Allocated - s.Released
}

// Stats returns the current counters.
func (a *Allocator) Stats() Stats {
	return Stats{
		Allocated:      a.allocated.Load(),
		Released:       a.released.Load(),
		DoubleReleased: a.doubleReleased.Load(),
	}
}
