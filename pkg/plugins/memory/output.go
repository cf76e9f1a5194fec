package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/legiangthanh/embulk/pkg/page"
	"github.com/legiangthanh/embulk/pkg/plugin"
	"github.com/legiangthanh/embulk/pkg/report"
)

// Shard is what one output task received.
type Shard struct {
	Index     int
	Pages     [][]page.Record
	Finished  bool
	Committed bool
	Aborted   bool
	Closes    int
}

// Records returns every record of the shard in arrival order.
func (s Shard) Records() []page.Record {
	var out []page.Record
	for _, p := range s.Pages {
		out = append(out, p...)
	}
	return out
}

// Output keeps the pages of each shard in memory.
type Output struct {
	// OpenErrors fails Open for the given shards.
	OpenErrors map[int]error
	// CommitErrors fails Commit for the given shards.
	CommitErrors map[int]error
	// OnAdd runs before a page is stored; an error fails the Add. n counts
	// the pages the shard received before this one.
	OnAdd func(ctx context.Context, shard, n int) error

	mu     sync.Mutex
	shards map[int]*Shard
}

var _ plugin.OutputPlugin = (*Output)(nil)

// FailOnPage returns an OnAdd hook failing the n-th page of shard with err.
func FailOnPage(shard, n int, err error) func(ctx context.Context, shard, n int) error {
	return func(_ context.Context, s, i int) error {
		if s == shard && i == n {
			return err
		}
		return nil
	}
}

// Open starts shard taskIndex. Opening a shard twice discards what it had.
func (o *Output) Open(ctx context.Context, task plugin.TaskSource, schema plugin.Schema, taskIndex int) (plugin.TransactionalPageOutput, error) {
	if err := o.OpenErrors[taskIndex]; err != nil {
		return nil, err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.shards == nil {
		o.shards = map[int]*Shard{}
	}
	o.shards[taskIndex] = &Shard{Index: taskIndex}
	return &shardOutput{parent: o, index: taskIndex}, nil
}

// Shard returns a copy of what shard i received.
func (o *Output) Shard(i int) (Shard, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	s, ok := o.shards[i]
	if !ok {
		return Shard{}, false
	}
	c := *s
	c.Pages = append([][]page.Record(nil), s.Pages...)
	return c, true
}

// Opened returns the indexes of every opened shard in order.
func (o *Output) Opened() []int {
	o.mu.Lock()
	defer o.mu.Unlock()
	indexes := make([]int, 0, len(o.shards))
	for i := range o.shards {
		indexes = append(indexes, i)
	}
	sort.Ints(indexes)
	return indexes
}

// shardOutput is the transactional output of one shard.
type shardOutput struct {
	parent *Output
	index  int
	added  int
}

func (s *shardOutput) update(fn func(*Shard)) {
	s.parent.mu.Lock()
	defer s.parent.mu.Unlock()
	fn(s.parent.shards[s.index])
}

func (s *shardOutput) Add(ctx context.Context, p *page.Page) error {
	if hook := s.parent.OnAdd; hook != nil {
		if err := hook(ctx, s.index, s.added); err != nil {
			return err
		}
	}
	s.added++

	records := append([]page.Record(nil), p.Records...)
	p.Release()
	s.update(func(sh *Shard) {
		sh.Pages = append(sh.Pages, records)
	})
	return nil
}

func (s *shardOutput) Finish(ctx context.Context) error {
	s.update(func(sh *Shard) { sh.Finished = true })
	return nil
}

func (s *shardOutput) Close() error {
	s.update(func(sh *Shard) { sh.Closes++ })
	return nil
}

func (s *shardOutput) Abort() error {
	s.update(func(sh *Shard) { sh.Aborted = true })
	return nil
}

func (s *shardOutput) Commit(ctx context.Context) (report.TaskReport, error) {
	if err := s.parent.CommitErrors[s.index]; err != nil {
		return nil, err
	}
	var pages, records int
	var committedTwice bool
	s.update(func(sh *Shard) {
		committedTwice = sh.Committed
		sh.Committed = true
		pages = len(sh.Pages)
		for _, p := range sh.Pages {
			records += len(p)
		}
	})
	if committedTwice {
		return nil, fmt.Errorf("shard %d committed twice", s.index)
	}
	return report.New().Set("pages", pages).Set("records", records), nil
}
