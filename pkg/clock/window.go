package clock

import (
	"sync"
	"sync/atomic"

	"github.com/zhangyunhao116/skipset"
)

// CommitWindow tracks sequence numbers that have been allocated but
// whose effects are not yet applied. Writers on different journal
// shards commit out of order; the window publishes visibility only up
// to the highest sequence number below which every commit has
// finished, so a reader never observes seq N while some write at
// N' < N is still in flight.
type CommitWindow struct {
	clock   *SequenceClock
	visible atomic.Uint64

	// mu makes allocation-plus-registration atomic. Without it a
	// writer could allocate a seq and lose the CPU before
	// registering, letting a faster writer's Finish publish past the
	// unregistered seq.
	mu       sync.Mutex
	inflight *skipset.Uint64Set
}

func NewCommitWindow(c *SequenceClock) *CommitWindow {
	w := &CommitWindow{
		clock:    c,
		inflight: skipset.NewUint64(),
	}
	w.visible.Store(c.Val())
	return w
}

// Begin allocates a sequence number and marks it in flight. Every
// Begin must be paired with exactly one Finish, even when the write
// fails after allocation.
func (w *CommitWindow) Begin() uint64 {
	w.mu.Lock()
	seq := w.clock.Next()
	w.inflight.Add(seq)
	w.mu.Unlock()
	return seq
}

// Finish marks seq as applied (or abandoned) and advances the
// published visibility as far as the remaining in-flight commits
// allow.
func (w *CommitWindow) Finish(seq uint64) {
	w.mu.Lock()
	w.inflight.Remove(seq)
	vis := w.clock.Val()
	w.inflight.Range(func(s uint64) bool {
		vis = s - 1
		return false // ordered set: first element is the minimum
	})
	if vis > w.visible.Load() {
		w.visible.Store(vis)
	}
	w.mu.Unlock()
}

// Visible returns the highest sequence number whose effects, and the
// effects of everything below it, are applied.
func (w *CommitWindow) Visible() uint64 {
	return w.visible.Load()
}

// Advance publishes visibility up to seq directly. Used at open time
// after replay, when nothing is in flight.
func (w *CommitWindow) Advance(seq uint64) {
	for {
		cur := w.visible.Load()
		if cur >= seq || w.visible.CompareAndSwap(cur, seq) {
			return
		}
	}
}
