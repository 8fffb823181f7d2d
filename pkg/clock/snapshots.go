package clock

import (
	"sync"

	"github.com/zhangyunhao116/skipmap"
)

// SnapshotTracker reference-counts open snapshot horizons and derives
// the watermark: the oldest sequence number any open snapshot still
// requires. Compaction must not drop a version that some horizon at
// or above the watermark could observe.
//
// A small mutex serializes count updates and watermark reads; the
// horizons live in a concurrent ordered map, so the minimum is the
// first element visited in order.
type SnapshotTracker struct {
	mu       sync.Mutex
	counts   map[uint64]int
	horizons *skipmap.FuncMap[uint64, struct{}]
}

func NewSnapshotTracker() *SnapshotTracker {
	return &SnapshotTracker{
		counts: make(map[uint64]int),
		horizons: skipmap.NewFunc[uint64, struct{}](func(a, b uint64) bool {
			return a < b
		}),
	}
}

// Acquire registers one reference to the given horizon.
func (t *SnapshotTracker) Acquire(seq uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.counts[seq]++
	if t.counts[seq] == 1 {
		t.horizons.Store(seq, struct{}{})
	}
}

// AcquireAt registers a snapshot at the horizon source yields and
// returns it. The source is read under the tracker lock, which orders
// it against watermark computation: a horizon handed out here is
// never below a watermark computed from an earlier visibility value,
// so a concurrent compaction cannot have collected versions the new
// snapshot needs.
func (t *SnapshotTracker) AcquireAt(source func() uint64) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	seq := source()
	t.counts[seq]++
	if t.counts[seq] == 1 {
		t.horizons.Store(seq, struct{}{})
	}
	return seq
}

// Release drops one reference to the given horizon. The horizon
// disappears from watermark accounting when its count reaches zero.
func (t *SnapshotTracker) Release(seq uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.counts[seq] == 0 {
		return
	}
	t.counts[seq]--
	if t.counts[seq] == 0 {
		delete(t.counts, seq)
		t.horizons.Delete(seq)
	}
}

// Watermark returns the minimum open horizon, or current when no
// snapshot is open. It takes the tracker lock so the result is
// ordered against AcquireAt: either the new horizon bounds this
// watermark, or the new horizon is read after it and sits at or
// above it.
func (t *SnapshotTracker) Watermark(current uint64) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	min := current
	t.horizons.Range(func(seq uint64, _ struct{}) bool {
		if seq < min {
			min = seq
		}
		return false // ordered map: first visited key is the minimum
	})
	return min
}

// OpenCount returns the number of distinct open horizons.
func (t *SnapshotTracker) OpenCount() int {
	return t.horizons.Len()
}
