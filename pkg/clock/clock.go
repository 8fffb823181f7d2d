// Package clock owns the keyspace-wide sequence counter and the
// snapshot bookkeeping built on top of it. The counter is the single
// piece of intentionally shared mutable state in the engine; it is
// guarded only by its own atomic operations.
package clock

import "sync/atomic"

// SequenceClock allocates strictly increasing sequence numbers, one
// per committed batch.
type SequenceClock struct {
	atomic.Uint64
}

// New returns a clock resumed at init. The next allocation returns
// init+1.
func New(init uint64) *SequenceClock {
	var c SequenceClock
	c.Store(init)
	return &c
}

// Val returns the last allocated sequence number.
func (c *SequenceClock) Val() uint64 {
	return c.Load()
}

// Next allocates and returns a fresh sequence number.
func (c *SequenceClock) Next() uint64 {
	return c.Add(1)
}

// Advance moves the clock forward to at least seq. Used during
// journal replay, where sequence numbers are read back from disk.
func (c *SequenceClock) Advance(seq uint64) {
	for {
		cur := c.Load()
		if cur >= seq || c.CompareAndSwap(cur, seq) {
			return
		}
	}
}
