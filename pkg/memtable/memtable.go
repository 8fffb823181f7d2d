// Package memtable implements the in-memory write buffer: a
// concurrent ordered map from user key to a chain of versions.
// Inserts from multiple writers need no mutual exclusion; the skip
// list handles key-level concurrency and version chains are linked in
// with CAS. Only the active→sealed transition is a coordinated step,
// and that lives in the orchestrator, not here.
package memtable

import (
	"bytes"
	"sync/atomic"

	"github.com/zhangyunhao116/skipmap"

	"tarn/pkg/kv"
)

type versionNode struct {
	entry *kv.Entry
	next  atomic.Pointer[versionNode]
}

// versionChain holds all versions of one key, newest first. Nodes are
// never removed, so lock-free sorted insertion needs no deletion
// marks.
type versionChain struct {
	head atomic.Pointer[versionNode]
}

// insert links e into the chain keeping seq-descending order.
func (c *versionChain) insert(e *kv.Entry) {
	node := &versionNode{entry: e}
	for {
		prev := (*atomic.Pointer[versionNode])(nil)
		cur := c.head.Load()
		for cur != nil && cur.entry.Seq > e.Seq {
			prev = &cur.next
			cur = cur.next.Load()
		}
		node.next.Store(cur)
		if prev == nil {
			if c.head.CompareAndSwap(cur, node) {
				return
			}
		} else {
			if prev.CompareAndSwap(cur, node) {
				return
			}
		}
	}
}

// visible returns the newest version with seq <= vis, or nil.
func (c *versionChain) visible(vis kv.SeqNum) *kv.Entry {
	for n := c.head.Load(); n != nil; n = n.next.Load() {
		if n.entry.Seq <= vis {
			return n.entry
		}
	}
	return nil
}

// Memtable is a single write buffer. It is mutable until sealed;
// sealing is advisory here (the orchestrator swaps the active table
// and stops routing writes to the old one).
type Memtable struct {
	keys   *skipmap.FuncMap[[]byte, *versionChain]
	size   atomic.Uint64
	count  atomic.Int64
	minSeq atomic.Uint64
	maxSeq atomic.Uint64
	sealed atomic.Bool
}

func New() *Memtable {
	m := &Memtable{
		keys: skipmap.NewFunc[[]byte, *versionChain](func(a, b []byte) bool {
			return bytes.Compare(a, b) < 0
		}),
	}
	m.minSeq.Store(^uint64(0))
	return m
}

// Insert adds one version. The entry's key and value must not be
// mutated by the caller afterwards.
func (m *Memtable) Insert(e *kv.Entry) {
	chain, _ := m.keys.LoadOrStoreLazy(e.Key, func() *versionChain {
		return &versionChain{}
	})
	chain.insert(e)

	m.size.Add(e.Size())
	m.count.Add(1)
	atomicAdvanceMax(&m.maxSeq, e.Seq)
	atomicAdvanceMin(&m.minSeq, e.Seq)
}

// Get returns the newest version of key with seq <= vis.
func (m *Memtable) Get(key kv.Key, vis kv.SeqNum) (*kv.Entry, bool) {
	chain, ok := m.keys.Load(key)
	if !ok {
		return nil, false
	}
	e := chain.visible(vis)
	if e == nil {
		return nil, false
	}
	return e, true
}

// VisibleEntries collects, in key order, the newest version of every
// key with seq <= vis. Tombstones are included; the read path needs
// them to shadow older sources.
func (m *Memtable) VisibleEntries(vis kv.SeqNum) []*kv.Entry {
	out := make([]*kv.Entry, 0, m.keys.Len())
	m.keys.Range(func(_ []byte, chain *versionChain) bool {
		if e := chain.visible(vis); e != nil {
			out = append(out, e)
		}
		return true
	})
	return out
}

// AllEntries collects every version in internal order (key ascending,
// seq descending). Flush consumes this.
func (m *Memtable) AllEntries() []*kv.Entry {
	out := make([]*kv.Entry, 0, m.count.Load())
	m.keys.Range(func(_ []byte, chain *versionChain) bool {
		for n := chain.head.Load(); n != nil; n = n.next.Load() {
			out = append(out, n.entry)
		}
		return true
	})
	return out
}

// ApproximateSize is the byte footprint of everything inserted so far.
func (m *Memtable) ApproximateSize() uint64 { return m.size.Load() }

// Len is the number of inserted versions.
func (m *Memtable) Len() int { return int(m.count.Load()) }

func (m *Memtable) Empty() bool { return m.count.Load() == 0 }

// MaxSeq is the highest sequence number buffered here. Zero when
// empty.
func (m *Memtable) MaxSeq() kv.SeqNum {
	if m.Empty() {
		return 0
	}
	return m.maxSeq.Load()
}

// MinSeq is the lowest sequence number buffered here. Zero when
// empty.
func (m *Memtable) MinSeq() kv.SeqNum {
	if m.Empty() {
		return 0
	}
	return m.minSeq.Load()
}

// Seal marks the table read-only. Writes routed here afterwards are a
// bug in the caller.
func (m *Memtable) Seal()        { m.sealed.Store(true) }
func (m *Memtable) Sealed() bool { return m.sealed.Load() }

func atomicAdvanceMax(p *atomic.Uint64, v uint64) {
	for {
		cur := p.Load()
		if cur >= v || p.CompareAndSwap(cur, v) {
			return
		}
	}
}

func atomicAdvanceMin(p *atomic.Uint64, v uint64) {
	for {
		cur := p.Load()
		if cur <= v || p.CompareAndSwap(cur, v) {
			return
		}
	}
}
