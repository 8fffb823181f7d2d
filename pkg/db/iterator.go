package db

import (
	"bytes"
	"container/heap"
	"errors"
	"io/fs"
	"sort"

	"tarn/pkg/dberrors"
	"tarn/pkg/kv"
	"tarn/pkg/memtable"
	"tarn/pkg/segment"
)

// rangeAt builds a merged cursor over the partition's memtables and
// segments at the given visibility. Memtable contents are snapshotted
// up front; segment readers are reference-counted for the cursor's
// lifetime.
func (p *Partition) rangeAt(lo, hi []byte, d kv.Direction, vis kv.SeqNum) (kv.Iterator, error) {
	reverse := d == kv.Reverse

	var sources []kv.EntryIterator
	for _, mt := range p.memtables() {
		sources = append(sources, kv.NewSliceIterator(memtableSlice(mt, lo, hi, reverse)))
	}

	segIts, err := p.segmentIterators(lo, hi, reverse)
	if err != nil {
		return nil, err
	}
	closers := make([]func(), 0, len(segIts))
	for _, it := range segIts {
		sources = append(sources, it)
		closers = append(closers, it.Close)
	}

	return &mergedIterator{
		sources: sources,
		closers: closers,
		vis:     vis,
		reverse: reverse,
	}, nil
}

// segmentIterators opens a cursor on every segment overlapping the
// range, newest first. If the segment set churns underneath (a
// compaction dropped a file between the version read and the open),
// the acquired cursors are released and the fresh version is tried.
func (p *Partition) segmentIterators(lo, hi []byte, reverse bool) ([]*segment.Iter, error) {
	for attempt := 0; attempt < 3; attempt++ {
		v := p.man.Current()

		metas := append([]segment.Meta(nil), v.SegmentsAtLevel(0)...)
		sort.Slice(metas, func(i, k int) bool { return metas[i].MaxSeq > metas[k].MaxSeq })
		for level := 1; level <= v.MaxLevel(); level++ {
			metas = append(metas, v.SegmentsAtLevel(level)...)
		}

		var its []*segment.Iter
		ok := true
		for i := range metas {
			if !metas[i].Overlaps(lo, hi) {
				continue
			}
			r, err := p.segs.Retain(metas[i])
			if err != nil {
				if errors.Is(err, fs.ErrNotExist) {
					ok = false
					break
				}
				for _, it := range its {
					it.Close()
				}
				return nil, err
			}
			its = append(its, r.Iter(lo, hi, reverse))
			r.Release()
		}
		if ok {
			return its, nil
		}
		for _, it := range its {
			it.Close()
		}
	}
	return nil, dberrors.New(dberrors.Concurrency, "segment set churned during scan of partition %s", p.name)
}

// mergedIterator folds the per-source streams and resolves versions:
// the first visible entry of each key wins, tombstones suppress the
// key. Key and value bytes are copied and stay valid after Next.
type mergedIterator struct {
	sources []kv.EntryIterator
	closers []func()
	vis     kv.SeqNum
	reverse bool

	h      dbMergeHeap
	primed bool

	key     []byte
	value   []byte
	lastKey []byte
	haveKey bool
	err     error
	closed  bool
}

type dbMergeItem struct {
	entry *kv.Entry
	src   int
}

type dbMergeHeap struct {
	items   []dbMergeItem
	reverse bool
}

func (h *dbMergeHeap) Len() int { return len(h.items) }
func (h *dbMergeHeap) Less(i, k int) bool {
	a, b := h.items[i], h.items[k]
	c := bytes.Compare(a.entry.Key, b.entry.Key)
	if h.reverse {
		c = -c
	}
	if c != 0 {
		return c < 0
	}
	if a.entry.Seq != b.entry.Seq {
		return a.entry.Seq > b.entry.Seq
	}
	return a.src < b.src
}
func (h *dbMergeHeap) Swap(i, k int) { h.items[i], h.items[k] = h.items[k], h.items[i] }
func (h *dbMergeHeap) Push(x any)    { h.items = append(h.items, x.(dbMergeItem)) }
func (h *dbMergeHeap) Pop() any {
	old := h.items
	n := len(old)
	item := old[n-1]
	h.items = old[:n-1]
	return item
}

func (m *mergedIterator) prime() {
	m.h.reverse = m.reverse
	for i, src := range m.sources {
		e, err := src.Next()
		if err != nil {
			m.err = err
			return
		}
		if e != nil {
			m.h.items = append(m.h.items, dbMergeItem{entry: e, src: i})
		}
	}
	heap.Init(&m.h)
	m.primed = true
}

func (m *mergedIterator) nextMerged() *kv.Entry {
	if !m.primed {
		m.prime()
		if m.err != nil {
			return nil
		}
	}
	if m.h.Len() == 0 {
		return nil
	}
	top := m.h.items[0]
	e, err := m.sources[top.src].Next()
	switch {
	case err != nil:
		m.err = err
		return nil
	case e == nil:
		heap.Pop(&m.h)
	default:
		m.h.items[0] = dbMergeItem{entry: e, src: top.src}
		heap.Fix(&m.h, 0)
	}
	return top.entry
}

func (m *mergedIterator) Next() bool {
	if m.closed || m.err != nil {
		return false
	}
	for {
		e := m.nextMerged()
		if e == nil {
			return false
		}
		if e.Seq > m.vis {
			continue
		}
		if m.haveKey && bytes.Equal(e.Key, m.lastKey) {
			continue
		}
		m.lastKey = append(m.lastKey[:0], e.Key...)
		m.haveKey = true
		if e.Kind == kv.KindTombstone {
			continue
		}
		m.key = append(m.key[:0], e.Key...)
		m.value = append(m.value[:0], e.Value...)
		return true
	}
}

func (m *mergedIterator) Key() kv.Key     { return m.key }
func (m *mergedIterator) Value() kv.Value { return m.value }
func (m *mergedIterator) Err() error      { return m.err }

func (m *mergedIterator) Close() error {
	if m.closed {
		return nil
	}
	m.closed = true
	for _, c := range m.closers {
		c()
	}
	m.sources = nil
	m.h.items = nil
	return nil
}

// memtableSlice snapshots the memtable's entries inside [lo, hi) in
// the scan order.
func memtableSlice(mt *memtable.Memtable, lo, hi []byte, reverse bool) []*kv.Entry {
	all := mt.AllEntries()
	start := 0
	if lo != nil {
		start = sort.Search(len(all), func(i int) bool { return bytes.Compare(all[i].Key, lo) >= 0 })
	}
	end := len(all)
	if hi != nil {
		end = sort.Search(len(all), func(i int) bool { return bytes.Compare(all[i].Key, hi) >= 0 })
	}
	s := all[start:end]
	if !reverse {
		return s
	}

	// flip key groups: (key asc, seq desc) becomes (key desc, seq desc)
	out := make([]*kv.Entry, 0, len(s))
	for i := len(s); i > 0; {
		k := i - 1
		for k > 0 && bytes.Equal(s[k-1].Key, s[i-1].Key) {
			k--
		}
		out = append(out, s[k:i]...)
		i = k
	}
	return out
}
