package compaction

import (
	"bytes"
	"container/heap"

	"tarn/pkg/kv"
)

// mergeIterator folds several sorted entry streams into one stream in
// internal order. When two sources yield the exact same (key, seq)
// pair the source with the lower index wins, so callers must order
// sources newest-first.
type mergeIterator struct {
	sources []kv.EntryIterator
	heap    mergeHeap
	primed  bool
}

type mergeItem struct {
	entry *kv.Entry
	src   int
}

type mergeHeap []mergeItem

func (h mergeHeap) Len() int { return len(h) }
func (h mergeHeap) Less(i, k int) bool {
	if c := kv.InternalCompare(h[i].entry, h[k].entry); c != 0 {
		return c < 0
	}
	return h[i].src < h[k].src
}
func (h mergeHeap) Swap(i, k int) { h[i], h[k] = h[k], h[i] }
func (h *mergeHeap) Push(x any)   { *h = append(*h, x.(mergeItem)) }
func (h *mergeHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

func newMergeIterator(sources []kv.EntryIterator) *mergeIterator {
	return &mergeIterator{sources: sources}
}

func (m *mergeIterator) prime() error {
	for i, src := range m.sources {
		e, err := src.Next()
		if err != nil {
			return err
		}
		if e == nil {
			continue
		}
		m.heap = append(m.heap, mergeItem{entry: e, src: i})
	}
	heap.Init(&m.heap)
	m.primed = true
	return nil
}

func (m *mergeIterator) Next() (*kv.Entry, error) {
	if !m.primed {
		if err := m.prime(); err != nil {
			return nil, err
		}
	}
	if m.heap.Len() == 0 {
		return nil, nil
	}
	top := m.heap[0]
	next, err := m.sources[top.src].Next()
	switch {
	case err != nil:
		return nil, err
	case next == nil:
		heap.Pop(&m.heap)
	default:
		m.heap[0] = mergeItem{entry: next, src: top.src}
		heap.Fix(&m.heap, 0)
	}
	return top.entry, nil
}

// gcIterator filters a merged stream according to the version
// retention rules. Within a key, the newest version at or below the
// watermark shadows every older version: no live or future snapshot
// can observe them. Versions above the watermark are always kept.
// Tombstones at or below the watermark are themselves dropped only in
// bottom-level compactions, where nothing older can resurface.
type gcIterator struct {
	src         *mergeIterator
	watermark   uint64
	bottomLevel bool

	lastKey      []byte
	haveShadowed bool // a version <= watermark was already emitted for lastKey
}

func newGCIterator(src *mergeIterator, watermark uint64, bottomLevel bool) *gcIterator {
	return &gcIterator{src: src, watermark: watermark, bottomLevel: bottomLevel}
}

func (g *gcIterator) Next() (*kv.Entry, error) {
	for {
		e, err := g.src.Next()
		if err != nil || e == nil {
			return nil, err
		}
		if !bytes.Equal(e.Key, g.lastKey) {
			g.lastKey = append(g.lastKey[:0], e.Key...)
			g.haveShadowed = false
		}
		if e.Seq > g.watermark {
			return e, nil
		}
		if g.haveShadowed {
			// an emitted newer version covers every reachable snapshot
			continue
		}
		g.haveShadowed = true
		if e.Kind == kv.KindTombstone && g.bottomLevel {
			continue
		}
		return e, nil
	}
}
