package segment

import (
	"bytes"

	"tarn/pkg/kv"
)

// Iter streams a segment's entries, all versions included, within
// [lo, hi) bounds (nil means unbounded). Forward order is internal
// order; reverse order yields keys descending while versions of one
// key stay newest-first. The iterator retains the reader until
// closed.
type Iter struct {
	r       *Reader
	lo, hi  kv.Key
	reverse bool

	blockPos int
	entries  []*kv.Entry
	pos      int
	err      error
	closed   bool
}

// Iter opens a range cursor over the segment.
func (r *Reader) Iter(lo, hi kv.Key, reverse bool) *Iter {
	r.Retain()
	it := &Iter{r: r, lo: lo, hi: hi, reverse: reverse}
	if reverse {
		it.blockPos = len(r.index.entries) - 1
		if hi != nil {
			// skip blocks entirely at or beyond hi
			for it.blockPos > 0 && bytes.Compare(r.index.entries[it.blockPos].firstKey, hi) >= 0 {
				it.blockPos--
			}
		}
	} else {
		it.blockPos = 0
		if lo != nil {
			if p := r.index.seek(lo); p > 0 {
				it.blockPos = p
			}
		}
	}
	return it
}

// Next returns the next entry or nil at the end of the range.
func (it *Iter) Next() (*kv.Entry, error) {
	for {
		if it.closed {
			return nil, nil
		}
		if it.pos < len(it.entries) {
			e := it.entries[it.pos]
			it.pos++
			if it.skip(e) {
				continue
			}
			if it.done(e) {
				it.Close()
				return nil, nil
			}
			return e, nil
		}
		if !it.loadNextBlock() {
			it.Close()
			return nil, it.err
		}
	}
}

// skip filters entries before the range start.
func (it *Iter) skip(e *kv.Entry) bool {
	if it.reverse {
		return it.hi != nil && bytes.Compare(e.Key, it.hi) >= 0
	}
	return it.lo != nil && bytes.Compare(e.Key, it.lo) < 0
}

// done reports that the range end has been passed.
func (it *Iter) done(e *kv.Entry) bool {
	if it.reverse {
		return it.lo != nil && bytes.Compare(e.Key, it.lo) < 0
	}
	return it.hi != nil && bytes.Compare(e.Key, it.hi) >= 0
}

func (it *Iter) loadNextBlock() bool {
	if it.reverse {
		if it.blockPos < 0 {
			return false
		}
		entries, err := it.r.block(it.blockPos)
		if err != nil {
			it.err = err
			return false
		}
		it.entries = reverseKeyGroups(entries)
		it.blockPos--
	} else {
		if it.blockPos >= len(it.r.index.entries) {
			return false
		}
		entries, err := it.r.block(it.blockPos)
		if err != nil {
			it.err = err
			return false
		}
		it.entries = entries
		it.blockPos++
	}
	it.pos = 0
	return true
}

// Close releases the segment reference. Safe to call twice.
func (it *Iter) Close() {
	if it.closed {
		return
	}
	it.closed = true
	it.entries = nil
	it.r.Release()
}

// reverseKeyGroups flips (key asc, seq desc) into (key desc, seq
// desc): key groups are reversed as units.
func reverseKeyGroups(entries []*kv.Entry) []*kv.Entry {
	out := make([]*kv.Entry, 0, len(entries))
	end := len(entries)
	for i := len(entries) - 1; i >= 0; i-- {
		if i == 0 || !bytes.Equal(entries[i-1].Key, entries[i].Key) {
			out = append(out, entries[i:end]...)
			end = i
		}
	}
	return out
}
