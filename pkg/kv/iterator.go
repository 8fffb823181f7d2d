package kv

// EntryIterator streams entries in internal order (key ascending,
// seq descending). Next returns nil once the stream is exhausted.
// Flush and compaction consume these.
type EntryIterator interface {
	Next() (*Entry, error)
}

// Iterator is the user-facing cursor over visible key-value pairs.
// Duplicate versions and tombstones have already been resolved.
type Iterator interface {
	// Next advances the cursor. It must be called before the first
	// access. It returns false when the iterator is exhausted or has
	// failed; check Err afterwards.
	Next() bool
	Key() Key
	Value() Value
	Err() error
	Close() error
}

// Direction selects iteration order for range and prefix scans.
type Direction uint8

const (
	Forward Direction = iota
	Reverse
)

// sliceEntryIterator serves a pre-collected batch of entries.
type sliceEntryIterator struct {
	entries []*Entry
	pos     int
}

// NewSliceIterator wraps already-sorted entries as an EntryIterator.
func NewSliceIterator(entries []*Entry) EntryIterator {
	return &sliceEntryIterator{entries: entries}
}

func (it *sliceEntryIterator) Next() (*Entry, error) {
	if it.pos >= len(it.entries) {
		return nil, nil
	}
	e := it.entries[it.pos]
	it.pos++
	return e, nil
}
