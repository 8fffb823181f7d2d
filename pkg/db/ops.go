package db

import (
	"tarn/pkg/dberrors"
	"tarn/pkg/kv"
)

// Put writes one key-value pair.
func (p *Partition) Put(key, value []byte) error {
	return p.ks.NewBatch().Put(p.name, key, value).Commit()
}

// Delete writes a tombstone for key. Deleting an absent key is not an
// error.
func (p *Partition) Delete(key []byte) error {
	return p.ks.NewBatch().Delete(p.name, key).Commit()
}

// Get returns the current value of key, or ErrNotFound.
func (p *Partition) Get(key []byte) ([]byte, error) {
	return p.getAt(key, p.ks.visibleAt())
}

// Contains reports whether key currently has a value.
func (p *Partition) Contains(key []byte) (bool, error) {
	_, err := p.Get(key)
	if dberrors.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (p *Partition) getAt(key []byte, vis kv.SeqNum) ([]byte, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	p.ks.metrics.IncReads(p.name)
	e, err := p.get(key, vis)
	if err != nil {
		return nil, err
	}
	if e == nil || e.Kind == kv.KindTombstone {
		return nil, dberrors.ErrNotFound
	}
	return append([]byte(nil), e.Value...), nil
}

// Range returns a cursor over [lo, hi) in the given direction. Nil
// bounds are unbounded. The cursor reads a fixed visibility point;
// later writes do not appear.
func (p *Partition) Range(lo, hi []byte, d kv.Direction) (kv.Iterator, error) {
	return p.rangeAt(lo, hi, d, p.ks.visibleAt())
}

// Prefix returns a cursor over all keys starting with prefix.
func (p *Partition) Prefix(prefix []byte, d kv.Direction) (kv.Iterator, error) {
	lo, hi := prefixBounds(prefix)
	return p.rangeAt(lo, hi, d, p.ks.visibleAt())
}

// Len counts the partition's visible keys by scanning. It is an
// O(n) diagnostic, not a constant-time counter.
func (p *Partition) Len() (int, error) {
	it, err := p.Range(nil, nil, kv.Forward)
	if err != nil {
		return 0, err
	}
	defer it.Close()
	n := 0
	for it.Next() {
		n++
	}
	return n, it.Err()
}

// FirstKeyValue returns the smallest visible key and its value, or
// ErrNotFound on an empty partition.
func (p *Partition) FirstKeyValue() ([]byte, []byte, error) {
	return p.edgeKeyValue(kv.Forward)
}

// LastKeyValue returns the largest visible key and its value, or
// ErrNotFound on an empty partition.
func (p *Partition) LastKeyValue() ([]byte, []byte, error) {
	return p.edgeKeyValue(kv.Reverse)
}

func (p *Partition) edgeKeyValue(d kv.Direction) ([]byte, []byte, error) {
	it, err := p.Range(nil, nil, d)
	if err != nil {
		return nil, nil, err
	}
	defer it.Close()
	if !it.Next() {
		if err := it.Err(); err != nil {
			return nil, nil, err
		}
		return nil, nil, dberrors.ErrNotFound
	}
	return it.Key(), it.Value(), nil
}

// DiskUsage sums the sizes of the partition's live segments. Journal
// space is accounted at the keyspace level.
func (p *Partition) DiskUsage() uint64 {
	var total uint64
	for _, m := range p.man.Current().Segments {
		total += m.Size
	}
	return total
}

// prefixBounds converts a prefix into a [lo, hi) key range. The upper
// bound is the prefix with its last byte bumped; an all-0xff prefix
// has no finite successor and leaves hi unbounded.
func prefixBounds(prefix []byte) (lo, hi []byte) {
	if len(prefix) == 0 {
		return nil, nil
	}
	lo = append([]byte(nil), prefix...)
	hi = append([]byte(nil), prefix...)
	for i := len(hi) - 1; i >= 0; i-- {
		if hi[i] != 0xff {
			hi[i]++
			return lo, hi[:i+1]
		}
	}
	return lo, nil
}
