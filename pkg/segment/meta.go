package segment

import (
	"fmt"
	"path/filepath"

	"tarn/pkg/kv"
)

// Meta is everything the manifest records about one segment.
type Meta struct {
	ID             uint64 `json:"id"`
	Level          int    `json:"level"`
	Size           uint64 `json:"size"`
	EntryCount     uint64 `json:"entry_count"`
	TombstoneCount uint64 `json:"tombstone_count"`
	MinKey         []byte `json:"min_key"`
	MaxKey         []byte `json:"max_key"`
	MinSeq         uint64 `json:"min_seq"`
	MaxSeq         uint64 `json:"max_seq"`
	CreatedAtUnix  int64  `json:"created_at"`
}

// FileName is the on-disk name for a segment id.
func FileName(id uint64) string {
	return fmt.Sprintf("%08d.seg", id)
}

// Path joins a partition's segment directory with the segment file.
func Path(dir string, id uint64) string {
	return filepath.Join(dir, FileName(id))
}

// Overlaps reports whether the segment's key range intersects
// [lo, hi]. Nil bounds are unbounded.
func (m *Meta) Overlaps(lo, hi kv.Key) bool {
	if hi != nil && keyCompare(m.MinKey, hi) > 0 {
		return false
	}
	if lo != nil && keyCompare(m.MaxKey, lo) < 0 {
		return false
	}
	return true
}

// MayContain is a cheap key-range test used before touching the file.
func (m *Meta) MayContain(key kv.Key) bool {
	return keyCompare(key, m.MinKey) >= 0 && keyCompare(key, m.MaxKey) <= 0
}
