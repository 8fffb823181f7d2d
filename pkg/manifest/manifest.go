// Package manifest persists, per partition, the authoritative list of
// live segments, their level assignment, and the last sequence number
// whose effects are durably represented in segments. All updates
// funnel through one commit point per partition: flush registration
// and compaction results are serialized here rather than racing on
// finer-grained locks.
package manifest

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/zhangyunhao116/skipset"

	"tarn/pkg/dberrors"
	"tarn/pkg/segment"
)

const fileName = "MANIFEST.json"

// Version is one immutable state of the partition's segment set.
// Readers hold a pointer to a Version and are never invalidated by a
// commit; they simply keep reading the old one.
type Version struct {
	Segments       []segment.Meta `json:"segments"`
	LastApplied    uint64         `json:"last_applied_seq"`
	NextSegmentID  uint64         `json:"next_segment_id"`
	CompactionMode string         `json:"compaction_mode,omitempty"`

	// CreatedAtSeq is the sequence number at which this incarnation
	// of the partition was created. Journal records at or below it
	// belong to an earlier, dropped incarnation of the same name and
	// are skipped during replay.
	CreatedAtSeq uint64 `json:"created_at_seq,omitempty"`
}

// SegmentsAtLevel filters the version's segments by level, preserving
// manifest order (oldest first within a level).
func (v *Version) SegmentsAtLevel(level int) []segment.Meta {
	var out []segment.Meta
	for _, m := range v.Segments {
		if m.Level == level {
			out = append(out, m)
		}
	}
	return out
}

// MaxLevel returns the deepest occupied level.
func (v *Version) MaxLevel() int {
	max := 0
	for _, m := range v.Segments {
		if m.Level > max {
			max = m.Level
		}
	}
	return max
}

// Edit is an atomic change set applied by Commit.
type Edit struct {
	Add          []segment.Meta
	Remove       []uint64
	LastApplied  uint64 // zero means unchanged
	CreatedAtSeq uint64 // zero means unchanged
}

// Manifest owns the on-disk state for one partition.
type Manifest struct {
	path string

	commitMu sync.Mutex // the single commit point
	current  atomic.Pointer[Version]

	// live tracks the ids of segments in the current version. The
	// startup janitor walks the segment directory against this set
	// to remove files left behind by a crash mid-compaction.
	live *skipset.Uint64Set

	nextID atomic.Uint64
}

// Open loads an existing manifest or creates an empty one.
func Open(dir string) (*Manifest, error) {
	m := &Manifest{
		path: filepath.Join(dir, fileName),
		live: skipset.NewUint64(),
	}

	data, err := os.ReadFile(m.path)
	switch {
	case os.IsNotExist(err):
		v := &Version{NextSegmentID: 1}
		m.current.Store(v)
		m.nextID.Store(1)
		if err := m.persist(v); err != nil {
			return nil, err
		}
	case err != nil:
		return nil, dberrors.Wrap(dberrors.Recovery, err, "read manifest %s", m.path)
	default:
		var v Version
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, dberrors.Wrap(dberrors.Recovery, err, "decode manifest %s", m.path)
		}
		if v.NextSegmentID == 0 {
			return nil, dberrors.New(dberrors.Recovery, "manifest %s: zero next segment id", m.path)
		}
		m.current.Store(&v)
		m.nextID.Store(v.NextSegmentID)
		for _, sm := range v.Segments {
			m.live.Add(sm.ID)
		}
	}
	return m, nil
}

// Current returns the latest committed version.
func (m *Manifest) Current() *Version {
	return m.current.Load()
}

// NextSegmentID allocates a fresh segment id. Allocation is durable
// lazily: ids of segments that never commit are simply skipped.
func (m *Manifest) NextSegmentID() uint64 {
	return m.nextID.Add(1) - 1
}

// Live reports whether a segment id belongs to the current version.
func (m *Manifest) Live(id uint64) bool {
	return m.live.Contains(id)
}

// Commit applies the edit, persists the new version, and swaps the
// version pointer. Readers observe either the old or the new set,
// never a mixture.
func (m *Manifest) Commit(edit Edit) (*Version, error) {
	m.commitMu.Lock()
	defer m.commitMu.Unlock()

	old := m.current.Load()
	next := &Version{
		LastApplied:    old.LastApplied,
		NextSegmentID:  m.nextID.Load(),
		CompactionMode: old.CompactionMode,
		CreatedAtSeq:   old.CreatedAtSeq,
	}
	if edit.LastApplied > next.LastApplied {
		next.LastApplied = edit.LastApplied
	}
	if edit.CreatedAtSeq > next.CreatedAtSeq {
		next.CreatedAtSeq = edit.CreatedAtSeq
	}

	removed := make(map[uint64]bool, len(edit.Remove))
	for _, id := range edit.Remove {
		removed[id] = true
	}
	for _, sm := range old.Segments {
		if !removed[sm.ID] {
			next.Segments = append(next.Segments, sm)
		}
	}
	next.Segments = append(next.Segments, edit.Add...)

	if err := m.persist(next); err != nil {
		return nil, err
	}

	for _, sm := range edit.Add {
		m.live.Add(sm.ID)
	}
	for _, id := range edit.Remove {
		m.live.Remove(id)
	}
	m.current.Store(next)
	return next, nil
}

// persist writes the version with a tmp-file rename so a crash leaves
// either the old or the new manifest, never a torn one.
func (m *Manifest) persist(v *Version) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return dberrors.Wrap(dberrors.Durability, err, "encode manifest")
	}

	tmp := m.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return dberrors.Wrap(dberrors.Durability, err, "create manifest tmp")
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return dberrors.Wrap(dberrors.Durability, err, "write manifest")
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return dberrors.Wrap(dberrors.Durability, err, "sync manifest")
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return dberrors.Wrap(dberrors.Durability, err, "close manifest")
	}
	if err := os.Rename(tmp, m.path); err != nil {
		os.Remove(tmp)
		return dberrors.Wrap(dberrors.Durability, err, "rename manifest")
	}
	return syncDir(filepath.Dir(m.path))
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return nil // best effort; not all platforms support dir sync
	}
	defer d.Close()
	_ = d.Sync()
	return nil
}
