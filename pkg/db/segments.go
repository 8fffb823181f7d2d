package db

import (
	"github.com/puzpuzpuz/xsync/v3"

	"tarn/pkg/segment"
)

// segmentSet keeps the open readers of one partition. The registry
// holds one base reference per reader; lookups and iterators retain
// on top of it. Dropping a segment removes the base reference and
// marks the file for deletion once in-flight readers drain.
type segmentSet struct {
	dir     string
	cache   *segment.BlockCache
	useMmap bool
	readers *xsync.MapOf[uint64, *segment.Reader]
}

func newSegmentSet(dir string, cache *segment.BlockCache, useMmap bool) *segmentSet {
	return &segmentSet{
		dir:     dir,
		cache:   cache,
		useMmap: useMmap,
		readers: xsync.NewMapOf[uint64, *segment.Reader](),
	}
}

// Retain returns a reader for the segment with one reference held for
// the caller, opening the file on first use.
func (s *segmentSet) Retain(meta segment.Meta) (*segment.Reader, error) {
	if r, ok := s.readers.Load(meta.ID); ok && r.TryRetain() {
		return r, nil
	}
	m := meta
	r, err := segment.Open(segment.Path(s.dir, meta.ID), &m, segment.ReaderOptions{
		UseMmap: s.useMmap,
		Cache:   s.cache,
	})
	if err != nil {
		return nil, err
	}
	if actual, loaded := s.readers.LoadOrStore(meta.ID, r); loaded {
		r.Release()
		if actual.TryRetain() {
			return actual, nil
		}
		// the stored reader is draining after a concurrent Drop
		return s.Retain(meta)
	}
	// the stored base reference plus the caller's
	r.Retain()
	return r, nil
}

// Drop removes a compacted-away segment. The file disappears when the
// last in-flight reference is released.
func (s *segmentSet) Drop(id uint64) {
	if r, ok := s.readers.LoadAndDelete(id); ok {
		r.MarkObsolete()
		r.Release()
	}
}

// Len reports open readers.
func (s *segmentSet) Len() int { return s.readers.Size() }

// close releases every base reference. With removeFiles the segment
// files are deleted as the references drain, used by partition drop.
func (s *segmentSet) close(removeFiles bool) {
	s.readers.Range(func(id uint64, r *segment.Reader) bool {
		s.readers.Delete(id)
		if removeFiles {
			r.MarkObsolete()
		}
		r.Release()
		return true
	})
}
