package segment

import (
	"bytes"
	"os"
	"sort"
	"sync/atomic"

	"github.com/edsrzf/mmap-go"
	"github.com/willf/bloom"

	"tarn/pkg/dberrors"
	"tarn/pkg/kv"
)

// ReaderOptions configure how a segment file is opened.
type ReaderOptions struct {
	// UseMmap maps the file instead of issuing reads.
	UseMmap bool
	// Cache is the shared decoded-block cache, may be nil.
	Cache *BlockCache
}

// Reader provides random and sequential access to one immutable
// segment. Readers are reference-counted: iterators and lookups
// retain the reader, and the underlying file is closed (and, for
// segments replaced by compaction, deleted) only when the last
// reference is dropped.
type Reader struct {
	meta *Meta
	path string
	opts ReaderOptions

	f    *os.File
	mm   mmap.MMap
	data []byte // whole file when mmapped, nil otherwise
	size int64

	index  *blockIndex
	filter *bloom.BloomFilter

	refs     atomic.Int64
	obsolete atomic.Bool
}

// Open validates the footer and loads index, filter and key range.
// The returned reader holds one reference.
func Open(path string, meta *Meta, opts ReaderOptions) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, dberrors.Wrap(dberrors.Durability, err, "open segment %s", path)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, dberrors.Wrap(dberrors.Durability, err, "stat segment %s", path)
	}
	if st.Size() < footerSize {
		f.Close()
		return nil, dberrors.New(dberrors.Integrity, "segment %s truncated: %d bytes", path, st.Size())
	}

	r := &Reader{meta: meta, path: path, opts: opts, f: f, size: st.Size()}
	r.refs.Store(1)

	if opts.UseMmap {
		mm, err := mmap.Map(f, mmap.RDONLY, 0)
		if err == nil {
			r.mm = mm
			r.data = mm
		}
		// fall back to pread on mmap failure
	}

	if err := r.loadMetadata(); err != nil {
		r.closeFile()
		return nil, err
	}
	return r, nil
}

func (r *Reader) loadMetadata() error {
	ftData, err := r.readAt(uint64(r.size)-footerSize, footerSize)
	if err != nil {
		return err
	}
	ft, err := decodeFooter(ftData)
	if err != nil {
		return err
	}

	idxData, err := r.readAt(ft.indexOffset, int(ft.rangeOffset-ft.indexOffset))
	if err != nil {
		return err
	}
	r.index, err = decodeIndex(idxData)
	if err != nil {
		return err
	}

	if ft.indexOffset > ft.filterOffset {
		fltData, err := r.readAt(ft.filterOffset, int(ft.indexOffset-ft.filterOffset))
		if err != nil {
			return err
		}
		flt := &bloom.BloomFilter{}
		if _, err := flt.ReadFrom(bytes.NewReader(fltData)); err != nil {
			return dberrors.Wrap(dberrors.Integrity, err, "decode filter block")
		}
		r.filter = flt
	}

	rangeData, err := r.readAt(ft.rangeOffset, int(uint64(r.size)-footerSize-ft.rangeOffset))
	if err != nil {
		return err
	}
	minKey, maxKey, err := decodeKeyRange(rangeData)
	if err != nil {
		return err
	}

	if r.meta == nil {
		r.meta = &Meta{}
	}
	// Footer is authoritative; manifest copies may lag.
	r.meta.EntryCount = ft.entryCount
	r.meta.TombstoneCount = ft.tombstoneCount
	r.meta.MinSeq = ft.minSeq
	r.meta.MaxSeq = ft.maxSeq
	r.meta.MinKey = minKey
	r.meta.MaxKey = maxKey
	r.meta.Size = uint64(r.size)
	return nil
}

func (r *Reader) readAt(off uint64, n int) ([]byte, error) {
	if n < 0 || off+uint64(n) > uint64(r.size) {
		return nil, dberrors.New(dberrors.Integrity, "segment %s: read beyond end (off=%d n=%d size=%d)", r.path, off, n, r.size)
	}
	if r.data != nil {
		return r.data[off : off+uint64(n)], nil
	}
	buf := make([]byte, n)
	if _, err := r.f.ReadAt(buf, int64(off)); err != nil {
		return nil, dberrors.Wrap(dberrors.Durability, err, "read segment %s", r.path)
	}
	return buf, nil
}

// Meta returns the segment metadata as recorded in the footer.
func (r *Reader) Meta() *Meta { return r.meta }

// Path returns the segment file path.
func (r *Reader) Path() string { return r.path }

// block loads and decodes the data block at index position pos.
func (r *Reader) block(pos int) ([]*kv.Entry, error) {
	ie := r.index.entries[pos]
	if cached, ok := r.opts.Cache.get(r.meta.ID, ie.offset); ok {
		return cached, nil
	}
	data, err := r.readAt(ie.offset, int(ie.length))
	if err != nil {
		return nil, err
	}
	entries, err := decodeBlock(data)
	if err != nil {
		return nil, dberrors.Wrap(dberrors.Integrity, err, "segment %s block %d", r.path, pos)
	}
	r.opts.Cache.put(r.meta.ID, ie.offset, entries)
	return entries, nil
}

// Get returns the newest version of key visible at vis, or
// (nil, false) when the segment holds none.
func (r *Reader) Get(key kv.Key, vis kv.SeqNum) (*kv.Entry, bool, error) {
	if !r.meta.MayContain(key) {
		return nil, false, nil
	}
	if r.filter != nil && !r.filter.Test(key) {
		return nil, false, nil
	}

	// The target key may span adjacent blocks when many versions
	// exist, so walk forward while the block still starts at or
	// before the key.
	pos := r.index.seek(key)
	if pos < 0 {
		pos = 0
	}
	for ; pos < len(r.index.entries); pos++ {
		if bytes.Compare(r.index.entries[pos].firstKey, key) > 0 {
			break
		}
		entries, err := r.block(pos)
		if err != nil {
			return nil, false, err
		}
		// first entry with (key, seq) >= (key, vis) in internal order
		i := sort.Search(len(entries), func(i int) bool {
			c := bytes.Compare(entries[i].Key, key)
			return c > 0 || (c == 0 && entries[i].Seq <= vis)
		})
		if i < len(entries) && bytes.Equal(entries[i].Key, key) {
			return entries[i], true, nil
		}
		if i < len(entries) {
			// moved past the key: no visible version here
			return nil, false, nil
		}
	}
	return nil, false, nil
}

// Retain takes an extra reference for an in-flight read.
func (r *Reader) Retain() { r.refs.Add(1) }

// TryRetain takes a reference only if the reader is still live. It
// fails once the last reference has been released, which means the
// file may already be closed or deleted.
func (r *Reader) TryRetain() bool {
	for {
		n := r.refs.Load()
		if n <= 0 {
			return false
		}
		if r.refs.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

// Release drops one reference. The final release closes the file and
// deletes it if the segment was marked obsolete.
func (r *Reader) Release() {
	if r.refs.Add(-1) != 0 {
		return
	}
	r.closeFile()
	if r.obsolete.Load() {
		_ = os.Remove(r.path)
	}
}

// MarkObsolete schedules file deletion for when the last reference is
// released. Called after a compaction's replacement set is durable.
func (r *Reader) MarkObsolete() { r.obsolete.Store(true) }

func (r *Reader) closeFile() {
	if r.mm != nil {
		_ = r.mm.Unmap()
		r.mm = nil
		r.data = nil
	}
	if r.f != nil {
		_ = r.f.Close()
		r.f = nil
	}
}
