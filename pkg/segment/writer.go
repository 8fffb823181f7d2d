package segment

import (
	"bufio"
	"bytes"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/willf/bloom"

	"tarn/pkg/dberrors"
	"tarn/pkg/kv"
)

func keyCompare(a, b []byte) int { return bytes.Compare(a, b) }

// WriterOptions configure segment construction.
type WriterOptions struct {
	// BlockSize is the uncompressed data block target in bytes.
	BlockSize int
	// Codec is the per-block compression algorithm.
	Codec Codec
	// FilterBitsPerKey sizes the bloom filter; zero disables it.
	FilterBitsPerKey int
	// ExpectedEntries pre-sizes the filter. Zero falls back to a
	// conservative default.
	ExpectedEntries uint
}

// Writer builds one immutable segment from a stream of entries in
// internal order. The caller must feed entries sorted by
// (key ascending, seq descending); Add rejects out-of-order input.
type Writer struct {
	f    *os.File
	buf  *bufio.Writer
	path string
	opts WriterOptions

	blockBuf bytes.Buffer
	blockOff uint64
	firstKey []byte

	index  blockIndex
	filter *bloom.BloomFilter

	offset  uint64
	lastKey []byte
	lastSeq uint64

	entryCount     uint64
	tombstoneCount uint64
	minKey, maxKey []byte
	minSeq, maxSeq uint64
}

// NewWriter creates the segment file at path. The file is written as
// path and must not exist yet; orchestration layers write to a
// temporary name and rename after Finish.
func NewWriter(path string, opts WriterOptions) (*Writer, error) {
	if opts.BlockSize <= 0 {
		opts.BlockSize = 4096
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, dberrors.Wrap(dberrors.Durability, err, "create segment %s", path)
	}

	w := &Writer{
		f:      f,
		buf:    bufio.NewWriter(f),
		path:   path,
		opts:   opts,
		minSeq: ^uint64(0),
	}
	if opts.FilterBitsPerKey > 0 {
		n := opts.ExpectedEntries
		if n == 0 {
			n = 1024
		}
		w.filter = bloom.New(n*uint(opts.FilterBitsPerKey), bloomHashes(opts.FilterBitsPerKey))
	}
	return w, nil
}

// bloomHashes is the standard k = bits * ln2 approximation.
func bloomHashes(bitsPerKey int) uint {
	k := uint(float64(bitsPerKey) * 0.69)
	if k < 1 {
		k = 1
	}
	if k > 30 {
		k = 30
	}
	return k
}

// Add appends one entry. Entries must arrive in internal order.
func (w *Writer) Add(e *kv.Entry) error {
	if w.lastKey != nil {
		c := keyCompare(e.Key, w.lastKey)
		if c < 0 || (c == 0 && e.Seq >= w.lastSeq) {
			return dberrors.New(dberrors.Validation, "segment writer: out-of-order entry")
		}
		// Blocks are cut at key boundaries only, so all versions of
		// one key share a block.
		if c > 0 && w.blockBuf.Len() >= w.opts.BlockSize {
			if err := w.flushBlock(); err != nil {
				return err
			}
		}
	}

	if w.blockBuf.Len() == 0 {
		w.firstKey = append([]byte(nil), e.Key...)
		w.blockOff = w.offset
	}
	if _, err := e.Encode(&w.blockBuf); err != nil {
		return errors.Wrap(err, "encode entry")
	}

	if w.filter != nil && keyCompare(e.Key, w.lastKey) != 0 {
		w.filter.Add(e.Key)
	}

	w.entryCount++
	if e.Tombstone() {
		w.tombstoneCount++
	}
	if w.minKey == nil {
		w.minKey = append([]byte(nil), e.Key...)
	}
	w.maxKey = append(w.maxKey[:0], e.Key...)
	if e.Seq < w.minSeq {
		w.minSeq = e.Seq
	}
	if e.Seq > w.maxSeq {
		w.maxSeq = e.Seq
	}
	w.lastKey = append(w.lastKey[:0], e.Key...)
	w.lastSeq = e.Seq
	return nil
}

func (w *Writer) flushBlock() error {
	if w.blockBuf.Len() == 0 {
		return nil
	}
	n, err := writeBlock(w.buf, w.opts.Codec, w.blockBuf.Bytes())
	if err != nil {
		return dberrors.Wrap(dberrors.Durability, err, "write data block")
	}
	w.index.entries = append(w.index.entries, indexEntry{
		firstKey: w.firstKey,
		offset:   w.blockOff,
		length:   uint32(n),
	})
	w.offset += uint64(n)
	w.blockBuf.Reset()
	w.firstKey = nil
	return nil
}

// Finish writes filter, index, key range and footer, then fsyncs and
// closes the file. Returns the segment's metadata (ID and Level are
// left for the caller to assign).
func (w *Writer) Finish() (*Meta, error) {
	if w.entryCount == 0 {
		w.abort()
		return nil, dberrors.New(dberrors.Validation, "segment writer: no entries")
	}
	if err := w.flushBlock(); err != nil {
		w.abort()
		return nil, err
	}

	filterOffset := w.offset
	if w.filter != nil {
		n, err := w.filter.WriteTo(w.buf)
		if err != nil {
			w.abort()
			return nil, dberrors.Wrap(dberrors.Durability, err, "write filter block")
		}
		w.offset += uint64(n)
	}

	indexOffset := w.offset
	n, err := w.index.encode(w.buf)
	if err != nil {
		w.abort()
		return nil, dberrors.Wrap(dberrors.Durability, err, "write index block")
	}
	w.offset += uint64(n)

	rangeOffset := w.offset
	n, err = encodeKeyRange(w.buf, w.minKey, w.maxKey)
	if err != nil {
		w.abort()
		return nil, dberrors.Wrap(dberrors.Durability, err, "write key range block")
	}
	w.offset += uint64(n)

	ft := footer{
		entryCount:     w.entryCount,
		tombstoneCount: w.tombstoneCount,
		minSeq:         w.minSeq,
		maxSeq:         w.maxSeq,
		filterOffset:   filterOffset,
		indexOffset:    indexOffset,
		rangeOffset:    rangeOffset,
	}
	if _, err := ft.encode(w.buf); err != nil {
		w.abort()
		return nil, dberrors.Wrap(dberrors.Durability, err, "write footer")
	}
	w.offset += footerSize

	if err := w.buf.Flush(); err != nil {
		w.abort()
		return nil, dberrors.Wrap(dberrors.Durability, err, "flush segment")
	}
	if err := w.f.Sync(); err != nil {
		w.abort()
		return nil, dberrors.Wrap(dberrors.Durability, err, "sync segment")
	}
	if err := w.f.Close(); err != nil {
		return nil, dberrors.Wrap(dberrors.Durability, err, "close segment")
	}

	return &Meta{
		Size:           w.offset,
		EntryCount:     w.entryCount,
		TombstoneCount: w.tombstoneCount,
		MinKey:         w.minKey,
		MaxKey:         append([]byte(nil), w.maxKey...),
		MinSeq:         w.minSeq,
		MaxSeq:         w.maxSeq,
		CreatedAtUnix:  time.Now().Unix(),
	}, nil
}

// Abort discards the partially written file.
func (w *Writer) Abort() error {
	w.abort()
	return nil
}

func (w *Writer) abort() {
	_ = w.f.Close()
	_ = os.Remove(w.path)
}
