package segment

import (
	"bytes"
	"encoding/binary"
	"io"
	"sort"

	"tarn/pkg/dberrors"
)

// indexEntry maps the first key of a data block to its file position.
type indexEntry struct {
	firstKey []byte
	offset   uint64
	length   uint32
}

// blockIndex is the sparse index: one entry per block, sorted by
// firstKey. Lookup is a binary search for the last block whose first
// key is <= the target, then a linear scan inside the block.
type blockIndex struct {
	entries []indexEntry
}

// seek returns the position of the block that may contain key, or -1.
func (ix *blockIndex) seek(key []byte) int {
	n := len(ix.entries)
	// first block with firstKey > key
	pos := sort.Search(n, func(i int) bool {
		return bytes.Compare(ix.entries[i].firstKey, key) > 0
	})
	return pos - 1
}

func (ix *blockIndex) encode(w io.Writer) (int, error) {
	var buf [8]byte
	total := 0

	binary.LittleEndian.PutUint32(buf[:4], uint32(len(ix.entries)))
	n, err := w.Write(buf[:4])
	total += n
	if err != nil {
		return total, err
	}

	for _, e := range ix.entries {
		binary.LittleEndian.PutUint32(buf[:4], uint32(len(e.firstKey)))
		n, err = w.Write(buf[:4])
		total += n
		if err != nil {
			return total, err
		}
		n, err = w.Write(e.firstKey)
		total += n
		if err != nil {
			return total, err
		}
		binary.LittleEndian.PutUint64(buf[:8], e.offset)
		n, err = w.Write(buf[:8])
		total += n
		if err != nil {
			return total, err
		}
		binary.LittleEndian.PutUint32(buf[:4], e.length)
		n, err = w.Write(buf[:4])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func decodeIndex(data []byte) (*blockIndex, error) {
	r := bytes.NewReader(data)
	var buf [8]byte

	if _, err := io.ReadFull(r, buf[:4]); err != nil {
		return nil, dberrors.Wrap(dberrors.Integrity, err, "read index count")
	}
	count := binary.LittleEndian.Uint32(buf[:4])

	ix := &blockIndex{entries: make([]indexEntry, 0, count)}
	for i := uint32(0); i < count; i++ {
		if _, err := io.ReadFull(r, buf[:4]); err != nil {
			return nil, dberrors.Wrap(dberrors.Integrity, err, "read index key length")
		}
		keyLen := binary.LittleEndian.Uint32(buf[:4])
		key := make([]byte, keyLen)
		if _, err := io.ReadFull(r, key); err != nil {
			return nil, dberrors.Wrap(dberrors.Integrity, err, "read index key")
		}
		if _, err := io.ReadFull(r, buf[:8]); err != nil {
			return nil, dberrors.Wrap(dberrors.Integrity, err, "read index offset")
		}
		offset := binary.LittleEndian.Uint64(buf[:8])
		if _, err := io.ReadFull(r, buf[:4]); err != nil {
			return nil, dberrors.Wrap(dberrors.Integrity, err, "read index block length")
		}
		length := binary.LittleEndian.Uint32(buf[:4])
		ix.entries = append(ix.entries, indexEntry{firstKey: key, offset: offset, length: length})
	}
	return ix, nil
}
