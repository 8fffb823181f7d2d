package segment

import (
	"bytes"
	"encoding/binary"
	"io"

	"tarn/pkg/dberrors"
)

const (
	footerMagic   = 0x7461726e_7365_6701 // "tarnseg" + version 1
	footerSize    = 8 * 8
	formatVersion = 1
)

// footer is the fixed-size trailer of every segment file.
type footer struct {
	entryCount     uint64
	tombstoneCount uint64
	minSeq         uint64
	maxSeq         uint64
	filterOffset   uint64
	indexOffset    uint64
	rangeOffset    uint64
}

func (f *footer) encode(w io.Writer) (int, error) {
	var buf [footerSize]byte
	binary.LittleEndian.PutUint64(buf[0:], f.entryCount)
	binary.LittleEndian.PutUint64(buf[8:], f.tombstoneCount)
	binary.LittleEndian.PutUint64(buf[16:], f.minSeq)
	binary.LittleEndian.PutUint64(buf[24:], f.maxSeq)
	binary.LittleEndian.PutUint64(buf[32:], f.filterOffset)
	binary.LittleEndian.PutUint64(buf[40:], f.indexOffset)
	binary.LittleEndian.PutUint64(buf[48:], f.rangeOffset)
	binary.LittleEndian.PutUint64(buf[56:], footerMagic)
	return w.Write(buf[:])
}

func decodeFooter(data []byte) (*footer, error) {
	if len(data) != footerSize {
		return nil, dberrors.New(dberrors.Integrity, "footer size mismatch: %d", len(data))
	}
	if binary.LittleEndian.Uint64(data[56:]) != footerMagic {
		return nil, dberrors.New(dberrors.Integrity, "bad segment magic")
	}
	return &footer{
		entryCount:     binary.LittleEndian.Uint64(data[0:]),
		tombstoneCount: binary.LittleEndian.Uint64(data[8:]),
		minSeq:         binary.LittleEndian.Uint64(data[16:]),
		maxSeq:         binary.LittleEndian.Uint64(data[24:]),
		filterOffset:   binary.LittleEndian.Uint64(data[32:]),
		indexOffset:    binary.LittleEndian.Uint64(data[40:]),
		rangeOffset:    binary.LittleEndian.Uint64(data[48:]),
	}, nil
}

// range block: minKeyLen(4) minKey maxKeyLen(4) maxKey.
func encodeKeyRange(w io.Writer, minKey, maxKey []byte) (int, error) {
	var buf [4]byte
	total := 0

	binary.LittleEndian.PutUint32(buf[:], uint32(len(minKey)))
	n, err := w.Write(buf[:])
	total += n
	if err != nil {
		return total, err
	}
	n, err = w.Write(minKey)
	total += n
	if err != nil {
		return total, err
	}
	binary.LittleEndian.PutUint32(buf[:], uint32(len(maxKey)))
	n, err = w.Write(buf[:])
	total += n
	if err != nil {
		return total, err
	}
	n, err = w.Write(maxKey)
	total += n
	return total, err
}

func decodeKeyRange(data []byte) (minKey, maxKey []byte, err error) {
	r := bytes.NewReader(data)
	var buf [4]byte

	if _, err = io.ReadFull(r, buf[:]); err != nil {
		return nil, nil, dberrors.Wrap(dberrors.Integrity, err, "read min key length")
	}
	minKey = make([]byte, binary.LittleEndian.Uint32(buf[:]))
	if _, err = io.ReadFull(r, minKey); err != nil {
		return nil, nil, dberrors.Wrap(dberrors.Integrity, err, "read min key")
	}
	if _, err = io.ReadFull(r, buf[:]); err != nil {
		return nil, nil, dberrors.Wrap(dberrors.Integrity, err, "read max key length")
	}
	maxKey = make([]byte, binary.LittleEndian.Uint32(buf[:]))
	if _, err = io.ReadFull(r, maxKey); err != nil {
		return nil, nil, dberrors.Wrap(dberrors.Integrity, err, "read max key")
	}
	return minKey, maxKey, nil
}
