package kv

import (
	"bytes"
	"encoding/binary"
	"io"
)

// Entry is a single versioned mutation. The internal ordering is
// (key ascending, seq descending), so the newest version of a key
// sorts first.
type Entry struct {
	Key   Key
	Value Value
	Seq   SeqNum
	Kind  Kind
}

func (e *Entry) Tombstone() bool {
	return e.Kind == KindTombstone
}

// Size returns the approximate in-memory footprint of the entry.
func (e *Entry) Size() uint64 {
	const overhead = 8 + 1
	return uint64(len(e.Key)) + uint64(len(e.Value)) + overhead
}

// InternalCompare orders entries by key ascending, then seq
// descending.
func InternalCompare(a, b *Entry) int {
	if c := bytes.Compare(a.Key, b.Key); c != 0 {
		return c
	}
	switch {
	case a.Seq > b.Seq:
		return -1
	case a.Seq < b.Seq:
		return 1
	default:
		return 0
	}
}

// Encode writes the entry to w.
// Format: kind(1) seq(8) keyLen(uvarint) valueLen(uvarint) key value.
// Returns the number of bytes written.
func (e *Entry) Encode(w io.Writer) (int, error) {
	var hdr [1 + 8]byte
	var lenBuf [binary.MaxVarintLen64]byte
	total := 0

	hdr[0] = byte(e.Kind)
	binary.LittleEndian.PutUint64(hdr[1:], e.Seq)
	n, err := w.Write(hdr[:])
	total += n
	if err != nil {
		return total, err
	}

	ln := binary.PutUvarint(lenBuf[:], uint64(len(e.Key)))
	n, err = w.Write(lenBuf[:ln])
	total += n
	if err != nil {
		return total, err
	}

	ln = binary.PutUvarint(lenBuf[:], uint64(len(e.Value)))
	n, err = w.Write(lenBuf[:ln])
	total += n
	if err != nil {
		return total, err
	}

	if len(e.Key) > 0 {
		n, err = w.Write(e.Key)
		total += n
		if err != nil {
			return total, err
		}
	}
	if len(e.Value) > 0 {
		n, err = w.Write(e.Value)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// DecodeEntry reads one entry from r. io.EOF is returned unwrapped
// when the reader is exhausted before the first header byte.
func DecodeEntry(r io.Reader) (*Entry, error) {
	var hdr [1 + 8]byte
	if _, err := io.ReadFull(r, hdr[:1]); err != nil {
		return nil, err
	}
	if _, err := io.ReadFull(r, hdr[1:]); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}

	br := byteReader{r}
	keyLen, err := binary.ReadUvarint(br)
	if err != nil {
		return nil, err
	}
	valueLen, err := binary.ReadUvarint(br)
	if err != nil {
		return nil, err
	}

	e := &Entry{
		Kind: Kind(hdr[0]),
		Seq:  binary.LittleEndian.Uint64(hdr[1:]),
	}
	if keyLen > 0 {
		e.Key = make([]byte, keyLen)
		if _, err := io.ReadFull(r, e.Key); err != nil {
			return nil, err
		}
	}
	if valueLen > 0 {
		e.Value = make([]byte, valueLen)
		if _, err := io.ReadFull(r, e.Value); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// byteReader adapts io.Reader for binary.ReadUvarint.
type byteReader struct {
	io.Reader
}

func (br byteReader) ReadByte() (byte, error) {
	var b [1]byte
	if _, err := io.ReadFull(br.Reader, b[:]); err != nil {
		return 0, err
	}
	return b[0], nil
}
