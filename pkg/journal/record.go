package journal

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"

	"tarn/pkg/dberrors"
	"tarn/pkg/kv"
)

// BatchEntry is one mutation inside a batch, addressed to a
// partition.
type BatchEntry struct {
	Partition string
	Entry     kv.Entry
}

// Batch is the journal's atomicity unit. All entries share one
// sequence number; the batch may span several partitions and
// therefore several shards.
type Batch struct {
	ID      uuid.UUID
	Seq     kv.SeqNum
	Entries []BatchEntry
}

// fragment is the per-shard slice of a batch, as persisted. Recovery
// accepts a batch only when fragments from all shardCount shards are
// present and intact.
type fragment struct {
	batchID    uuid.UUID
	seq        uint64
	shardCount uint8
	entries    []BatchEntry
}

// record framing: payloadLen(4) xxhash64(8) payload.
const recordHeaderSize = 4 + 8

func encodeFragment(w io.Writer, f *fragment) error {
	var payload bytes.Buffer
	payload.Write(f.batchID[:])

	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], f.seq)
	payload.Write(buf[:])
	payload.WriteByte(f.shardCount)

	binary.LittleEndian.PutUint32(buf[:4], uint32(len(f.entries)))
	payload.Write(buf[:4])

	for i := range f.entries {
		be := &f.entries[i]
		binary.LittleEndian.PutUint16(buf[:2], uint16(len(be.Partition)))
		payload.Write(buf[:2])
		payload.WriteString(be.Partition)
		if _, err := be.Entry.Encode(&payload); err != nil {
			return err
		}
	}

	var hdr [recordHeaderSize]byte
	binary.LittleEndian.PutUint32(hdr[:4], uint32(payload.Len()))
	binary.LittleEndian.PutUint64(hdr[4:], xxhash.Sum64(payload.Bytes()))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(payload.Bytes())
	return err
}

// errTruncated marks a clean end-of-log: the remainder of the shard
// file is discarded, matching crash-mid-write semantics.
var errTruncated = dberrors.New(dberrors.Recovery, "truncated journal record")

// decodeFragment reads one record. io.EOF signals a clean end.
func decodeFragment(r io.Reader) (*fragment, error) {
	var hdr [recordHeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:1]); err != nil {
		return nil, io.EOF
	}
	if _, err := io.ReadFull(r, hdr[1:]); err != nil {
		return nil, errTruncated
	}
	payloadLen := binary.LittleEndian.Uint32(hdr[:4])
	sum := binary.LittleEndian.Uint64(hdr[4:])

	payload := make([]byte, payloadLen)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, errTruncated
	}
	if xxhash.Sum64(payload) != sum {
		return nil, errTruncated
	}

	pr := bytes.NewReader(payload)
	f := &fragment{}
	if _, err := io.ReadFull(pr, f.batchID[:]); err != nil {
		return nil, errTruncated
	}
	var buf [8]byte
	if _, err := io.ReadFull(pr, buf[:]); err != nil {
		return nil, errTruncated
	}
	f.seq = binary.LittleEndian.Uint64(buf[:])

	if _, err := io.ReadFull(pr, buf[:1]); err != nil {
		return nil, errTruncated
	}
	f.shardCount = buf[0]

	if _, err := io.ReadFull(pr, buf[:4]); err != nil {
		return nil, errTruncated
	}
	count := binary.LittleEndian.Uint32(buf[:4])

	f.entries = make([]BatchEntry, 0, count)
	for i := uint32(0); i < count; i++ {
		if _, err := io.ReadFull(pr, buf[:2]); err != nil {
			return nil, errTruncated
		}
		nameLen := binary.LittleEndian.Uint16(buf[:2])
		name := make([]byte, nameLen)
		if _, err := io.ReadFull(pr, name); err != nil {
			return nil, errTruncated
		}
		e, err := kv.DecodeEntry(pr)
		if err != nil {
			return nil, errTruncated
		}
		f.entries = append(f.entries, BatchEntry{Partition: string(name), Entry: *e})
	}
	return f, nil
}
