// Package segment implements the immutable on-disk sorted-run format.
//
// File layout:
//
//	                ┌────────────────┐
//	                │  Data Block 0  │  framed, compressed, checksummed
//	                ├────────────────┤
//	                │       ...      │
//	                ├────────────────┤
//	                │  Data Block N  │
//	filterOffset -> ├────────────────┤
//	                │  Filter Block  │  bloom filter over user keys
//	 indexOffset -> ├────────────────┤
//	                │  Index Block   │  sparse {firstKey → offset} map
//	  rangeOffset-> ├────────────────┤
//	                │  Range Block   │  min/max user key
//	                ├────────────────┤
//	                │     Footer     │  offsets, counts, seq range
//	                └────────────────┘
//
// Once written, bytes never change. Every data block carries its own
// checksum; a mismatch on read surfaces as an integrity error, never
// as silently wrong data.
package segment

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/cespare/xxhash/v2"
	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/snappy"

	"tarn/pkg/dberrors"
	"tarn/pkg/kv"
)

// Codec selects the per-block compression algorithm. The engine
// treats the algorithm as a black box.
type Codec uint8

const (
	CodecNone Codec = iota
	CodecSnappy
	CodecS2
)

// ParseCodec maps a config string to a Codec.
func ParseCodec(name string) (Codec, error) {
	switch name {
	case "", "snappy":
		return CodecSnappy, nil
	case "none":
		return CodecNone, nil
	case "s2":
		return CodecS2, nil
	default:
		return CodecNone, dberrors.New(dberrors.Validation, "unknown compression codec %q", name)
	}
}

// block frame: codec(1) rawLen(4) compLen(4) checksum(8) payload.
const blockFrameSize = 1 + 4 + 4 + 8

func compress(c Codec, raw []byte) []byte {
	switch c {
	case CodecSnappy:
		return snappy.Encode(nil, raw)
	case CodecS2:
		return s2.Encode(nil, raw)
	default:
		return raw
	}
}

func decompress(c Codec, comp []byte, rawLen uint32) ([]byte, error) {
	switch c {
	case CodecSnappy:
		return snappy.Decode(make([]byte, 0, rawLen), comp)
	case CodecS2:
		return s2.Decode(make([]byte, 0, rawLen), comp)
	default:
		return comp, nil
	}
}

// writeBlock frames, compresses and checksums one block of encoded
// entries. Returns the number of bytes written to w.
func writeBlock(w io.Writer, codec Codec, raw []byte) (int, error) {
	payload := compress(codec, raw)

	var hdr [blockFrameSize]byte
	hdr[0] = byte(codec)
	binary.LittleEndian.PutUint32(hdr[1:5], uint32(len(raw)))
	binary.LittleEndian.PutUint32(hdr[5:9], uint32(len(payload)))
	binary.LittleEndian.PutUint64(hdr[9:17], xxhash.Sum64(payload))

	n, err := w.Write(hdr[:])
	if err != nil {
		return n, err
	}
	m, err := w.Write(payload)
	return n + m, err
}

// decodeBlock verifies and decodes one framed block into its entries.
func decodeBlock(data []byte) ([]*kv.Entry, error) {
	if len(data) < blockFrameSize {
		return nil, dberrors.New(dberrors.Integrity, "block frame truncated: %d bytes", len(data))
	}
	codec := Codec(data[0])
	rawLen := binary.LittleEndian.Uint32(data[1:5])
	compLen := binary.LittleEndian.Uint32(data[5:9])
	sum := binary.LittleEndian.Uint64(data[9:17])

	if uint32(len(data)-blockFrameSize) < compLen {
		return nil, dberrors.New(dberrors.Integrity, "block payload truncated: want %d, have %d", compLen, len(data)-blockFrameSize)
	}
	payload := data[blockFrameSize : blockFrameSize+int(compLen)]
	if xxhash.Sum64(payload) != sum {
		return nil, dberrors.New(dberrors.Integrity, "block checksum mismatch")
	}

	raw, err := decompress(codec, payload, rawLen)
	if err != nil {
		return nil, dberrors.Wrap(dberrors.Integrity, err, "decompress block")
	}
	if uint32(len(raw)) != rawLen {
		return nil, dberrors.New(dberrors.Integrity, "block length mismatch: want %d, have %d", rawLen, len(raw))
	}

	var entries []*kv.Entry
	r := bytes.NewReader(raw)
	for {
		e, err := kv.DecodeEntry(r)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, dberrors.Wrap(dberrors.Integrity, err, "decode block entry")
		}
		entries = append(entries, e)
	}
	return entries, nil
}
