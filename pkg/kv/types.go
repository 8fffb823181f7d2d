package kv

// Key is a raw user key. Keys are ordered bytewise ascending.
type Key = []byte

// Value is a raw user value.
type Value = []byte

// SeqNum is a monotonically increasing write-order identifier. All
// entries of one batch share a single sequence number, which is what
// makes a multi-partition batch atomic from a reader's point of view.
type SeqNum = uint64

// Kind discriminates live values from delete markers.
type Kind uint8

const (
	KindValue Kind = iota
	KindTombstone
)

// Hard bounds enforced at the write boundary. A key or value above
// these limits is rejected before it reaches the journal.
const (
	MaxKeyLen   = 65536
	MaxValueLen = 1 << 32
)
