package db

import (
	"sync/atomic"

	"tarn/pkg/dberrors"
	"tarn/pkg/kv"
)

// Snapshot is a consistent read view at a fixed sequence number.
// Writes committed after the snapshot was taken are invisible through
// it, across every partition. An open snapshot pins its versions
// against compaction garbage collection; close it promptly.
type Snapshot struct {
	ks     *Keyspace
	seq    uint64
	closed atomic.Bool
}

// Seq is the visibility point of the snapshot.
func (s *Snapshot) Seq() uint64 { return s.seq }

// Get reads key from partition as of the snapshot.
func (s *Snapshot) Get(partition string, key []byte) ([]byte, error) {
	p, err := s.partition(partition)
	if err != nil {
		return nil, err
	}
	return p.getAt(key, kv.SeqNum(s.seq))
}

// Range scans [lo, hi) of partition as of the snapshot.
func (s *Snapshot) Range(partition string, lo, hi []byte, d kv.Direction) (kv.Iterator, error) {
	p, err := s.partition(partition)
	if err != nil {
		return nil, err
	}
	return p.rangeAt(lo, hi, d, kv.SeqNum(s.seq))
}

// Prefix scans all keys of partition starting with prefix, as of the
// snapshot.
func (s *Snapshot) Prefix(partition string, prefix []byte, d kv.Direction) (kv.Iterator, error) {
	p, err := s.partition(partition)
	if err != nil {
		return nil, err
	}
	lo, hi := prefixBounds(prefix)
	return p.rangeAt(lo, hi, d, kv.SeqNum(s.seq))
}

func (s *Snapshot) partition(name string) (*Partition, error) {
	if s.closed.Load() {
		return nil, dberrors.ErrSnapshotClosed
	}
	p, ok := s.ks.parts.Load(name)
	if !ok {
		return nil, dberrors.New(dberrors.Validation, "partition %q does not exist", name)
	}
	return p, nil
}

// Close releases the snapshot's pin on garbage collection. Closing
// twice is a no-op; using a closed snapshot fails with a concurrency
// error.
func (s *Snapshot) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.ks.snapshots.Release(s.seq)
	s.ks.metrics.SnapshotClosed()
	return nil
}
