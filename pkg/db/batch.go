package db

import (
	"tarn/pkg/dberrors"
	"tarn/pkg/journal"
	"tarn/pkg/kv"
)

// WriteBatch accumulates writes across any number of partitions and
// commits them atomically: either every entry becomes durable and
// visible, or none does. All entries share one sequence number, so no
// read or snapshot ever observes the batch partially.
type WriteBatch struct {
	ks      *Keyspace
	entries []journal.BatchEntry
	err     error
}

// NewBatch starts an empty batch.
func (ks *Keyspace) NewBatch() *WriteBatch {
	return &WriteBatch{ks: ks}
}

// Put stages a write. Key and value are copied.
func (b *WriteBatch) Put(partition string, key, value []byte) *WriteBatch {
	if b.err != nil {
		return b
	}
	if err := validateKey(key); err != nil {
		b.err = err
		return b
	}
	if uint64(len(value)) > kv.MaxValueLen {
		b.err = dberrors.New(dberrors.Validation, "value of %d bytes exceeds the %d byte limit", len(value), uint64(kv.MaxValueLen))
		return b
	}
	b.entries = append(b.entries, journal.BatchEntry{
		Partition: partition,
		Entry: kv.Entry{
			Key:   append([]byte(nil), key...),
			Value: append([]byte(nil), value...),
			Kind:  kv.KindValue,
		},
	})
	return b
}

// Delete stages a tombstone.
func (b *WriteBatch) Delete(partition string, key []byte) *WriteBatch {
	if b.err != nil {
		return b
	}
	if err := validateKey(key); err != nil {
		b.err = err
		return b
	}
	b.entries = append(b.entries, journal.BatchEntry{
		Partition: partition,
		Entry: kv.Entry{
			Key:  append([]byte(nil), key...),
			Kind: kv.KindTombstone,
		},
	})
	return b
}

// Len reports staged entries.
func (b *WriteBatch) Len() int { return len(b.entries) }

// Commit applies the batch. An empty batch is a no-op. The batch must
// not be reused after Commit.
func (b *WriteBatch) Commit() error {
	if b.err != nil {
		return b.err
	}
	return b.ks.commit(b.entries)
}

func validateKey(key []byte) error {
	if len(key) == 0 {
		return dberrors.New(dberrors.Validation, "key must not be empty")
	}
	if len(key) > kv.MaxKeyLen {
		return dberrors.New(dberrors.Validation, "key of %d bytes exceeds the %d byte limit", len(key), kv.MaxKeyLen)
	}
	return nil
}
