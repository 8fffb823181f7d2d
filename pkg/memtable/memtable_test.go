package memtable

import (
	"bytes"
	"fmt"
	"sync"
	"testing"

	"tarn/pkg/kv"
)

func entry(key string, seq uint64, value string) *kv.Entry {
	return &kv.Entry{Key: []byte(key), Value: []byte(value), Seq: seq, Kind: kv.KindValue}
}

func TestMemtable_InsertGet(t *testing.T) {
	m := New()
	m.Insert(entry("a", 1, "v1"))
	m.Insert(entry("a", 3, "v3"))
	m.Insert(entry("b", 2, "b2"))

	e, ok := m.Get([]byte("a"), 10)
	if !ok || string(e.Value) != "v3" {
		t.Fatalf("expected the newest version, got %v %v", e, ok)
	}

	// visibility cuts off newer versions
	e, ok = m.Get([]byte("a"), 2)
	if !ok || string(e.Value) != "v1" {
		t.Fatalf("expected v1 at vis 2, got %v %v", e, ok)
	}

	// no version visible below the oldest seq
	if _, ok := m.Get([]byte("b"), 1); ok {
		t.Fatal("expected no visible version of b at vis 1")
	}
	if _, ok := m.Get([]byte("missing"), 10); ok {
		t.Fatal("expected a miss for an absent key")
	}
}

func TestMemtable_TombstoneIsAVersion(t *testing.T) {
	m := New()
	m.Insert(entry("k", 1, "v"))
	m.Insert(&kv.Entry{Key: []byte("k"), Seq: 2, Kind: kv.KindTombstone})

	e, ok := m.Get([]byte("k"), 10)
	if !ok || !e.Tombstone() {
		t.Fatal("expected the tombstone to be returned, not filtered")
	}
	e, ok = m.Get([]byte("k"), 1)
	if !ok || e.Tombstone() {
		t.Fatal("the pre-delete version must stay visible at vis 1")
	}
}

func TestMemtable_AllEntriesInternalOrder(t *testing.T) {
	m := New()
	m.Insert(entry("b", 4, ""))
	m.Insert(entry("a", 2, ""))
	m.Insert(entry("a", 7, ""))
	m.Insert(entry("c", 1, ""))
	m.Insert(entry("a", 5, ""))

	all := m.AllEntries()
	if len(all) != 5 {
		t.Fatalf("expected 5 versions, got %d", len(all))
	}
	for i := 1; i < len(all); i++ {
		if kv.InternalCompare(all[i-1], all[i]) >= 0 {
			t.Fatalf("entries out of internal order at %d: (%s,%d) before (%s,%d)",
				i, all[i-1].Key, all[i-1].Seq, all[i].Key, all[i].Seq)
		}
	}
}

func TestMemtable_VisibleEntries(t *testing.T) {
	m := New()
	m.Insert(entry("a", 1, "old"))
	m.Insert(entry("a", 9, "new"))
	m.Insert(entry("b", 5, "b5"))

	vis := m.VisibleEntries(4)
	if len(vis) != 1 {
		t.Fatalf("expected 1 visible entry at vis 4, got %d", len(vis))
	}
	if string(vis[0].Key) != "a" || vis[0].Seq != 1 {
		t.Fatalf("unexpected visible entry: %s@%d", vis[0].Key, vis[0].Seq)
	}
}

func TestMemtable_SeqBounds(t *testing.T) {
	m := New()
	if m.MinSeq() != 0 || m.MaxSeq() != 0 {
		t.Fatal("empty memtable must report zero bounds")
	}
	m.Insert(entry("a", 5, ""))
	m.Insert(entry("b", 3, ""))
	m.Insert(entry("c", 9, ""))
	if m.MinSeq() != 3 || m.MaxSeq() != 9 {
		t.Fatalf("expected bounds [3,9], got [%d,%d]", m.MinSeq(), m.MaxSeq())
	}
	if m.Len() != 3 || m.Empty() {
		t.Fatalf("expected 3 versions, got %d", m.Len())
	}
	if m.ApproximateSize() == 0 {
		t.Fatal("expected a nonzero approximate size")
	}
}

func TestMemtable_ConcurrentInserts(t *testing.T) {
	m := New()
	const writers = 8
	const perWriter = 200

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				seq := uint64(w*perWriter + i + 1)
				key := fmt.Sprintf("key-%03d", i%50)
				m.Insert(entry(key, seq, fmt.Sprintf("w%d", w)))
			}
		}(w)
	}
	wg.Wait()

	if m.Len() != writers*perWriter {
		t.Fatalf("expected %d versions, got %d", writers*perWriter, m.Len())
	}

	// every chain must be seq-descending and complete
	all := m.AllEntries()
	if len(all) != writers*perWriter {
		t.Fatalf("AllEntries lost versions: %d", len(all))
	}
	for i := 1; i < len(all); i++ {
		if bytes.Equal(all[i-1].Key, all[i].Key) && all[i-1].Seq <= all[i].Seq {
			t.Fatalf("version chain out of order for %s: %d then %d",
				all[i].Key, all[i-1].Seq, all[i].Seq)
		}
	}
}

func TestMemtable_Seal(t *testing.T) {
	m := New()
	if m.Sealed() {
		t.Fatal("new memtable must not be sealed")
	}
	m.Seal()
	if !m.Sealed() {
		t.Fatal("Seal must stick")
	}
}
