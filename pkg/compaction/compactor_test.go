package compaction

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"tarn/pkg/kv"
	"tarn/pkg/manifest"
	"tarn/pkg/segment"
)

type dirReaders struct {
	dir string
}

func (d *dirReaders) Retain(m segment.Meta) (*segment.Reader, error) {
	meta := m
	return segment.Open(segment.Path(d.dir, m.ID), &meta, segment.ReaderOptions{})
}

func (d *dirReaders) Drop(id uint64) {
	_ = os.Remove(segment.Path(d.dir, id))
}

type fixedWatermark uint64

func (w fixedWatermark) Watermark(current uint64) uint64 {
	if uint64(w) < current {
		return uint64(w)
	}
	return current
}

type fixedVisibility uint64

func (v fixedVisibility) Visible() uint64 { return uint64(v) }

func writeSegment(t *testing.T, dir string, man *manifest.Manifest, level int, entries []*kv.Entry) segment.Meta {
	t.Helper()
	id := man.NextSegmentID()
	w, err := segment.NewWriter(segment.Path(dir, id), segment.WriterOptions{FilterBitsPerKey: 10})
	if err != nil {
		t.Fatalf("NewWriter failed: %v", err)
	}
	for _, e := range entries {
		if err := w.Add(e); err != nil {
			t.Fatalf("Add failed: %v", err)
		}
	}
	m, err := w.Finish()
	if err != nil {
		t.Fatalf("Finish failed: %v", err)
	}
	m.ID = id
	m.Level = level
	return *m
}

func TestCompactor_MergesAndDropsShadowed(t *testing.T) {
	dir := t.TempDir()
	man, err := manifest.Open(dir)
	if err != nil {
		t.Fatalf("manifest.Open failed: %v", err)
	}

	older := writeSegment(t, dir, man, 0, []*kv.Entry{
		ent("apple", 1, "old"),
		ent("banana", 2, "b2"),
	})
	newer := writeSegment(t, dir, man, 0, []*kv.Entry{
		ent("apple", 5, "new"),
		tomb("banana", 6),
		ent("cherry", 7, "c7"),
	})
	if _, err := man.Commit(manifest.Edit{Add: []segment.Meta{older, newer}, LastApplied: 7}); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	c := New(man, &dirReaders{dir: dir}, fixedWatermark(100), fixedVisibility(10), Options{
		Partition: "fruit",
		Dir:       dir,
		Strategy:  NewStrategy("tiered", StrategyOptions{TierWidth: 2}),
	})

	ran, err := c.MaybeCompact(context.Background())
	if err != nil {
		t.Fatalf("MaybeCompact failed: %v", err)
	}
	if !ran {
		t.Fatal("expected a compaction to run")
	}

	v := man.Current()
	if len(v.Segments) != 1 {
		t.Fatalf("expected 1 output segment, got %d", len(v.Segments))
	}
	out := v.Segments[0]
	if out.Level != 1 {
		t.Fatalf("expected output at level 1, got %d", out.Level)
	}

	// Bottom-level merge at watermark 10: apple@1 is shadowed, the
	// banana tombstone and what it shadows are gone, cherry survives.
	r, err := segment.Open(segment.Path(dir, out.ID), &out, segment.ReaderOptions{})
	if err != nil {
		t.Fatalf("Open output failed: %v", err)
	}
	defer r.Release()

	it := r.Iter(nil, nil, false)
	got := drain(t, it)
	if len(got) != 2 {
		t.Fatalf("expected 2 surviving entries, got %d", len(got))
	}
	if string(got[0].Key) != "apple" || got[0].Seq != 5 || string(got[0].Value) != "new" {
		t.Fatalf("unexpected first entry: %s@%d", got[0].Key, got[0].Seq)
	}
	if string(got[1].Key) != "cherry" || got[1].Seq != 7 {
		t.Fatalf("unexpected second entry: %s@%d", got[1].Key, got[1].Seq)
	}

	// Inputs were dropped from disk
	if _, err := os.Stat(segment.Path(dir, older.ID)); !os.IsNotExist(err) {
		t.Fatal("expected input segment files to be removed")
	}
}

func TestCompactor_SnapshotPinsOldVersion(t *testing.T) {
	dir := t.TempDir()
	man, err := manifest.Open(dir)
	if err != nil {
		t.Fatalf("manifest.Open failed: %v", err)
	}

	older := writeSegment(t, dir, man, 0, []*kv.Entry{ent("k", 2, "old")})
	newer := writeSegment(t, dir, man, 0, []*kv.Entry{ent("k", 8, "new")})
	if _, err := man.Commit(manifest.Edit{Add: []segment.Meta{older, newer}, LastApplied: 8}); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	// A snapshot holds horizon 5, so k@2 must survive the merge.
	c := New(man, &dirReaders{dir: dir}, fixedWatermark(5), fixedVisibility(10), Options{
		Partition: "p",
		Dir:       dir,
		Strategy:  NewStrategy("tiered", StrategyOptions{TierWidth: 2}),
	})
	if _, err := c.MaybeCompact(context.Background()); err != nil {
		t.Fatalf("MaybeCompact failed: %v", err)
	}

	out := man.Current().Segments[0]
	r, err := segment.Open(segment.Path(dir, out.ID), &out, segment.ReaderOptions{})
	if err != nil {
		t.Fatalf("Open output failed: %v", err)
	}
	defer r.Release()

	got := drain(t, r.Iter(nil, nil, false))
	if len(got) != 2 {
		t.Fatalf("expected both versions to survive, got %d", len(got))
	}
	if got[0].Seq != 8 || got[1].Seq != 2 {
		t.Fatalf("expected seqs 8 then 2, got %d then %d", got[0].Seq, got[1].Seq)
	}
}

func TestCompactor_CancelledContext(t *testing.T) {
	dir := t.TempDir()
	man, err := manifest.Open(dir)
	if err != nil {
		t.Fatalf("manifest.Open failed: %v", err)
	}

	a := writeSegment(t, dir, man, 0, []*kv.Entry{ent("a", 1, "1")})
	b := writeSegment(t, dir, man, 0, []*kv.Entry{ent("b", 2, "2")})
	if _, err := man.Commit(manifest.Edit{Add: []segment.Meta{a, b}, LastApplied: 2}); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c := New(man, &dirReaders{dir: dir}, fixedWatermark(100), fixedVisibility(10), Options{
		Partition: "p",
		Dir:       dir,
		Strategy:  NewStrategy("tiered", StrategyOptions{TierWidth: 2}),
	})
	if _, err := c.MaybeCompact(ctx); err == nil {
		t.Fatal("expected cancellation error")
	}

	// The segment set is untouched and no temp files linger
	if len(man.Current().Segments) != 2 {
		t.Fatal("cancelled compaction must not change the segment set")
	}
	tmps, _ := filepath.Glob(filepath.Join(dir, "*.tmp"))
	if len(tmps) != 0 {
		t.Fatalf("expected no temp files, found %d", len(tmps))
	}
}
