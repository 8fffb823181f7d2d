package flush

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"tarn/pkg/kv"
	"tarn/pkg/manifest"
	"tarn/pkg/memtable"
	"tarn/pkg/segment"
)

func filledMemtable(entries ...*kv.Entry) *memtable.Memtable {
	m := memtable.New()
	for _, e := range entries {
		m.Insert(e)
	}
	m.Seal()
	return m
}

func TestManager_FlushRegistersSegment(t *testing.T) {
	dir := t.TempDir()
	man, err := manifest.Open(dir)
	if err != nil {
		t.Fatalf("manifest.Open failed: %v", err)
	}

	mgr := NewManager(4, 1, nil, nil)
	mgr.Start(context.Background())
	defer mgr.Stop()

	mem := filledMemtable(
		&kv.Entry{Key: []byte("a"), Value: []byte("1"), Seq: 1, Kind: kv.KindValue},
		&kv.Entry{Key: []byte("b"), Value: []byte("2"), Seq: 2, Kind: kv.KindValue},
	)

	done := make(chan *segment.Meta, 1)
	task := &Task{
		Partition: "p",
		Mem:       mem,
		Dir:       dir,
		Man:       man,
		OnDone: func(meta *segment.Meta, err error) {
			if err != nil {
				t.Errorf("flush failed: %v", err)
			}
			done <- meta
		},
	}
	if err := mgr.Enqueue(context.Background(), task); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	var meta *segment.Meta
	select {
	case meta = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("flush did not complete")
	}
	if meta == nil {
		t.Fatal("expected a segment meta")
	}
	if meta.Level != 0 {
		t.Fatalf("flush output must land on level 0, got %d", meta.Level)
	}
	if meta.EntryCount != 2 {
		t.Fatalf("expected 2 entries, got %d", meta.EntryCount)
	}

	v := man.Current()
	if len(v.Segments) != 1 || v.Segments[0].ID != meta.ID {
		t.Fatal("segment not registered in the manifest")
	}
	if v.LastApplied != 2 {
		t.Fatalf("expected last applied seq 2, got %d", v.LastApplied)
	}

	// The segment is readable back
	r, err := segment.Open(segment.Path(dir, meta.ID), &v.Segments[0], segment.ReaderOptions{})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer r.Release()
	e, ok, err := r.Get([]byte("a"), 10)
	if err != nil || !ok {
		t.Fatalf("Get failed: %v %v", ok, err)
	}
	if string(e.Value) != "1" {
		t.Fatalf("expected value 1, got %s", e.Value)
	}
}

func TestManager_EmptyMemtableSkipped(t *testing.T) {
	dir := t.TempDir()
	man, err := manifest.Open(dir)
	if err != nil {
		t.Fatalf("manifest.Open failed: %v", err)
	}

	mgr := NewManager(4, 1, nil, nil)
	mgr.Start(context.Background())
	defer mgr.Stop()

	done := make(chan *segment.Meta, 1)
	err = mgr.Enqueue(context.Background(), &Task{
		Partition: "p",
		Mem:       filledMemtable(),
		Dir:       dir,
		Man:       man,
		OnDone:    func(meta *segment.Meta, err error) { done <- meta },
	})
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	select {
	case meta := <-done:
		if meta != nil {
			t.Fatal("empty memtable must not produce a segment")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("flush did not complete")
	}
	if len(man.Current().Segments) != 0 {
		t.Fatal("manifest must stay empty")
	}
}

func TestManager_QueueBackpressure(t *testing.T) {
	mgr := NewManager(1, 1, nil, nil)
	// workers not started, the queue fills and stays full

	block := &Task{Partition: "p", Mem: filledMemtable()}
	if !mgr.TryEnqueue(block) {
		t.Fatal("first enqueue should fit")
	}
	if mgr.TryEnqueue(block) {
		t.Fatal("second enqueue should report a full queue")
	}
	if mgr.QueueDepth() != 1 {
		t.Fatalf("expected queue depth 1, got %d", mgr.QueueDepth())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := mgr.Enqueue(ctx, block); err == nil {
		t.Fatal("blocking enqueue on a full queue must respect the context")
	}
}

func TestManager_RetriesTransientFailure(t *testing.T) {
	root := t.TempDir()
	man, err := manifest.Open(root)
	if err != nil {
		t.Fatalf("manifest.Open failed: %v", err)
	}

	mgr := NewManager(4, 1, nil, nil)
	mgr.Start(context.Background())
	defer mgr.Stop()

	// The target directory does not exist yet, so the first attempts
	// fail. The task must stay on the worker until the directory
	// appears instead of being abandoned.
	dir := filepath.Join(root, "late")
	done := make(chan error, 1)
	task := &Task{
		Partition: "p",
		Mem: filledMemtable(
			&kv.Entry{Key: []byte("a"), Value: []byte("1"), Seq: 1, Kind: kv.KindValue},
		),
		Dir:    dir,
		Man:    man,
		OnDone: func(_ *segment.Meta, err error) { done <- err },
	}
	if err := mgr.Enqueue(context.Background(), task); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	time.Sleep(200 * time.Millisecond)
	select {
	case err := <-done:
		t.Fatalf("flush settled while the directory was missing: %v", err)
	default:
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("MkdirAll failed: %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("flush failed after the directory appeared: %v", err)
		}
	case <-time.After(15 * time.Second):
		t.Fatal("flush never recovered from the transient failure")
	}
	if len(man.Current().Segments) != 1 {
		t.Fatal("segment not registered after retries")
	}
}
