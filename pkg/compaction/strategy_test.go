package compaction

import (
	"testing"

	"tarn/pkg/manifest"
	"tarn/pkg/segment"
)

func meta(id uint64, level int, size uint64, minKey, maxKey string) segment.Meta {
	return segment.Meta{
		ID: id, Level: level, Size: size,
		MinKey: []byte(minKey), MaxKey: []byte(maxKey),
	}
}

func TestTiered_PicksFullLevel(t *testing.T) {
	s := NewStrategy("tiered", StrategyOptions{TierWidth: 3})

	v := &manifest.Version{Segments: []segment.Meta{
		meta(1, 0, 100, "a", "d"),
		meta(2, 0, 100, "b", "e"),
	}}
	if task := s.Pick(v); task != nil {
		t.Fatal("expected no task below the tier width")
	}

	v.Segments = append(v.Segments, meta(3, 0, 100, "c", "f"))
	task := s.Pick(v)
	if task == nil {
		t.Fatal("expected a task at the tier width")
	}
	if len(task.Inputs) != 3 || task.TargetLevel != 1 {
		t.Fatalf("expected all 3 L0 segments into L1, got %d into L%d",
			len(task.Inputs), task.TargetLevel)
	}
	if !task.BottomLevel {
		t.Fatal("no deeper level exists, task must be bottom-level")
	}
}

func TestTiered_NotBottomWhenDeeperLevelOccupied(t *testing.T) {
	s := NewStrategy("tiered", StrategyOptions{TierWidth: 2})
	v := &manifest.Version{Segments: []segment.Meta{
		meta(1, 0, 100, "a", "d"),
		meta(2, 0, 100, "b", "e"),
		meta(3, 2, 100, "a", "z"),
	}}
	task := s.Pick(v)
	if task == nil {
		t.Fatal("expected a task")
	}
	if task.BottomLevel {
		t.Fatal("level 2 still holds data, task is not bottom-level")
	}
}

func TestLeveled_L0Threshold(t *testing.T) {
	s := NewStrategy("leveled", StrategyOptions{L0Threshold: 2})

	v := &manifest.Version{Segments: []segment.Meta{
		meta(1, 0, 100, "a", "m"),
		meta(2, 0, 100, "k", "z"),
		meta(3, 1, 100, "a", "f"), // overlaps the L0 span
		meta(4, 1, 100, "p", "z"), // overlaps too
	}}
	task := s.Pick(v)
	if task == nil {
		t.Fatal("expected a task")
	}
	if task.TargetLevel != 1 {
		t.Fatalf("expected target level 1, got %d", task.TargetLevel)
	}
	if len(task.Inputs) != 4 {
		t.Fatalf("expected both L0 segments plus both overlapping L1 segments, got %d", len(task.Inputs))
	}
}

func TestLeveled_SizeBudget(t *testing.T) {
	s := NewStrategy("leveled", StrategyOptions{
		L0Threshold:   10,
		BaseLevelSize: 150,
		LevelRatio:    10,
	})

	v := &manifest.Version{Segments: []segment.Meta{
		meta(1, 1, 100, "a", "f"),
		meta(2, 1, 120, "g", "m"), // largest, gets pushed
		meta(3, 2, 100, "h", "p"), // overlaps segment 2
		meta(4, 2, 100, "q", "z"),
	}}
	task := s.Pick(v)
	if task == nil {
		t.Fatal("expected a task, level 1 is over budget")
	}
	if task.TargetLevel != 2 {
		t.Fatalf("expected target level 2, got %d", task.TargetLevel)
	}
	if len(task.Inputs) != 2 {
		t.Fatalf("expected the largest L1 segment plus one overlapping L2 segment, got %d", len(task.Inputs))
	}
	if task.Inputs[0].ID != 2 {
		t.Fatalf("expected segment 2 to be picked, got %d", task.Inputs[0].ID)
	}
}

func TestLeveled_WithinBudgetIdle(t *testing.T) {
	s := NewStrategy("leveled", StrategyOptions{L0Threshold: 4, BaseLevelSize: 1 << 30})
	v := &manifest.Version{Segments: []segment.Meta{
		meta(1, 0, 100, "a", "f"),
		meta(2, 1, 100, "a", "z"),
	}}
	if task := s.Pick(v); task != nil {
		t.Fatal("expected no task when everything is within budget")
	}
}
