package compaction

import (
	"tarn/pkg/manifest"
	"tarn/pkg/segment"
)

// Task names a unit of compaction work: merge Inputs and write the
// result at TargetLevel.
type Task struct {
	Inputs      []segment.Meta
	TargetLevel int
	BottomLevel bool // no segment exists below TargetLevel
}

// Strategy picks the next compaction task from the current segment
// set, or nil when nothing is worth doing.
type Strategy interface {
	Pick(v *manifest.Version) *Task
	Name() string
}

// NewStrategy builds the strategy named in the config.
func NewStrategy(name string, opts StrategyOptions) Strategy {
	switch name {
	case "leveled":
		return &Leveled{opts: opts}
	default:
		return &Tiered{opts: opts}
	}
}

// StrategyOptions tune both strategies. Zero values fall back to the
// defaults below.
type StrategyOptions struct {
	// Tiered: number of similarly sized segments on one level that
	// triggers a merge into the next.
	TierWidth int
	// Leveled: segment count on level 0 that triggers a merge.
	L0Threshold int
	// Leveled: byte budget of level 1. Each deeper level is allowed
	// LevelRatio times the previous one.
	BaseLevelSize uint64
	LevelRatio    uint64
	// Cap on levels. Segments never move past MaxLevel-1.
	MaxLevel int
}

func (o StrategyOptions) withDefaults() StrategyOptions {
	if o.TierWidth <= 0 {
		o.TierWidth = 4
	}
	if o.L0Threshold <= 0 {
		o.L0Threshold = 4
	}
	if o.BaseLevelSize == 0 {
		o.BaseLevelSize = 64 << 20
	}
	if o.LevelRatio == 0 {
		o.LevelRatio = 10
	}
	if o.MaxLevel <= 0 {
		o.MaxLevel = 7
	}
	return o
}

// Tiered merges whole levels: once a level accumulates TierWidth
// segments it is merged in one task into the level below. Write
// amplification stays low at the cost of space and read
// amplification.
type Tiered struct {
	opts StrategyOptions
}

func (s *Tiered) Name() string { return "tiered" }

func (s *Tiered) Pick(v *manifest.Version) *Task {
	opts := s.opts.withDefaults()
	maxLevel := v.MaxLevel()
	for level := 0; level <= maxLevel; level++ {
		segs := v.SegmentsAtLevel(level)
		if len(segs) < opts.TierWidth {
			continue
		}
		target := level + 1
		if target >= opts.MaxLevel {
			target = opts.MaxLevel - 1
		}
		return &Task{
			Inputs:      segs,
			TargetLevel: target,
			BottomLevel: target >= maxLevel,
		}
	}
	return nil
}

// Leveled keeps every level except 0 as a run of non-overlapping
// segments within a size budget. Overfull levels push one segment,
// together with the segments it overlaps below, one level down.
type Leveled struct {
	opts StrategyOptions
}

func (s *Leveled) Name() string { return "leveled" }

func (s *Leveled) Pick(v *manifest.Version) *Task {
	opts := s.opts.withDefaults()
	maxLevel := v.MaxLevel()

	// Level 0 segments overlap freely and are merged all at once.
	if l0 := v.SegmentsAtLevel(0); len(l0) >= opts.L0Threshold {
		inputs := append([]segment.Meta(nil), l0...)
		lo, hi := keySpan(inputs)
		for _, m := range v.SegmentsAtLevel(1) {
			if m.Overlaps(lo, hi) {
				inputs = append(inputs, m)
			}
		}
		return &Task{Inputs: inputs, TargetLevel: 1, BottomLevel: maxLevel <= 1}
	}

	budget := opts.BaseLevelSize
	for level := 1; level < opts.MaxLevel-1; level++ {
		segs := v.SegmentsAtLevel(level)
		var total uint64
		for _, m := range segs {
			total += m.Size
		}
		if total > budget {
			// push the largest segment down, it frees the most budget
			pick := segs[0]
			for _, m := range segs[1:] {
				if m.Size > pick.Size {
					pick = m
				}
			}
			inputs := []segment.Meta{pick}
			for _, m := range v.SegmentsAtLevel(level + 1) {
				if m.Overlaps(pick.MinKey, pick.MaxKey) {
					inputs = append(inputs, m)
				}
			}
			return &Task{
				Inputs:      inputs,
				TargetLevel: level + 1,
				BottomLevel: level+1 >= maxLevel,
			}
		}
		budget *= opts.LevelRatio
	}
	return nil
}

func keySpan(segs []segment.Meta) (lo, hi []byte) {
	for i, m := range segs {
		if i == 0 {
			lo, hi = m.MinKey, m.MaxKey
			continue
		}
		if string(m.MinKey) < string(lo) {
			lo = m.MinKey
		}
		if string(m.MaxKey) > string(hi) {
			hi = m.MaxKey
		}
	}
	return lo, hi
}
