// Package compaction merges segments into fewer, larger ones and
// garbage collects versions no snapshot can reach. Strategies decide
// what to merge; the Compactor executes one task at a time per
// partition while a shared semaphore bounds keyspace-wide
// parallelism.
package compaction

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"tarn/pkg/dberrors"
	"tarn/pkg/kv"
	"tarn/pkg/manifest"
	"tarn/pkg/metrics"
	"tarn/pkg/segment"
)

// iReaders supplies open segment readers for the partition. Retain
// hands back a reader with an extra reference held for the caller;
// Drop marks a compacted-away segment for removal once its last
// reader drains.
type iReaders interface {
	Retain(m segment.Meta) (*segment.Reader, error)
	Drop(id uint64)
}

// iHorizons reports the snapshot watermark below which shadowed
// versions are unreachable.
type iHorizons interface {
	Watermark(current uint64) uint64
}

// iVisibility reports the published commit horizon. The watermark is
// based on it rather than the raw clock: an in-flight commit keeps
// visibility behind the clock, and a watermark above visibility could
// outrun a snapshot acquired at the same instant.
type iVisibility interface {
	Visible() uint64
}

// Options configure a partition's compactor.
type Options struct {
	Partition string
	Dir       string
	Strategy  Strategy
	Writer    segment.WriterOptions
	// TargetSegmentSize rolls compaction output to a new segment
	// once the current one crosses this many bytes.
	TargetSegmentSize uint64
	// Slots bounds concurrent compactions across the keyspace.
	Slots   *semaphore.Weighted
	Logger  logrus.FieldLogger
	Metrics *metrics.Metrics
}

// Compactor runs compaction for one partition.
type Compactor struct {
	opts     Options
	man      *manifest.Manifest
	readers  iReaders
	horizons iHorizons
	vis      iVisibility
	log      logrus.FieldLogger
}

func New(man *manifest.Manifest, readers iReaders, horizons iHorizons, vis iVisibility, opts Options) *Compactor {
	if opts.TargetSegmentSize == 0 {
		opts.TargetSegmentSize = 64 << 20
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	return &Compactor{
		opts:     opts,
		man:      man,
		readers:  readers,
		horizons: horizons,
		vis:      vis,
		log: opts.Logger.WithFields(logrus.Fields{
			"component": "compaction",
			"partition": opts.Partition,
		}),
	}
}

// MaybeCompact asks the strategy for a task and executes it. Returns
// false when the segment set needs no work.
func (c *Compactor) MaybeCompact(ctx context.Context) (bool, error) {
	task := c.opts.Strategy.Pick(c.man.Current())
	if task == nil {
		return false, nil
	}
	if err := c.run(ctx, task); err != nil {
		return false, err
	}
	return true, nil
}

func (c *Compactor) run(ctx context.Context, task *Task) error {
	if c.opts.Slots != nil {
		if err := c.opts.Slots.Acquire(ctx, 1); err != nil {
			return err
		}
		defer c.opts.Slots.Release(1)
	}

	// Newer segments first so the merge tiebreak resolves toward the
	// freshest write. Higher id means created later.
	inputs := append([]segment.Meta(nil), task.Inputs...)
	sort.Slice(inputs, func(i, k int) bool {
		if inputs[i].Level != inputs[k].Level {
			return inputs[i].Level < inputs[k].Level
		}
		return inputs[i].ID > inputs[k].ID
	})

	var (
		iters    []*segment.Iter
		retained []*segment.Reader
	)
	defer func() {
		for _, it := range iters {
			it.Close()
		}
		for _, r := range retained {
			r.Release()
		}
	}()
	var totalEntries uint64
	sources := make([]kv.EntryIterator, 0, len(inputs))
	for _, m := range inputs {
		r, err := c.readers.Retain(m)
		if err != nil {
			return err
		}
		retained = append(retained, r)
		it := r.Iter(nil, nil, false)
		iters = append(iters, it)
		sources = append(sources, it)
		totalEntries += m.EntryCount
	}

	watermark := c.horizons.Watermark(c.vis.Visible())
	src := newGCIterator(newMergeIterator(sources), watermark, task.BottomLevel)

	c.log.WithFields(logrus.Fields{
		"inputs":    len(inputs),
		"target":    task.TargetLevel,
		"watermark": watermark,
	}).Info("compaction started")

	outputs, err := c.writeOutputs(ctx, src, task, totalEntries)
	if err != nil {
		return err
	}

	edit := manifest.Edit{Add: outputs}
	for _, m := range inputs {
		edit.Remove = append(edit.Remove, m.ID)
	}
	if _, err := c.man.Commit(edit); err != nil {
		for _, m := range outputs {
			_ = os.Remove(segment.Path(c.opts.Dir, m.ID))
		}
		return err
	}
	for _, m := range inputs {
		c.readers.Drop(m.ID)
	}

	var outBytes uint64
	for _, m := range outputs {
		outBytes += m.Size
	}
	c.opts.Metrics.ObserveCompaction(c.opts.Partition, outBytes)
	c.log.WithFields(logrus.Fields{
		"outputs":   len(outputs),
		"out_bytes": outBytes,
	}).Info("compaction finished")
	return nil
}

// writeOutputs drains the merged stream into one or more segments at
// the target level, rolling at key boundaries once the size target is
// crossed. Files are written under temporary names and renamed only
// when complete, so cancellation or a crash never leaves a live
// half-segment.
func (c *Compactor) writeOutputs(ctx context.Context, src *gcIterator, task *Task, expectEntries uint64) ([]segment.Meta, error) {
	var (
		outputs  []segment.Meta
		w        *segment.Writer
		id       uint64
		tmpPath  string
		written  uint64
		lastKey  []byte
		finished []string
	)

	abort := func() {
		if w != nil {
			_ = w.Abort()
		}
		for _, p := range finished {
			_ = os.Remove(p)
		}
	}

	wopts := c.opts.Writer
	if wopts.ExpectedEntries == 0 && expectEntries > 0 {
		wopts.ExpectedEntries = uint(expectEntries)
	}

	finishCurrent := func() error {
		meta, err := w.Finish()
		w = nil
		if err != nil {
			return err
		}
		meta.ID = id
		meta.Level = task.TargetLevel
		final := segment.Path(c.opts.Dir, id)
		if err := os.Rename(tmpPath, final); err != nil {
			return dberrors.Wrap(dberrors.Durability, err, "rename segment %d", id)
		}
		finished = append(finished, final)
		outputs = append(outputs, *meta)
		return nil
	}

	var n int
	for {
		if n%1024 == 0 && ctx.Err() != nil {
			abort()
			return nil, ctx.Err()
		}
		n++

		e, err := src.Next()
		if err != nil {
			abort()
			return nil, err
		}
		if e == nil {
			break
		}

		// roll only between keys, a key's versions stay together
		if w != nil && written >= c.opts.TargetSegmentSize && string(e.Key) != string(lastKey) {
			if err := finishCurrent(); err != nil {
				abort()
				return nil, err
			}
			written = 0
		}
		if w == nil {
			id = c.man.NextSegmentID()
			tmpPath = filepath.Join(c.opts.Dir, fmt.Sprintf("%s.tmp", segment.FileName(id)))
			w, err = segment.NewWriter(tmpPath, wopts)
			if err != nil {
				abort()
				return nil, err
			}
		}
		if err := w.Add(e); err != nil {
			abort()
			return nil, err
		}
		written += uint64(e.Size())
		lastKey = append(lastKey[:0], e.Key...)
	}

	if w != nil {
		if err := finishCurrent(); err != nil {
			abort()
			return nil, err
		}
	}
	return outputs, nil
}
