package db

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"tarn/pkg/compaction"
	"tarn/pkg/dberrors"
	"tarn/pkg/kv"
	"tarn/pkg/manifest"
	"tarn/pkg/memtable"
	"tarn/pkg/segment"
)

// Partition is one independent keyspace namespace with its own
// memtables, segments and manifest. All partitions share the
// keyspace's journal, sequence clock and background workers.
type Partition struct {
	name string
	dir  string
	ks   *Keyspace
	log  logrus.FieldLogger

	man  *manifest.Manifest
	segs *segmentSet

	active atomic.Pointer[memtable.Memtable]

	sealedMu   sync.Mutex
	sealedCond *sync.Cond
	sealed     []*memtable.Memtable // oldest first

	comp    *compaction.Compactor
	dropped atomic.Bool
}

func (ks *Keyspace) openPartition(name string) (*Partition, error) {
	dir := filepath.Join(ks.dir, partitionsDirName, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, dberrors.Wrap(dberrors.Durability, err, "create partition dir %s", name)
	}

	man, err := manifest.Open(dir)
	if err != nil {
		return nil, err
	}

	p := &Partition{
		name: name,
		dir:  dir,
		ks:   ks,
		log:  ks.log.WithField("partition", name),
		man:  man,
		segs: newSegmentSet(dir, ks.blockCache, ks.cfg.Segment.UseMmap),
	}
	p.sealedCond = sync.NewCond(&p.sealedMu)
	p.active.Store(memtable.New())

	if err := p.sweepOrphans(); err != nil {
		return nil, err
	}

	codec, err := segment.ParseCodec(ks.cfg.Segment.Compression)
	if err != nil {
		return nil, err
	}
	p.comp = compaction.New(man, p.segs, ks.snapshots, ks.window, compaction.Options{
		Partition: name,
		Dir:       dir,
		Strategy: compaction.NewStrategy(ks.cfg.Compaction.Strategy, compaction.StrategyOptions{
			TierWidth:     ks.cfg.Compaction.TierWidth,
			L0Threshold:   ks.cfg.Compaction.L0Threshold,
			BaseLevelSize: ks.cfg.Compaction.BaseLevelSize,
			LevelRatio:    ks.cfg.Compaction.LevelRatio,
			MaxLevel:      ks.cfg.Compaction.MaxLevel,
		}),
		Writer: segment.WriterOptions{
			BlockSize:        ks.cfg.Segment.BlockSizeBytes,
			Codec:            codec,
			FilterBitsPerKey: ks.cfg.Segment.BloomBitsPerKey,
		},
		TargetSegmentSize: ks.cfg.Segment.TargetSizeBytes,
		Slots:             ks.compactSlots,
		Logger:            ks.log,
		Metrics:           ks.metrics,
	})
	return p, nil
}

// sweepOrphans deletes temp files and segment files a crash left
// outside the manifest.
func (p *Partition) sweepOrphans() error {
	entries, err := os.ReadDir(p.dir)
	if err != nil {
		return dberrors.Wrap(dberrors.Recovery, err, "list partition dir %s", p.name)
	}
	for _, de := range entries {
		name := de.Name()
		switch {
		case strings.HasSuffix(name, ".tmp"):
			p.log.WithField("file", name).Warn("removing stale temp file")
			_ = os.Remove(filepath.Join(p.dir, name))
		case strings.HasSuffix(name, ".seg"):
			id, err := strconv.ParseUint(strings.TrimSuffix(name, ".seg"), 10, 64)
			if err != nil || p.man.Live(id) {
				continue
			}
			p.log.WithField("file", name).Warn("removing orphan segment")
			_ = os.Remove(filepath.Join(p.dir, name))
		}
	}
	return nil
}

// Name returns the partition name.
func (p *Partition) Name() string { return p.name }

// apply inserts one committed entry into the active memtable. Called
// with the keyspace write lock held.
func (p *Partition) apply(e *kv.Entry) {
	p.active.Load().Insert(e)
}

// get resolves the newest version of key visible at vis, searching
// newest to oldest: active memtable, sealed memtables, level-0
// segments by sequence, then deeper levels. The first source holding
// any visible version holds the newest one.
func (p *Partition) get(key kv.Key, vis kv.SeqNum) (*kv.Entry, error) {
	if e, ok := p.active.Load().Get(key, vis); ok {
		return e, nil
	}

	p.sealedMu.Lock()
	sealed := append([]*memtable.Memtable(nil), p.sealed...)
	p.sealedMu.Unlock()
	for i := len(sealed) - 1; i >= 0; i-- {
		if e, ok := sealed[i].Get(key, vis); ok {
			return e, nil
		}
	}
	return p.getFromSegments(key, vis)
}

func (p *Partition) getFromSegments(key kv.Key, vis kv.SeqNum) (*kv.Entry, error) {
	// A segment can be compacted away between reading the version and
	// opening its file; retry against the fresh version.
	for attempt := 0; attempt < 3; attempt++ {
		e, retry, err := p.searchVersion(p.man.Current(), key, vis)
		if !retry {
			return e, err
		}
	}
	return nil, dberrors.New(dberrors.Concurrency, "segment set churned during read of partition %s", p.name)
}

func (p *Partition) searchVersion(v *manifest.Version, key kv.Key, vis kv.SeqNum) (*kv.Entry, bool, error) {
	// Within a level, segments may overlap: always at L0, and at any
	// level under the tiered strategy, where a tier holds outputs of
	// successive merge rounds. Tier outputs cover disjoint sequence
	// windows, so probing by MaxSeq descending makes the first hit
	// the newest visible version.
	for level := 0; level <= v.MaxLevel(); level++ {
		metas := v.SegmentsAtLevel(level)
		sort.Slice(metas, func(i, k int) bool { return metas[i].MaxSeq > metas[k].MaxSeq })
		for _, m := range metas {
			e, retry, err := p.searchSegment(m, key, vis)
			if retry || err != nil || e != nil {
				return e, retry, err
			}
		}
	}
	return nil, false, nil
}

func (p *Partition) searchSegment(m segment.Meta, key kv.Key, vis kv.SeqNum) (*kv.Entry, bool, error) {
	if !m.MayContain(key) {
		return nil, false, nil
	}
	r, err := p.segs.Retain(m)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, true, nil
		}
		return nil, false, err
	}
	defer r.Release()
	e, ok, err := r.Get(key, vis)
	if err != nil || !ok {
		return nil, false, err
	}
	return e, false, nil
}

// memtables snapshots the current memtable chain, newest first.
func (p *Partition) memtables() []*memtable.Memtable {
	out := []*memtable.Memtable{p.active.Load()}
	p.sealedMu.Lock()
	for i := len(p.sealed) - 1; i >= 0; i-- {
		out = append(out, p.sealed[i])
	}
	p.sealedMu.Unlock()
	return out
}

func (p *Partition) sealedCount() int {
	p.sealedMu.Lock()
	defer p.sealedMu.Unlock()
	return len(p.sealed)
}

func (p *Partition) pushSealed(mt *memtable.Memtable) {
	p.sealedMu.Lock()
	p.sealed = append(p.sealed, mt)
	p.sealedMu.Unlock()
}

func (p *Partition) removeSealed(mt *memtable.Memtable) {
	p.sealedMu.Lock()
	for i, s := range p.sealed {
		if s == mt {
			p.sealed = append(p.sealed[:i], p.sealed[i+1:]...)
			break
		}
	}
	p.sealedMu.Unlock()
	p.sealedCond.Broadcast()
}

// waitSealedBelow blocks until the sealed backlog is under max.
// Returns false if the partition is dropped while waiting.
func (p *Partition) waitSealedBelow(max int) bool {
	p.sealedMu.Lock()
	defer p.sealedMu.Unlock()
	for len(p.sealed) >= max {
		if p.dropped.Load() || p.ks.closed.Load() {
			return false
		}
		p.ks.metrics.IncWriteStalls(p.name)
		p.log.WithField("sealed", len(p.sealed)).Warn("write stalled on flush backlog")
		p.sealedCond.Wait()
	}
	return true
}

// durableFloor reports the highest sequence number below which every
// write of this partition is represented in segments. Without
// unflushed data the floor is unbounded.
func (p *Partition) durableFloor() (uint64, bool) {
	min := uint64(0)
	have := false
	consider := func(mt *memtable.Memtable) {
		if mt.Empty() {
			return
		}
		s := uint64(mt.MinSeq())
		if !have || s < min {
			min, have = s, true
		}
	}
	consider(p.active.Load())
	p.sealedMu.Lock()
	for _, mt := range p.sealed {
		consider(mt)
	}
	p.sealedMu.Unlock()
	if !have {
		return 0, false
	}
	return min - 1, true
}

// ApproximateMemtableSize reports bytes buffered in the active
// memtable.
func (p *Partition) ApproximateMemtableSize() uint64 {
	return p.active.Load().ApproximateSize()
}

// SegmentCount reports live segments.
func (p *Partition) SegmentCount() int {
	return len(p.man.Current().Segments)
}
