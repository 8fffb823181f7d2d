// Package db assembles the storage engine: partitions with their
// memtables and segments, the shared write-ahead journal, the
// sequence clock, snapshots, and the background flush and compaction
// workers. A Keyspace is the embedded-database handle applications
// hold.
package db

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"tarn/internal/flush"
	"tarn/pkg/clock"
	"tarn/pkg/config"
	"tarn/pkg/dberrors"
	"tarn/pkg/journal"
	"tarn/pkg/kv"
	"tarn/pkg/manifest"
	"tarn/pkg/memtable"
	"tarn/pkg/metrics"
	"tarn/pkg/segment"
)

const (
	partitionsDirName = "partitions"
	journalDirName    = "journal"
)

// Keyspace is an open database directory.
type Keyspace struct {
	dir     string
	cfg     config.Config
	log     logrus.FieldLogger
	metrics *metrics.Metrics

	clock     *clock.SequenceClock
	window    *clock.CommitWindow
	snapshots *clock.SnapshotTracker

	journal      *journal.Journal
	flush        *flush.Manager
	blockCache   *segment.BlockCache
	compactSlots *semaphore.Weighted

	// commitMu guards the commit pipeline. A single-partition commit
	// holds it shared plus the lock of its journal shard, so writers
	// behind different shards proceed in parallel and never serialize
	// on each other's fsync. Cross-partition batches, memtable
	// rotation and partition lifecycle take it exclusively.
	commitMu   sync.RWMutex
	shardLocks []sync.Mutex
	parts      *xsync.MapOf[string, *Partition]

	bgCancel context.CancelFunc
	bgWG     sync.WaitGroup
	closed   atomic.Bool
}

// OpenOptions carry the optional ambient hooks.
type OpenOptions struct {
	Logger  logrus.FieldLogger
	Metrics *metrics.Metrics
}

// Open loads or initializes the keyspace at dir, replays the journal
// and starts the background workers.
func Open(dir string, cfg config.Config) (*Keyspace, error) {
	return OpenWithOptions(dir, cfg, OpenOptions{})
}

func OpenWithOptions(dir string, cfg config.Config, opts OpenOptions) (*Keyspace, error) {
	log := opts.Logger
	if log == nil {
		log = newLogger(cfg.Logger)
	}

	if err := os.MkdirAll(filepath.Join(dir, partitionsDirName), 0o755); err != nil {
		return nil, dberrors.Wrap(dberrors.Durability, err, "create keyspace dir")
	}

	mode, err := journal.ParsePersistMode(cfg.Journal.Durability)
	if err != nil {
		return nil, err
	}

	parallelism := cfg.Compaction.Parallelism
	if parallelism <= 0 {
		parallelism = 1
	}

	ks := &Keyspace{
		dir:          dir,
		cfg:          cfg,
		log:          log,
		metrics:      opts.Metrics,
		clock:        clock.New(0),
		snapshots:    clock.NewSnapshotTracker(),
		blockCache:   segment.NewBlockCache(cfg.Cache.BlockCapacity),
		compactSlots: semaphore.NewWeighted(int64(parallelism)),
		parts:        xsync.NewMapOf[string, *Partition](),
	}

	ks.window = clock.NewCommitWindow(ks.clock)
	ks.flush = flush.NewManager(cfg.Flush.QueueDepth, cfg.Flush.Workers, log, opts.Metrics)

	if err := ks.loadPartitions(); err != nil {
		return nil, err
	}
	if err := ks.replayJournal(mode); err != nil {
		return nil, err
	}
	ks.window.Advance(ks.clock.Val())

	bgCtx, cancel := context.WithCancel(context.Background())
	ks.bgCancel = cancel
	ks.flush.Start(bgCtx)
	ks.bgWG.Add(1)
	go ks.compactionLoop(bgCtx)

	ks.log.WithFields(logrus.Fields{
		"dir":        dir,
		"partitions": ks.parts.Size(),
		"seq":        ks.clock.Val(),
	}).Info("keyspace opened")
	return ks, nil
}

func newLogger(cfg config.LoggerConfig) logrus.FieldLogger {
	l := logrus.New()
	if lvl, err := logrus.ParseLevel(cfg.Level); err == nil {
		l.SetLevel(lvl)
	}
	if cfg.JSON {
		l.SetFormatter(&logrus.JSONFormatter{})
	}
	return l
}

func (ks *Keyspace) loadPartitions() error {
	root := filepath.Join(ks.dir, partitionsDirName)
	entries, err := os.ReadDir(root)
	if err != nil {
		return dberrors.Wrap(dberrors.Recovery, err, "list partitions")
	}
	for _, de := range entries {
		if !de.IsDir() {
			continue
		}
		p, err := ks.openPartition(de.Name())
		if err != nil {
			return err
		}
		ks.parts.Store(de.Name(), p)
		ks.clock.Advance(p.man.Current().LastApplied)
	}
	return nil
}

// replayJournal feeds committed but unflushed batches back into
// memtables. Entries already covered by a partition's flushed state
// are skipped, as are entries of dropped partitions. A record older
// than the partition's creation sequence belongs to a previous
// incarnation that was dropped and recreated between journal evictions
// and must not resurface.
func (ks *Keyspace) replayJournal(mode journal.PersistMode) error {
	jdir := filepath.Join(ks.dir, journalDirName)

	batches, gens, err := journal.Recover(jdir, ks.log)
	if err != nil {
		return err
	}
	replayed := 0
	for _, b := range batches {
		ks.clock.Advance(b.Seq)
		for i := range b.Entries {
			be := &b.Entries[i]
			p, ok := ks.parts.Load(be.Partition)
			if !ok {
				continue
			}
			cur := p.man.Current()
			if be.Entry.Seq <= cur.LastApplied || be.Entry.Seq <= cur.CreatedAtSeq {
				continue
			}
			p.apply(&be.Entry)
			replayed++
		}
	}
	if replayed > 0 {
		ks.log.WithFields(logrus.Fields{
			"batches": len(batches),
			"entries": replayed,
		}).Info("journal replayed")
	}

	j, err := journal.Open(jdir, journal.Options{
		ShardCount: ks.cfg.Journal.Shards,
		Mode:       mode,
		Logger:     ks.log,
	})
	if err != nil {
		return err
	}
	j.AdoptSealed(gens)
	ks.journal = j
	ks.shardLocks = make([]sync.Mutex, j.ShardCount())
	ks.maybeEvictJournal()
	return nil
}

// CreatePartition opens the named partition, creating it on first
// use. Opening an existing name returns the same handle.
func (ks *Keyspace) CreatePartition(name string) (*Partition, error) {
	if err := validatePartitionName(name); err != nil {
		return nil, err
	}
	if ks.closed.Load() {
		return nil, dberrors.ErrClosed
	}
	if p, ok := ks.parts.Load(name); ok {
		return p, nil
	}
	ks.commitMu.Lock()
	defer ks.commitMu.Unlock()
	if p, ok := ks.parts.Load(name); ok {
		return p, nil
	}
	p, err := ks.openPartition(name)
	if err != nil {
		return nil, err
	}
	// Record the creation sequence so journal records written to an
	// earlier incarnation of this name are not replayed into the new
	// one after a crash.
	if seq := ks.clock.Val(); seq > p.man.Current().CreatedAtSeq {
		if _, err := p.man.Commit(manifest.Edit{CreatedAtSeq: seq}); err != nil {
			p.segs.close(false)
			return nil, err
		}
	}
	ks.parts.Store(name, p)
	ks.log.WithField("partition", name).Info("partition created")
	return p, nil
}

// Partition returns an existing partition handle.
func (ks *Keyspace) Partition(name string) (*Partition, bool) {
	return ks.parts.Load(name)
}

// Partitions lists the partition names.
func (ks *Keyspace) Partitions() []string {
	var names []string
	ks.parts.Range(func(name string, _ *Partition) bool {
		names = append(names, name)
		return true
	})
	return names
}

// DropPartition removes the partition and deletes its files. Journal
// records of the dropped partition are ignored on recovery.
func (ks *Keyspace) DropPartition(name string) error {
	if ks.closed.Load() {
		return dberrors.ErrClosed
	}
	ks.commitMu.Lock()
	p, ok := ks.parts.LoadAndDelete(name)
	if ok {
		p.dropped.Store(true)
	}
	ks.commitMu.Unlock()
	if !ok {
		return dberrors.New(dberrors.Validation, "partition %q does not exist", name)
	}

	p.sealedCond.Broadcast()
	p.segs.close(true)
	if err := os.RemoveAll(p.dir); err != nil {
		return dberrors.Wrap(dberrors.Durability, err, "remove partition dir %s", name)
	}
	ks.metrics.DropPartition(name)
	ks.log.WithField("partition", name).Info("partition dropped")
	return nil
}

func validatePartitionName(name string) error {
	if name == "" || len(name) > 255 {
		return dberrors.New(dberrors.Validation, "partition name must be 1..255 bytes")
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		if c == '/' || c == '\\' || c == 0 {
			return dberrors.New(dberrors.Validation, "partition name %q contains a forbidden character", name)
		}
	}
	if name == "." || name == ".." {
		return dberrors.New(dberrors.Validation, "partition name %q is reserved", name)
	}
	return nil
}

// commit is the write path. It assigns the batch sequence number,
// persists the batch in the journal, applies it to the touched
// memtables and publishes visibility once every earlier in-flight
// commit has also landed.
func (ks *Keyspace) commit(entries []journal.BatchEntry) error {
	if ks.closed.Load() {
		return dberrors.ErrClosed
	}
	if len(entries) == 0 {
		return nil
	}

	touched := make(map[string]*Partition)
	for i := range entries {
		name := entries[i].Partition
		if _, ok := touched[name]; ok {
			continue
		}
		p, ok := ks.parts.Load(name)
		if !ok {
			return dberrors.New(dberrors.Validation, "partition %q does not exist", name)
		}
		touched[name] = p
	}

	// Backpressure runs before any lock is taken so a stalled writer
	// never blocks commits behind other journal shards, and never
	// blocks the flush completion that would un-stall it.
	for name, p := range touched {
		if !p.waitSealedBelow(ks.cfg.Memtable.MaxSealed) {
			if ks.closed.Load() {
				return dberrors.ErrClosed
			}
			return dberrors.New(dberrors.Validation, "partition %q was dropped", name)
		}
	}

	needRotate, err := ks.commitLocked(touched, entries)
	if err != nil {
		return err
	}
	for _, p := range needRotate {
		ks.tryRotate(p)
	}
	return nil
}

// commitLocked persists and applies the batch under the narrowest
// lock that still keeps each journal shard sequence-ordered: a
// single-partition batch shares the commit lock and takes only its
// shard's lock, a cross-partition batch takes the commit lock
// exclusively.
func (ks *Keyspace) commitLocked(touched map[string]*Partition, entries []journal.BatchEntry) ([]*Partition, error) {
	if len(touched) == 1 {
		ks.commitMu.RLock()
		defer ks.commitMu.RUnlock()
		for _, p := range touched {
			shard := ks.journal.Shard(p.name)
			ks.shardLocks[shard].Lock()
			defer ks.shardLocks[shard].Unlock()
		}
	} else {
		ks.commitMu.Lock()
		defer ks.commitMu.Unlock()
	}

	if ks.closed.Load() {
		return nil, dberrors.ErrClosed
	}
	for name, p := range touched {
		if p.dropped.Load() {
			return nil, dberrors.New(dberrors.Validation, "partition %q was dropped", name)
		}
	}

	seq := ks.window.Begin()
	for i := range entries {
		entries[i].Entry.Seq = seq
	}
	if err := ks.journal.Append(&journal.Batch{Seq: seq, Entries: entries}); err != nil {
		// The sequence number is burned; holes are harmless, but the
		// window must still retire it or visibility stalls.
		ks.window.Finish(seq)
		return nil, err
	}
	for i := range entries {
		touched[entries[i].Partition].apply(&entries[i].Entry)
	}
	ks.window.Finish(seq)

	for i := range entries {
		ks.metrics.IncWrites(entries[i].Partition, 1)
	}
	var needRotate []*Partition
	for _, p := range touched {
		ks.metrics.SetMemtableBytes(p.name, p.ApproximateMemtableSize())
		if p.active.Load().ApproximateSize() >= ks.cfg.Memtable.FlushThresholdBytes {
			needRotate = append(needRotate, p)
		}
	}
	return needRotate, nil
}

// tryRotate upgrades to the exclusive commit lock and seals the
// partition's active memtable if it is still over the threshold by
// the time the lock is held.
func (ks *Keyspace) tryRotate(p *Partition) {
	ks.commitMu.Lock()
	defer ks.commitMu.Unlock()
	if ks.closed.Load() || p.dropped.Load() {
		return
	}
	if p.active.Load().ApproximateSize() < ks.cfg.Memtable.FlushThresholdBytes {
		return
	}
	ks.rotate(p)
}

// rotate seals the active memtable and hands it to the flush workers.
// Runs under the exclusive commit lock, so no writer observes the
// swap halfway.
func (ks *Keyspace) rotate(p *Partition) {
	old := p.active.Load()
	if old.Empty() {
		return
	}
	old.Seal()
	p.pushSealed(old)
	p.active.Store(memtable.New())

	if err := ks.journal.Rotate(); err != nil {
		ks.log.WithError(err).Error("journal rotation failed")
	}

	codec, _ := segment.ParseCodec(ks.cfg.Segment.Compression)
	task := &flush.Task{
		Partition: p.name,
		Mem:       old,
		Dir:       p.dir,
		Man:       p.man,
		Writer: segment.WriterOptions{
			BlockSize:        ks.cfg.Segment.BlockSizeBytes,
			Codec:            codec,
			FilterBitsPerKey: ks.cfg.Segment.BloomBitsPerKey,
		},
		OnDone: func(meta *segment.Meta, err error) {
			if err != nil {
				// keep the memtable sealed in memory, the journal
				// still covers its contents
				return
			}
			p.removeSealed(old)
			ks.metrics.SetSegmentCount(p.name, p.SegmentCount())
			ks.maybeEvictJournal()
		},
	}
	if err := ks.flush.Enqueue(context.Background(), task); err != nil {
		ks.log.WithError(err).Error("flush enqueue failed")
		p.removeSealed(old)
	}
}

// Flush synchronously flushes the partition's active memtable, mainly
// for tests and orderly shutdown.
func (p *Partition) Flush() error {
	ks := p.ks
	ks.commitMu.Lock()
	old := p.active.Load()
	if old.Empty() {
		ks.commitMu.Unlock()
		return nil
	}
	ks.rotate(p)
	ks.commitMu.Unlock()

	// wait for the sealed memtable to drain
	deadline := time.Now().Add(time.Minute)
	for {
		p.sealedMu.Lock()
		pending := false
		for _, s := range p.sealed {
			if s == old {
				pending = true
			}
		}
		p.sealedMu.Unlock()
		if !pending {
			return nil
		}
		if time.Now().After(deadline) {
			return dberrors.New(dberrors.Durability, "flush of partition %q timed out", p.name)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// maybeEvictJournal drops journal generations whose contents every
// partition has flushed.
func (ks *Keyspace) maybeEvictJournal() {
	floor := ks.clock.Val()
	ks.parts.Range(func(_ string, p *Partition) bool {
		if f, ok := p.durableFloor(); ok && f < floor {
			floor = f
		}
		return true
	})
	ks.journal.Evict(floor)
	ks.metrics.SetJournalBytes(ks.journal.DiskUsage())
}

// Snapshot pins the current visible state. The caller must Close it
// to unpin garbage collection. The visible sequence is read inside
// the tracker's registration so no compaction watermark can slip
// between reading it and pinning it.
func (ks *Keyspace) Snapshot() *Snapshot {
	seq := ks.snapshots.AcquireAt(ks.window.Visible)
	ks.metrics.SnapshotOpened()
	return &Snapshot{ks: ks, seq: seq}
}

// Seq reports the highest visible sequence number.
func (ks *Keyspace) Seq() uint64 { return ks.window.Visible() }

// PersistJournal forces buffered journal writes to disk. A no-op
// under the sync durability mode.
func (ks *Keyspace) PersistJournal() error {
	if ks.closed.Load() {
		return dberrors.ErrClosed
	}
	return ks.journal.Persist()
}

// DiskUsage sums journal and segment space across all partitions.
func (ks *Keyspace) DiskUsage() uint64 {
	total := ks.journal.DiskUsage()
	ks.parts.Range(func(_ string, p *Partition) bool {
		total += p.DiskUsage()
		return true
	})
	return total
}

func (ks *Keyspace) compactionLoop(ctx context.Context) {
	defer ks.bgWG.Done()
	interval := time.Duration(ks.cfg.Compaction.IntervalMs) * time.Millisecond
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ks.parts.Range(func(name string, p *Partition) bool {
				if p.dropped.Load() {
					return true
				}
				if _, err := p.comp.MaybeCompact(ctx); err != nil && ctx.Err() == nil {
					ks.log.WithError(err).WithField("partition", name).Error("compaction failed")
				}
				ks.metrics.SetSegmentCount(name, p.SegmentCount())
				return ctx.Err() == nil
			})
		}
	}
}

// CompactPartition runs compaction rounds until the strategy is
// satisfied.
func (ks *Keyspace) CompactPartition(ctx context.Context, name string) error {
	p, ok := ks.parts.Load(name)
	if !ok {
		return dberrors.New(dberrors.Validation, "partition %q does not exist", name)
	}
	for {
		ran, err := p.comp.MaybeCompact(ctx)
		if err != nil {
			return err
		}
		if !ran {
			return nil
		}
	}
}

// Close stops background work and releases every file handle. Buffered
// writes survive in the journal and are replayed on the next open.
func (ks *Keyspace) Close() error {
	if !ks.closed.CompareAndSwap(false, true) {
		return nil
	}
	// Drain in-flight commits and wake writers stalled on sealed
	// backpressure before tearing anything down.
	ks.parts.Range(func(_ string, p *Partition) bool {
		p.sealedCond.Broadcast()
		return true
	})
	ks.commitMu.Lock()
	ks.commitMu.Unlock() //nolint:staticcheck // drain fence
	ks.bgCancel()
	ks.bgWG.Wait()
	ks.flush.Stop()

	// a buffered journal must reach the disk before handles drop
	if err := ks.journal.Persist(); err != nil {
		ks.log.WithError(err).Error("journal persist on close failed")
	}
	err := ks.journal.Close()

	ks.parts.Range(func(name string, p *Partition) bool {
		p.segs.close(false)
		return true
	})
	ks.log.Info("keyspace closed")
	return err
}

// visibleAt is the read visibility for non-snapshot reads.
func (ks *Keyspace) visibleAt() kv.SeqNum { return kv.SeqNum(ks.window.Visible()) }
