// Package journal implements the sharded write-ahead log. A batch's
// entries are distributed over shards by partition, appended under
// per-shard locks, and made durable behind a single barrier: every
// shard touched by the batch is flushed (and fsynced, depending on
// the persist mode) before the append returns. No reader observes a
// batch before its barrier completes, because the orchestrator only
// applies entries to memtables after Append returns.
//
// The log is organized in generations: a memtable seal rotates the
// journal to a fresh generation directory, and a sealed generation is
// deleted once every partition's flushed sequence number has passed
// the generation's highest.
package journal

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/spaolacci/murmur3"

	"tarn/pkg/dberrors"
)

// PersistMode selects the fsync policy for appends.
type PersistMode uint8

const (
	// PersistSync fsyncs every touched shard before acknowledging.
	PersistSync PersistMode = iota
	// PersistBuffered flushes to the OS but leaves fsync to rotation
	// and close. A power loss may drop the tail; ordering and batch
	// atomicity still hold.
	PersistBuffered
)

// ParsePersistMode maps a config string to a mode.
func ParsePersistMode(name string) (PersistMode, error) {
	switch name {
	case "", "sync":
		return PersistSync, nil
	case "buffered":
		return PersistBuffered, nil
	default:
		return PersistSync, dberrors.New(dberrors.Validation, "unknown durability policy %q", name)
	}
}

type shard struct {
	mu     sync.Mutex
	f      *os.File
	w      *bufio.Writer
	path   string
	synced bool
}

func (s *shard) append(f *fragment, mode PersistMode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := encodeFragment(s.w, f); err != nil {
		return dberrors.Wrap(dberrors.Durability, err, "append to journal shard %s", s.path)
	}
	if err := s.w.Flush(); err != nil {
		return dberrors.Wrap(dberrors.Durability, err, "flush journal shard %s", s.path)
	}
	if mode == PersistSync {
		if err := s.f.Sync(); err != nil {
			return dberrors.Wrap(dberrors.Durability, err, "sync journal shard %s", s.path)
		}
	}
	return nil
}

func (s *shard) sync() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.w.Flush(); err != nil {
		return err
	}
	return s.f.Sync()
}

func (s *shard) close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.w.Flush(); err != nil {
		return err
	}
	if err := s.f.Sync(); err != nil {
		return err
	}
	return s.f.Close()
}

type sealedGen struct {
	gen    uint64
	dir    string
	maxSeq uint64
}

// Journal is the keyspace-wide write-ahead log.
type Journal struct {
	dir        string
	shardCount int
	mode       PersistMode
	log        logrus.FieldLogger

	mu     sync.Mutex // guards rotation and the sealed list
	gen    uint64
	shards []*shard
	sealed []sealedGen
	maxSeq uint64 // highest seq appended to the active generation
}

// Options configure the journal.
type Options struct {
	ShardCount int
	Mode       PersistMode
	Logger     logrus.FieldLogger
}

const shardFilePattern = "shard-%03d.wal"

func genDir(root string, gen uint64) string {
	return filepath.Join(root, fmt.Sprintf("%08d", gen))
}

// Open prepares the journal for appending. Recovery of previous
// generations is a separate step (see Recover); Open starts a fresh
// generation after the highest existing one.
func Open(dir string, opts Options) (*Journal, error) {
	if opts.ShardCount <= 0 {
		opts.ShardCount = 4
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, dberrors.Wrap(dberrors.Durability, err, "create journal dir")
	}

	j := &Journal{
		dir:        dir,
		shardCount: opts.ShardCount,
		mode:       opts.Mode,
		log:        opts.Logger.WithField("component", "journal"),
	}

	gens, err := listGenerations(dir)
	if err != nil {
		return nil, err
	}
	next := uint64(1)
	if n := len(gens); n > 0 {
		next = gens[n-1] + 1
	}
	if err := j.openGeneration(next); err != nil {
		return nil, err
	}
	return j, nil
}

func listGenerations(dir string) ([]uint64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, dberrors.Wrap(dberrors.Recovery, err, "list journal dir")
	}
	var gens []uint64
	for _, de := range entries {
		if !de.IsDir() {
			continue
		}
		g, err := strconv.ParseUint(de.Name(), 10, 64)
		if err != nil {
			continue
		}
		gens = append(gens, g)
	}
	sort.Slice(gens, func(i, k int) bool { return gens[i] < gens[k] })
	return gens, nil
}

// openGeneration creates the shard files of a new active generation.
// Caller holds j.mu or has exclusive access.
func (j *Journal) openGeneration(gen uint64) error {
	dir := genDir(j.dir, gen)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return dberrors.Wrap(dberrors.Durability, err, "create journal generation dir")
	}
	shards := make([]*shard, j.shardCount)
	for i := range shards {
		path := filepath.Join(dir, fmt.Sprintf(shardFilePattern, i))
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return dberrors.Wrap(dberrors.Durability, err, "open journal shard %s", path)
		}
		shards[i] = &shard{f: f, w: bufio.NewWriter(f), path: path}
	}
	j.gen = gen
	j.shards = shards
	j.maxSeq = 0
	return nil
}

// route picks the shard for a partition. One partition's records
// always land on one shard, so per-partition ordering is a single
// file's append order.
func (j *Journal) route(partition string) int {
	return int(murmur3.Sum32([]byte(partition)) % uint32(j.shardCount))
}

// Shard exposes the routing so the orchestrator can scope its commit
// locks to the shard a partition writes through.
func (j *Journal) Shard(partition string) int { return j.route(partition) }

// ShardCount reports the fixed number of shards.
func (j *Journal) ShardCount() int { return j.shardCount }

// Append persists the batch behind the durability barrier. The batch
// is assigned a fresh id here if it has none.
func (j *Journal) Append(b *Batch) error {
	if b.ID == (uuid.UUID{}) {
		b.ID = uuid.New()
	}

	// group entries per shard
	byShard := make(map[int][]BatchEntry)
	for _, be := range b.Entries {
		s := j.route(be.Partition)
		byShard[s] = append(byShard[s], be)
	}

	j.mu.Lock()
	shards := j.shards
	if b.Seq > j.maxSeq {
		j.maxSeq = b.Seq
	}
	j.mu.Unlock()

	// Ascending shard order keeps lock acquisition deadlock-free
	// across concurrent batches.
	idxs := make([]int, 0, len(byShard))
	for s := range byShard {
		idxs = append(idxs, s)
	}
	sort.Ints(idxs)

	shardCount := uint8(len(idxs))
	for _, s := range idxs {
		frag := &fragment{
			batchID:    b.ID,
			seq:        b.Seq,
			shardCount: shardCount,
			entries:    byShard[s],
		}
		if err := shards[s].append(frag, j.mode); err != nil {
			// The batch may now be partially present on earlier
			// shards; recovery discards it in full.
			return err
		}
	}
	return nil
}

// Persist forces an fsync of every active shard regardless of the
// persist mode.
func (j *Journal) Persist() error {
	j.mu.Lock()
	shards := j.shards
	j.mu.Unlock()
	for _, s := range shards {
		if err := s.sync(); err != nil {
			return dberrors.Wrap(dberrors.Durability, err, "persist journal shard %s", s.path)
		}
	}
	return nil
}

// Rotate seals the active generation and opens a fresh one. Called
// under the orchestrator's seal transition so that a sealed
// generation corresponds to sealed memtable contents.
func (j *Journal) Rotate() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	old := j.shards
	oldGen := j.gen
	oldMax := j.maxSeq
	for _, s := range old {
		if err := s.close(); err != nil {
			return dberrors.Wrap(dberrors.Durability, err, "seal journal shard %s", s.path)
		}
	}
	j.sealed = append(j.sealed, sealedGen{gen: oldGen, dir: genDir(j.dir, oldGen), maxSeq: oldMax})
	return j.openGeneration(oldGen + 1)
}

// AdoptSealed registers generations that predate this process, found
// by recovery, so that Evict can reclaim them once their contents are
// flushed.
func (j *Journal) AdoptSealed(gens []GenInfo) {
	j.mu.Lock()
	defer j.mu.Unlock()
	adopted := make([]sealedGen, 0, len(gens)+len(j.sealed))
	for _, g := range gens {
		adopted = append(adopted, sealedGen{gen: g.Gen, dir: genDir(j.dir, g.Gen), maxSeq: g.MaxSeq})
	}
	j.sealed = append(adopted, j.sealed...)
}

// Evict deletes sealed generations whose entire contents are at or
// below flushedSeq, i.e. durably represented in segments for every
// partition.
func (j *Journal) Evict(flushedSeq uint64) {
	j.mu.Lock()
	defer j.mu.Unlock()

	kept := j.sealed[:0]
	for _, sg := range j.sealed {
		if sg.maxSeq <= flushedSeq {
			if err := os.RemoveAll(sg.dir); err != nil {
				j.log.WithError(err).WithField("generation", sg.gen).Warn("failed to remove journal generation")
				kept = append(kept, sg)
				continue
			}
			j.log.WithField("generation", sg.gen).Debug("journal generation evicted")
		} else {
			kept = append(kept, sg)
		}
	}
	j.sealed = kept
}

// DiskUsage sums the sizes of all journal files.
func (j *Journal) DiskUsage() uint64 {
	var total uint64
	_ = filepath.WalkDir(j.dir, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if info, err := d.Info(); err == nil {
			total += uint64(info.Size())
		}
		return nil
	})
	return total
}

// Close flushes and closes the active shards.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	var firstErr error
	for _, s := range j.shards {
		if err := s.close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
