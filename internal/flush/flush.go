// Package flush turns sealed memtables into level-0 segments. A
// bounded queue feeds a small worker pool; when the queue is full,
// Enqueue blocks, which is what stalls writers that outrun the disk.
package flush

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"tarn/pkg/dberrors"
	"tarn/pkg/manifest"
	"tarn/pkg/memtable"
	"tarn/pkg/metrics"
	"tarn/pkg/segment"
)

// Task carries one sealed memtable to disk. OnDone fires exactly once
// with the registered segment or the terminal error.
type Task struct {
	Partition string
	Mem       *memtable.Memtable
	Dir       string
	Man       *manifest.Manifest
	Writer    segment.WriterOptions
	OnDone    func(meta *segment.Meta, err error)
}

// Manager owns the flush queue and workers for the whole keyspace.
type Manager struct {
	queue   chan *Task
	workers int
	log     logrus.FieldLogger
	metrics *metrics.Metrics

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

func NewManager(queueDepth, workers int, log logrus.FieldLogger, m *metrics.Metrics) *Manager {
	if queueDepth <= 0 {
		queueDepth = 8
	}
	if workers <= 0 {
		workers = 2
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Manager{
		queue:   make(chan *Task, queueDepth),
		workers: workers,
		log:     log.WithField("component", "flush"),
		metrics: m,
	}
}

// Start launches the workers. They run until Stop or until ctx ends.
func (m *Manager) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	for i := 0; i < m.workers; i++ {
		m.wg.Add(1)
		go m.worker(ctx)
	}
}

// Enqueue hands a task to the pool, blocking while the queue is full.
func (m *Manager) Enqueue(ctx context.Context, t *Task) error {
	select {
	case m.queue <- t:
		return nil
	case <-ctx.Done():
		return dberrors.Wrap(dberrors.Concurrency, ctx.Err(), "flush enqueue")
	}
}

// TryEnqueue is the non-blocking variant, used to check for
// backpressure before deciding to stall a writer.
func (m *Manager) TryEnqueue(t *Task) bool {
	select {
	case m.queue <- t:
		return true
	default:
		return false
	}
}

// QueueDepth reports tasks waiting for a worker.
func (m *Manager) QueueDepth() int { return len(m.queue) }

// Stop cancels the workers and waits for in-flight flushes to settle.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

func (m *Manager) worker(ctx context.Context) {
	defer m.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-m.queue:
			m.run(ctx, t)
		}
	}
}

// run retries transient failures with exponential backoff until the
// flush succeeds or the manager shuts down. A validation failure is
// terminal; everything else, disk outages included, keeps retrying,
// since abandoning a sealed memtable would stall the partition's
// writers for good once the backlog limit is hit. An abandoned flush
// at shutdown leaves the memtable sealed; the journal still covers
// its contents.
func (m *Manager) run(ctx context.Context, t *Task) {
	var meta *segment.Meta

	bo := backoff.NewExponentialBackOff()
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 0 // retry until shutdown
	err := backoff.Retry(func() error {
		var ferr error
		meta, ferr = m.flushOne(t)
		if ferr != nil {
			if dberrors.Is(ferr, dberrors.Validation) {
				return backoff.Permanent(ferr)
			}
			m.log.WithError(ferr).WithField("partition", t.Partition).Warn("memtable flush failed, retrying")
		}
		return ferr
	}, backoff.WithContext(bo, ctx))

	if err != nil {
		m.log.WithError(err).WithField("partition", t.Partition).Error("memtable flush failed")
	}
	if t.OnDone != nil {
		t.OnDone(meta, err)
	}
}

func (m *Manager) flushOne(t *Task) (*segment.Meta, error) {
	if t.Mem.Empty() {
		return nil, nil
	}
	start := time.Now()

	entries := t.Mem.AllEntries()
	id := t.Man.NextSegmentID()
	tmp := fmt.Sprintf("%s.tmp", segment.Path(t.Dir, id))

	wopts := t.Writer
	wopts.ExpectedEntries = uint(len(entries))
	w, err := segment.NewWriter(tmp, wopts)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if err := w.Add(e); err != nil {
			_ = w.Abort()
			return nil, err
		}
	}
	meta, err := w.Finish()
	if err != nil {
		return nil, err
	}
	meta.ID = id
	meta.Level = 0
	if err := os.Rename(tmp, segment.Path(t.Dir, id)); err != nil {
		_ = os.Remove(tmp)
		return nil, dberrors.Wrap(dberrors.Durability, err, "rename segment %d", id)
	}

	if _, err := t.Man.Commit(manifest.Edit{
		Add:         []segment.Meta{*meta},
		LastApplied: t.Mem.MaxSeq(),
	}); err != nil {
		_ = os.Remove(segment.Path(t.Dir, id))
		return nil, err
	}

	m.metrics.ObserveFlush(t.Partition, meta.Size, time.Since(start).Seconds())
	m.log.WithFields(logrus.Fields{
		"partition": t.Partition,
		"segment":   id,
		"entries":   meta.EntryCount,
		"bytes":     meta.Size,
	}).Info("memtable flushed")
	return meta, nil
}
