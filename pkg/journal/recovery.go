package journal

import (
	"bufio"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"tarn/pkg/dberrors"
)

type pendingBatch struct {
	seq        uint64
	shardCount uint8
	fragments  int
	entries    []BatchEntry
}

// GenInfo describes one pre-existing journal generation, used to
// schedule its eviction once its contents are flushed.
type GenInfo struct {
	Gen    uint64
	MaxSeq uint64
}

// Recover reads every generation under dir and reconstructs the
// committed batches in sequence order, together with the per
// generation sequence bounds.
//
// A batch is recovered only if every fragment it was split into is
// present and intact. A torn or corrupt record ends replay of its
// shard file at that point; records before it on the same shard are
// still considered. Partially present batches are discarded whole,
// which keeps cross-partition batches atomic through a crash.
func Recover(dir string, log logrus.FieldLogger) ([]*Batch, []GenInfo, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	log = log.WithField("component", "journal")

	gens, err := listGenerations(dir)
	if err != nil {
		return nil, nil, err
	}

	pending := make(map[uuid.UUID]*pendingBatch)
	var infos []GenInfo
	for _, g := range gens {
		shardFiles, err := filepath.Glob(filepath.Join(genDir(dir, g), "shard-*.wal"))
		if err != nil {
			return nil, nil, dberrors.Wrap(dberrors.Recovery, err, "list journal generation %d", g)
		}
		sort.Strings(shardFiles)
		var genMax uint64
		for _, path := range shardFiles {
			m, err := replayShard(path, pending, log)
			if err != nil {
				return nil, nil, err
			}
			if m > genMax {
				genMax = m
			}
		}
		infos = append(infos, GenInfo{Gen: g, MaxSeq: genMax})
	}

	var batches []*Batch
	for id, pb := range pending {
		if int(pb.shardCount) != pb.fragments {
			log.WithFields(logrus.Fields{
				"batch": id,
				"seq":   pb.seq,
				"have":  pb.fragments,
				"want":  pb.shardCount,
			}).Warn("discarding incomplete journal batch")
			continue
		}
		batches = append(batches, &Batch{ID: id, Seq: pb.seq, Entries: pb.entries})
	}
	sort.Slice(batches, func(i, k int) bool { return batches[i].Seq < batches[k].Seq })
	return batches, infos, nil
}

func replayShard(path string, pending map[uuid.UUID]*pendingBatch, log logrus.FieldLogger) (uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, dberrors.Wrap(dberrors.Recovery, err, "open journal shard %s", path)
	}
	defer f.Close()

	var maxSeq uint64
	r := bufio.NewReader(f)
	for {
		frag, err := decodeFragment(r)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return maxSeq, nil
			}
			if errors.Is(err, errTruncated) {
				// Torn tail from a crash mid-append. Everything before
				// it is intact, everything after is unreachable.
				log.WithField("shard", path).Warn("journal shard has torn tail, truncating replay")
				return maxSeq, nil
			}
			return maxSeq, dberrors.Wrap(dberrors.Recovery, err, "replay journal shard %s", path)
		}
		if frag.seq > maxSeq {
			maxSeq = frag.seq
		}

		pb, ok := pending[frag.batchID]
		if !ok {
			pb = &pendingBatch{seq: frag.seq, shardCount: frag.shardCount}
			pending[frag.batchID] = pb
		} else if pb.seq != frag.seq || pb.shardCount != frag.shardCount {
			return maxSeq, dberrors.New(dberrors.Integrity,
				"journal fragments disagree for batch %s (seq %d vs %d)", frag.batchID, pb.seq, frag.seq)
		}
		pb.fragments++
		pb.entries = append(pb.entries, frag.entries...)
	}
}
