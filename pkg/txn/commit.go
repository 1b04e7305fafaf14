package txn

import (
	"context"
	"time"

	"github.com/nainya/wpstore/pkg/batch"
	"github.com/nainya/wpstore/pkg/engine"
)

// Commit makes the transaction's writes visible. A Started transaction is
// written and committed in one step; a Prepared one only logs its commit
// marker and commit-time batch. On failure the state is unchanged.
func (t *Transaction) Commit(ctx context.Context) (err error) {
	if err := t.checkState(Started, Prepared); err != nil {
		return err
	}
	start := time.Now()
	defer func() { t.record("commit", start, err) }()

	if t.state == Started {
		err = t.commitWithoutPrepare(ctx)
	} else {
		err = t.commitPrepared(ctx)
	}
	if err != nil {
		return err
	}
	t.finish(Committed)
	return nil
}

func (t *Transaction) commitWithoutPrepare(ctx context.Context) error {
	if t.commitTime.Count() > 0 {
		return ErrCommitTimeBatchWithoutPrepare
	}
	b := t.writes.Copy()
	if t.name != "" {
		b.MarkCommit([]byte(t.name))
	}

	cnt := 1
	if t.hasDuplicates {
		cnt = t.subBatches(b)
		t.be.Metrics.RecordSubBatchSplit()
	}

	seq, err := CommitBatch(ctx, t.be, b, cnt)
	if err != nil {
		return err
	}
	t.id = seq
	return nil
}

func (t *Transaction) commitPrepared(ctx context.Context) error {
	empty := t.commitTime.Count() == 0
	working := t.commitTime.Copy()
	working.MarkCommit([]byte(t.name))

	forRecovery := t.be.UseOnlyLastCommitTimeBatchForRecovery
	persistent := !empty && forRecovery
	includesData := !empty && !forRecovery

	commitCnt := 0
	if includesData {
		commitCnt = t.subBatches(working)
		if commitCnt > 1 {
			t.be.Metrics.RecordSubBatchSplit()
			t.be.Log.Warn().
				Str("txn", t.name).
				Int("sub_batches", commitCnt).
				Msg("duplicate keys in commit-time batch")
		}
	}
	batchCnt := commitCnt
	if batchCnt == 0 {
		batchCnt = 1
	}

	if !t.be.Engine.TwoWriteQueues() || !includesData {
		_, err := t.be.Engine.Write(ctx, working, engine.WriteOptions{
			Sync:            t.be.Sync,
			DisableMemtable: !includesData,
			PersistentState: persistent,
			BatchCount:      batchCnt,
			PreRelease: &commitEntryCallback{
				commits:      t.be.Commits,
				prepareSeq:   t.id,
				prepareCount: t.prepareBatchCount,
				dataCount:    commitCnt,
			},
		})
		return err
	}

	// The memtable queue never publishes with two write queues, so the
	// commit-time data is registered as prepared and resolved by a second
	// log-only write that publishes.
	commitSeq, err := t.be.Engine.Write(ctx, working, engine.WriteOptions{
		Sync:       t.be.Sync,
		BatchCount: batchCnt,
		PreRelease: &addPreparedCallback{commits: t.be.Commits, count: commitCnt},
	})
	if err != nil {
		return err
	}

	_, err = t.be.Engine.Write(ctx, publishBatch(), engine.WriteOptions{
		Sync:            t.be.Sync,
		DisableMemtable: true,
		BatchCount:      1,
		PreRelease: &commitEntryCallback{
			commits:      t.be.Commits,
			prepareSeq:   t.id,
			prepareCount: t.prepareBatchCount,
			auxSeq:       commitSeq,
			auxCount:     commitCnt,
		},
	})
	return err
}

// CommitBatch writes b as an already committed batch and returns its first
// sequence number. batchCnt is the sub-batch count of b, zero to count it
// here. An empty batch is not written and yields sequence zero.
func CommitBatch(ctx context.Context, be *Backend, b *batch.WriteBatch, batchCnt int) (uint64, error) {
	if b.Count() == 0 {
		return 0, nil
	}
	if batchCnt == 0 {
		n, err := batch.CountSubBatches(b, be.Engine)
		if err != nil {
			return 0, err
		}
		batchCnt = n
	}

	if !be.Engine.TwoWriteQueues() {
		return be.Engine.Write(ctx, b, engine.WriteOptions{
			Sync:       be.Sync,
			BatchCount: batchCnt,
			PreRelease: &commitEntryCallback{commits: be.Commits, dataCount: batchCnt},
		})
	}

	seq, err := be.Engine.Write(ctx, b, engine.WriteOptions{
		Sync:       be.Sync,
		BatchCount: batchCnt,
		PreRelease: &addPreparedCallback{commits: be.Commits, count: batchCnt},
	})
	if err != nil {
		return 0, err
	}

	// Publication only; the data write above is already durable.
	_, err = be.Engine.Write(ctx, batch.New(), engine.WriteOptions{
		DisableWAL:      true,
		DisableMemtable: true,
		BatchCount:      1,
		PreRelease: &commitEntryCallback{
			commits:      be.Commits,
			prepareSeq:   seq,
			prepareCount: batchCnt,
		},
	})
	if err != nil {
		return 0, err
	}
	return seq, nil
}

// publishBatch is the log-only batch of a second, publishing write.
func publishBatch() *batch.WriteBatch {
	b := batch.New()
	b.PutLogData(nil)
	b.MarkNoop()
	return b
}
