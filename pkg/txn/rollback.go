package txn

import (
	"context"
	"time"

	"github.com/nainya/wpstore/pkg/batch"
	"github.com/nainya/wpstore/pkg/engine"
	"github.com/pkg/errors"
)

// Rollback discards the transaction. A Started transaction only drops its
// buffered writes. A Prepared one writes the value every touched key had
// before the transaction, or a delete if it had none, then resolves the
// prepared sequences as rolled back. A failed write leaves the transaction
// Prepared.
func (t *Transaction) Rollback(ctx context.Context) (err error) {
	if err := t.checkState(Started, Prepared); err != nil {
		return err
	}
	if t.state == Started {
		t.writes.Clear()
		t.keys.Reset()
		t.commitTime.Clear()
		t.finish(RolledBack)
		return nil
	}

	start := time.Now()
	defer func() { t.record("rollback", start, err) }()

	if t.id == 0 {
		invariant("prepared transaction %q has no sequence number", t.name)
	}

	rb, err := t.rollbackBatch()
	if err != nil {
		return err
	}
	rb.MarkRollback([]byte(t.name))

	t.be.Log.Warn().
		Str("txn", t.name).
		Uint64("prepare_seq", t.id).
		Int("prepare_batch_count", t.prepareBatchCount).
		Msg("rolling back prepared transaction")

	if !t.be.Engine.TwoWriteQueues() {
		_, err = t.be.Engine.Write(ctx, rb, engine.WriteOptions{
			Sync:       t.be.Sync,
			BatchCount: 1,
			PreRelease: &commitEntryCallback{
				commits:       t.be.Commits,
				dataCount:     1,
				rollbackSeq:   t.id,
				rollbackCount: t.prepareBatchCount,
			},
		})
	} else {
		err = t.rollbackTwoWrites(ctx, rb)
	}
	if err != nil {
		return err
	}

	t.finish(RolledBack)
	return nil
}

// rollbackTwoWrites logs the rollback data through the memtable queue, which
// cannot publish, then resolves the prepare from a log-only write ordered
// after it.
func (t *Transaction) rollbackTwoWrites(ctx context.Context, rb *batch.WriteBatch) error {
	dataSeq, err := t.be.Engine.Write(ctx, rb, engine.WriteOptions{
		Sync:       t.be.Sync,
		BatchCount: 1,
		PreRelease: &addPreparedCallback{commits: t.be.Commits, count: 1},
	})
	if err != nil {
		return err
	}

	_, err = t.be.Engine.Write(ctx, publishBatch(), engine.WriteOptions{
		Sync:            t.be.Sync,
		DisableMemtable: true,
		BatchCount:      1,
		PreRelease: &commitEntryCallback{
			commits:       t.be.Commits,
			prepareSeq:    dataSeq,
			prepareCount:  1,
			rollbackSeq:   t.id,
			rollbackCount: t.prepareBatchCount,
		},
	})
	return err
}

// rollbackBatch builds the batch restoring every key the pending writes touch
// to its value as of the sequence just before the prepare.
func (t *Transaction) rollbackBatch() (*batch.WriteBatch, error) {
	floor := t.id - 1
	visible := func(seq uint64) bool {
		return t.be.Commits.IsInSnapshot(seq, floor)
	}

	rb := batch.New()
	seen := batch.NewKeySet(t.be.Engine)
	var restored, deleted int

	err := t.writes.Iterate(func(r batch.Record) error {
		switch {
		case r.Kind == batch.KindRollback:
			return ErrInvalidRollbackMarker
		case !r.Kind.IsData():
			return nil
		}

		fresh, err := seen.Insert(r.CF, r.Key)
		if err != nil {
			return err
		}
		if !fresh {
			return nil
		}

		value, err := t.be.Engine.Get(r.CF, r.Key, floor, visible)
		switch {
		case errors.Is(err, engine.ErrNotFound):
			rb.Delete(r.CF, r.Key)
			deleted++
		case err != nil:
			return errors.Wrapf(err, "read back cf %d key %q", r.CF, r.Key)
		default:
			rb.Put(r.CF, r.Key, value)
			restored++
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for i := 0; i < restored; i++ {
		t.be.Metrics.RecordRollbackKey("restored")
	}
	for i := 0; i < deleted; i++ {
		t.be.Metrics.RecordRollbackKey("deleted")
	}
	return rb, nil
}
