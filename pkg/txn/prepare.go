package txn

import (
	"context"
	"time"

	"github.com/nainya/wpstore/pkg/engine"
)

// Prepare logs the pending writes between begin and end prepare markers and
// inserts them into the memtable without making them visible. On success the
// transaction is Prepared and its id is the first sequence of the write. On
// failure nothing is registered and the transaction stays Started.
func (t *Transaction) Prepare(ctx context.Context) (err error) {
	if err := t.checkState(Started); err != nil {
		return err
	}
	if t.name == "" {
		return ErrTxnNotNamed
	}
	start := time.Now()
	defer func() { t.record("prepare", start, err) }()

	b := t.writes.Copy()
	if err := b.MarkEndPrepare([]byte(t.name), false); err != nil {
		invariant("marking end of prepare: %v", err)
	}

	cnt := 1
	if t.hasDuplicates {
		cnt = t.subBatches(b)
		t.be.Metrics.RecordSubBatchSplit()
		t.be.Log.Warn().
			Str("txn", t.name).
			Int("sub_batches", cnt).
			Msg("duplicate keys in prepared batch")
	}

	seq, err := t.be.Engine.Write(ctx, b, engine.WriteOptions{
		Sync:       t.be.Sync,
		BatchCount: cnt,
		PreRelease: &addPreparedCallback{commits: t.be.Commits, count: cnt},
	})
	if err != nil {
		return err
	}

	t.id = seq
	t.prepareBatchCount = cnt
	t.state = Prepared
	return nil
}
