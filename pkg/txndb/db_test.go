package txndb

import (
	"context"
	"testing"
	"time"

	"github.com/nainya/wpstore/pkg/batch"
	"github.com/nainya/wpstore/pkg/engine"
	"github.com/nainya/wpstore/pkg/txn"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testOptions(dir string, twoQueues bool) Options {
	return Options{
		Engine: engine.Options{
			Dir:            dir,
			TwoWriteQueues: twoQueues,
		},
		LockTimeout: 50 * time.Millisecond,
		Logger:      zerolog.Nop(),
	}
}

func openTestDB(t *testing.T, opts Options) *DB {
	t.Helper()
	db, err := Open(opts)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func mustGet(t *testing.T, db *DB, key string) string {
	t.Helper()
	v, err := db.Get(0, []byte(key), nil)
	require.NoError(t, err, key)
	return string(v)
}

func assertMissing(t *testing.T, db *DB, key string) {
	t.Helper()
	_, err := db.Get(0, []byte(key), nil)
	assert.ErrorIs(t, err, engine.ErrNotFound, key)
}

func begin(t *testing.T, db *DB, name string, kvs ...string) *txn.Transaction {
	t.Helper()
	tx, err := db.BeginTransaction(TxnOptions{Name: name})
	require.NoError(t, err)
	for i := 0; i+1 < len(kvs); i += 2 {
		require.NoError(t, tx.Put(context.Background(), 0, []byte(kvs[i]), []byte(kvs[i+1])))
	}
	return tx
}

func forEachQueueMode(t *testing.T, fn func(t *testing.T, twoQueues bool)) {
	t.Run("one_queue", func(t *testing.T) { fn(t, false) })
	t.Run("two_queues", func(t *testing.T) { fn(t, true) })
}

func TestTransactionLifecycle(t *testing.T) {
	forEachQueueMode(t, func(t *testing.T, twoQueues bool) {
		ctx := context.Background()
		db := openTestDB(t, testOptions(t.TempDir(), twoQueues))

		tx := begin(t, db, "", "k", "v")
		assert.NotEmpty(t, tx.Name())
		require.NoError(t, tx.Prepare(ctx))
		assertMissing(t, db, "k")
		assert.Equal(t, 1, db.Stats().Prepared)

		require.NoError(t, tx.Commit(ctx))
		assert.Equal(t, "v", mustGet(t, db, "k"))

		stats := db.Stats()
		assert.Zero(t, stats.Prepared)
		assert.Zero(t, stats.HeldLocks)
		assert.Equal(t, stats.LastAllocated, stats.LastPublished)
	})
}

func TestPlainWrite(t *testing.T) {
	forEachQueueMode(t, func(t *testing.T, twoQueues bool) {
		db := openTestDB(t, testOptions(t.TempDir(), twoQueues))

		b := batch.New()
		b.Put(0, []byte("a"), []byte("1"))
		b.Put(0, []byte("a"), []byte("2"))
		seq, err := db.Write(context.Background(), b)
		require.NoError(t, err)
		assert.NotZero(t, seq)
		assert.Equal(t, "2", mustGet(t, db, "a"))

		seq, err = db.Write(context.Background(), batch.New())
		require.NoError(t, err)
		assert.Zero(t, seq)
	})
}

func TestRecoverPreparedTransactions(t *testing.T) {
	forEachQueueMode(t, func(t *testing.T, twoQueues bool) {
		ctx := context.Background()
		dir := t.TempDir()

		db, err := Open(testOptions(dir, twoQueues))
		require.NoError(t, err)

		require.NoError(t, begin(t, db, "t1", "a", "1").Prepare(ctx))
		require.NoError(t, begin(t, db, "t2", "b", "2").Prepare(ctx))

		t3 := begin(t, db, "t3", "c", "3")
		require.NoError(t, t3.Prepare(ctx))
		require.NoError(t, t3.Commit(ctx))

		t4 := begin(t, db, "t4", "d", "4")
		require.NoError(t, t4.Prepare(ctx))
		require.NoError(t, t4.Rollback(ctx))

		plain := batch.New()
		plain.Put(0, []byte("e"), []byte("5"))
		_, err = db.Write(ctx, plain)
		require.NoError(t, err)
		require.NoError(t, db.Close())

		db = openTestDB(t, testOptions(dir, twoQueues))

		prepared := db.GetAllPreparedTransactions()
		require.Len(t, prepared, 2)
		assert.Equal(t, "t1", prepared[0].Name())
		assert.Equal(t, "t2", prepared[1].Name())
		assert.Equal(t, txn.Prepared, prepared[0].State())

		assertMissing(t, db, "a")
		assertMissing(t, db, "b")
		assert.Equal(t, "3", mustGet(t, db, "c"))
		assertMissing(t, db, "d")
		assert.Equal(t, "5", mustGet(t, db, "e"))

		summary := db.Stats().Recovered
		assert.Equal(t, 4, summary.Prepared)
		assert.Equal(t, 1, summary.Committed)
		assert.Equal(t, 1, summary.RolledBack)
		assert.Equal(t, 1, summary.PlainWrites)
		assert.Zero(t, summary.Orphans)

		_, err = db.BeginTransaction(TxnOptions{Name: "t2"})
		assert.ErrorIs(t, err, ErrNameInUse)

		// The recovered transaction still holds its key.
		other := begin(t, db, "other")
		assert.ErrorIs(t, other.Put(ctx, 0, []byte("b"), []byte("x")), ErrLockTimeout)

		t1, err := db.GetTransactionByName("t1")
		require.NoError(t, err)
		require.NoError(t, t1.Commit(ctx))
		assert.Equal(t, "1", mustGet(t, db, "a"))

		t2, err := db.GetTransactionByName("t2")
		require.NoError(t, err)
		require.NoError(t, t2.Rollback(ctx))
		assertMissing(t, db, "b")

		require.NoError(t, other.Put(ctx, 0, []byte("b"), []byte("x")))
		assert.Empty(t, db.GetAllPreparedTransactions())
		_, err = db.GetTransactionByName("t1")
		assert.ErrorIs(t, err, ErrUnknownTransaction)
	})
}

func TestRecoverDuplicateKeyPrepare(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	db, err := Open(testOptions(dir, false))
	require.NoError(t, err)
	tx := begin(t, db, "dup", "k", "1", "j", "1", "k", "2")
	require.NoError(t, tx.Prepare(ctx))
	require.Equal(t, 2, tx.PrepareBatchCount())
	require.NoError(t, db.Close())

	db = openTestDB(t, testOptions(dir, false))
	rec, err := db.GetTransactionByName("dup")
	require.NoError(t, err)
	assert.Equal(t, 2, rec.PrepareBatchCount())
	assert.Equal(t, tx.ID(), rec.ID())

	require.NoError(t, rec.Commit(ctx))
	assert.Equal(t, "2", mustGet(t, db, "k"))
	assert.Equal(t, "1", mustGet(t, db, "j"))
}

func TestRecoverableStateSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	opts := testOptions(dir, false)
	opts.UseOnlyLastCommitTimeBatchForRecovery = true

	db, err := Open(opts)
	require.NoError(t, err)
	tx := begin(t, db, "s", "data", "1")
	require.NoError(t, tx.Prepare(ctx))
	tx.GetCommitTimeWriteBatch().Put(0, []byte("state"), []byte("s1"))
	require.NoError(t, tx.Commit(ctx))

	assert.Equal(t, "1", mustGet(t, db, "data"))
	assertMissing(t, db, "state")
	require.NoError(t, db.Close())

	db = openTestDB(t, opts)
	assert.Equal(t, "1", mustGet(t, db, "data"))
	assert.Equal(t, "s1", mustGet(t, db, "state"))
	assert.Equal(t, 1, db.Stats().Recovered.PersistentStates)
}

func TestSnapshots(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t, testOptions(t.TempDir(), false))

	require.NoError(t, begin(t, db, "", "k", "v0").Commit(ctx))
	snap := db.GetSnapshot()
	require.NoError(t, begin(t, db, "", "k", "v1").Commit(ctx))

	v, err := db.Get(0, []byte("k"), snap)
	require.NoError(t, err)
	assert.Equal(t, "v0", string(v))
	assert.Equal(t, "v1", mustGet(t, db, "k"))

	stats := db.Stats()
	assert.Equal(t, 1, stats.Snapshots)
	assert.Equal(t, snap.Sequence(), stats.OldestSnapshot)

	require.NoError(t, db.ReleaseSnapshot(snap))
	assert.ErrorIs(t, db.ReleaseSnapshot(snap), ErrSnapshotReleased)
}

func TestWriteConflict(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t, testOptions(t.TempDir(), false))
	require.NoError(t, begin(t, db, "", "k", "v0").Commit(ctx))

	tx, err := db.BeginTransaction(TxnOptions{SetSnapshot: true})
	require.NoError(t, err)
	require.NoError(t, tx.Put(ctx, 0, []byte("k"), []byte("mine")))
	require.NoError(t, tx.Rollback(ctx))

	tx, err = db.BeginTransaction(TxnOptions{SetSnapshot: true})
	require.NoError(t, err)
	require.NoError(t, begin(t, db, "", "k", "theirs").Commit(ctx))

	err = tx.Put(ctx, 0, []byte("k"), []byte("mine"))
	require.Error(t, err)
	assert.True(t, txn.IsConflict(err))
}

func TestUnknownColumnFamilyByName(t *testing.T) {
	opts := testOptions(t.TempDir(), false)
	opts.Engine.ColumnFamilies = []engine.ColumnFamilyOptions{{Name: "meta"}}
	db := openTestDB(t, opts)

	id, ok := db.ColumnFamily("meta")
	require.True(t, ok)
	assert.Equal(t, uint32(1), id)
	_, ok = db.ColumnFamily("missing")
	assert.False(t, ok)
}

func TestCheckAfterClose(t *testing.T) {
	db, err := Open(testOptions(t.TempDir(), false))
	require.NoError(t, err)
	assert.NoError(t, db.Check())

	require.NoError(t, db.Close())
	assert.ErrorIs(t, db.Check(), engine.ErrClosed)
	_, err = db.Write(context.Background(), batch.New())
	assert.NoError(t, err, "empty batches never reach the engine")

	b := batch.New()
	b.Put(0, []byte("k"), []byte("v"))
	_, err = db.Write(context.Background(), b)
	assert.ErrorIs(t, err, engine.ErrClosed)
}

func TestPlainWriteWaitsForPreparedLock(t *testing.T) {
	forEachQueueMode(t, func(t *testing.T, twoQueues bool) {
		ctx := context.Background()
		db := openTestDB(t, testOptions(t.TempDir(), twoQueues))

		seed := batch.New()
		seed.Put(0, []byte("k"), []byte("old"))
		_, err := db.Write(ctx, seed)
		require.NoError(t, err)

		tx := begin(t, db, "p", "k", "new")
		require.NoError(t, tx.Prepare(ctx))

		plain := batch.New()
		plain.Put(0, []byte("other"), []byte("x"))
		plain.Put(0, []byte("k"), []byte("plain"))
		_, err = db.Write(ctx, plain)
		assert.ErrorIs(t, err, ErrLockTimeout)
		assertMissing(t, db, "other")
		assert.Equal(t, 1, db.Stats().HeldLocks, "failed write must release what it locked")

		require.NoError(t, tx.Rollback(ctx))
		assert.Equal(t, "old", mustGet(t, db, "k"))

		_, err = db.Write(ctx, plain)
		require.NoError(t, err)
		assert.Equal(t, "plain", mustGet(t, db, "k"))
		assert.Zero(t, db.Stats().HeldLocks)
	})
}

func TestTransactionNamesAreUnique(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t, testOptions(t.TempDir(), false))

	a := begin(t, db, "dup", "k", "a")
	_, err := db.BeginTransaction(TxnOptions{Name: "dup"})
	assert.ErrorIs(t, err, ErrNameInUse)

	// Distinct transactions never share a lock, whatever their names.
	b := begin(t, db, "other")
	assert.ErrorIs(t, b.Put(ctx, 0, []byte("k"), []byte("b")), ErrLockTimeout)

	require.NoError(t, a.Prepare(ctx))
	require.NoError(t, a.Commit(ctx))
	assert.Zero(t, db.Stats().HeldLocks)

	again, err := db.BeginTransaction(TxnOptions{Name: "dup"})
	require.NoError(t, err)
	require.NoError(t, again.Rollback(ctx))
	require.NoError(t, b.Rollback(ctx))
	assert.Zero(t, db.names.len())
}
