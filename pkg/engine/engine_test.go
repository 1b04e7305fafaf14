package engine

import (
	"context"
	"math"
	"testing"

	"github.com/nainya/wpstore/pkg/batch"
	"github.com/nainya/wpstore/pkg/wal"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestEngine(t *testing.T, opts Options) *Engine {
	t.Helper()
	if opts.Dir == "" {
		opts.Dir = t.TempDir()
	}
	opts.Logger = zerolog.Nop()
	e, err := Open(opts)
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e
}

func put(kvs ...string) *batch.WriteBatch {
	b := batch.New()
	for i := 0; i+1 < len(kvs); i += 2 {
		b.Put(0, []byte(kvs[i]), []byte(kvs[i+1]))
	}
	return b
}

func TestWriteAssignsSequences(t *testing.T) {
	e := openTestEngine(t, Options{})
	ctx := context.Background()

	seq, err := e.Write(ctx, put("a", "1"), WriteOptions{})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), seq)

	// Two sub-batches consume two sequence numbers.
	seq, err = e.Write(ctx, put("b", "1", "b", "2"), WriteOptions{})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), seq)
	assert.Equal(t, uint64(3), e.LastAllocatedSequence())
	assert.Equal(t, uint64(3), e.LastPublishedSequence())

	v, err := e.Get(0, []byte("b"), math.MaxUint64, nil)
	require.NoError(t, err)
	assert.Equal(t, "2", string(v))

	v, err = e.Get(0, []byte("b"), 2, nil)
	require.NoError(t, err)
	assert.Equal(t, "1", string(v))
}

func TestWriteBatchCountMismatch(t *testing.T) {
	e := openTestEngine(t, Options{})

	_, err := e.Write(context.Background(), put("a", "1", "a", "2"), WriteOptions{BatchCount: 1})
	assert.True(t, errors.Is(err, ErrBatchCountMismatch))
	assert.Equal(t, uint64(0), e.LastAllocatedSequence())
}

func TestEmptyWriteConsumesOneSequence(t *testing.T) {
	e := openTestEngine(t, Options{})

	b := batch.New()
	b.MarkNoop()
	seq, err := e.Write(context.Background(), b, WriteOptions{DisableMemtable: true})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), seq)
	assert.Equal(t, uint64(1), e.LastPublishedSequence())
}

func TestGetWithReadCallback(t *testing.T) {
	e := openTestEngine(t, Options{})
	ctx := context.Background()

	_, err := e.Write(ctx, put("k", "old"), WriteOptions{})
	require.NoError(t, err)
	_, err = e.Write(ctx, put("k", "new"), WriteOptions{})
	require.NoError(t, err)

	onlyFirst := func(seq uint64) bool { return seq == 1 }
	v, err := e.Get(0, []byte("k"), math.MaxUint64, onlyFirst)
	require.NoError(t, err)
	assert.Equal(t, "old", string(v))

	_, err = e.Get(0, []byte("k"), math.MaxUint64, func(uint64) bool { return false })
	assert.True(t, errors.Is(err, ErrNotFound))

	del := batch.New()
	del.Delete(0, []byte("k"))
	_, err = e.Write(ctx, del, WriteOptions{})
	require.NoError(t, err)
	_, err = e.Get(0, []byte("k"), math.MaxUint64, nil)
	assert.True(t, errors.Is(err, ErrNotFound))

	seq, ok, err := e.LatestSequence(0, []byte("k"))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, uint64(3), seq)
}

func TestMergeOperands(t *testing.T) {
	e := openTestEngine(t, Options{
		ColumnFamilies: []ColumnFamilyOptions{
			{Name: "tags", MergeOperator: StringAppendOperator{Delim: []byte(",")}},
		},
	})
	cf, ok := e.ColumnFamily("tags")
	require.True(t, ok)
	assert.Equal(t, uint32(1), cf.ID)

	b := batch.New()
	b.Put(cf.ID, []byte("k"), []byte("a"))
	b.Merge(cf.ID, []byte("k"), []byte("b"))
	b.Merge(cf.ID, []byte("k"), []byte("c"))
	_, err := e.Write(context.Background(), b, WriteOptions{})
	require.NoError(t, err)

	v, err := e.Get(cf.ID, []byte("k"), math.MaxUint64, nil)
	require.NoError(t, err)
	assert.Equal(t, "a,b,c", string(v))

	noOp := batch.New()
	noOp.Merge(0, []byte("m"), []byte("x"))
	_, err = e.Write(context.Background(), noOp, WriteOptions{})
	require.NoError(t, err)
	_, err = e.Get(0, []byte("m"), math.MaxUint64, nil)
	assert.True(t, errors.Is(err, ErrMergeOperatorMissing))
}

func TestUnknownColumnFamily(t *testing.T) {
	e := openTestEngine(t, Options{})

	b := batch.New()
	b.Put(9, []byte("k"), nil)
	_, err := e.Write(context.Background(), b, WriteOptions{})
	assert.True(t, errors.Is(err, ErrUnknownColumnFamily))

	_, err = e.Get(9, []byte("k"), math.MaxUint64, nil)
	assert.True(t, errors.Is(err, ErrUnknownColumnFamily))
}

func TestPreReleaseRunsBeforePublish(t *testing.T) {
	for _, twoQueues := range []bool{false, true} {
		e := openTestEngine(t, Options{TwoWriteQueues: twoQueues})
		calls := 0
		cb := PreReleaseFunc(func(seq uint64, memDisabled bool) error {
			calls++
			assert.Less(t, e.LastPublishedSequence(), seq)
			assert.True(t, memDisabled)
			return nil
		})
		b := batch.New()
		b.MarkCommit([]byte("t"))
		seq, err := e.Write(context.Background(), b, WriteOptions{DisableMemtable: true, PreRelease: cb})
		require.NoError(t, err)
		assert.Equal(t, 1, calls)
		assert.Equal(t, seq, e.LastPublishedSequence())
	}
}

func TestPreReleaseErrorFailsWrite(t *testing.T) {
	e := openTestEngine(t, Options{})
	boom := errors.New("boom")
	_, err := e.Write(context.Background(), put("a", "1"), WriteOptions{
		PreRelease: PreReleaseFunc(func(uint64, bool) error { return boom }),
	})
	assert.True(t, errors.Is(err, boom))
	assert.Equal(t, uint64(0), e.LastPublishedSequence())
}

func TestTwoWriteQueuesPublishing(t *testing.T) {
	e := openTestEngine(t, Options{TwoWriteQueues: true})
	ctx := context.Background()

	seq, err := e.Write(ctx, put("a", "1"), WriteOptions{})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), seq)
	assert.Equal(t, uint64(0), e.LastPublishedSequence(), "memtable writes never publish")

	b := batch.New()
	b.MarkNoop()
	seq, err = e.Write(ctx, b, WriteOptions{DisableMemtable: true})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), seq)
	assert.Equal(t, uint64(2), e.LastPublishedSequence())
}

func TestReplayRebuildsMemtable(t *testing.T) {
	dir := t.TempDir()
	e, err := Open(Options{Dir: dir, Logger: zerolog.Nop()})
	require.NoError(t, err)
	ctx := context.Background()

	_, err = e.Write(ctx, put("a", "1", "a", "2"), WriteOptions{})
	require.NoError(t, err)
	marker := batch.New()
	marker.MarkCommit([]byte("t"))
	_, err = e.Write(ctx, marker, WriteOptions{DisableMemtable: true})
	require.NoError(t, err)
	_, err = e.Write(ctx, put("skip", "x"), WriteOptions{DisableWAL: true})
	require.NoError(t, err)
	require.NoError(t, e.Close())

	var replayed []ReplayedWrite
	e2, err := Open(Options{Dir: dir, Logger: zerolog.Nop(), Replay: func(w ReplayedWrite) error {
		replayed = append(replayed, w)
		return nil
	}})
	require.NoError(t, err)
	defer e2.Close()

	require.Len(t, replayed, 2)
	assert.Equal(t, uint64(1), replayed[0].Seq)
	assert.Equal(t, 2, replayed[0].Count)
	assert.Equal(t, wal.KindWrite, replayed[0].Kind)
	assert.Equal(t, uint64(3), replayed[1].Seq)
	assert.Equal(t, wal.KindLogOnly, replayed[1].Kind)

	assert.Equal(t, uint64(3), e2.LastAllocatedSequence())
	v, err := e2.Get(0, []byte("a"), math.MaxUint64, nil)
	require.NoError(t, err)
	assert.Equal(t, "2", string(v))
	_, err = e2.Get(0, []byte("skip"), math.MaxUint64, nil)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestRecoverableState(t *testing.T) {
	dir := t.TempDir()
	var flushed []uint64
	opts := Options{
		Dir:    dir,
		Logger: zerolog.Nop(),
		RecoverableStateCallback: func(seq uint64, count int) error {
			flushed = append(flushed, seq)
			return nil
		},
	}
	e, err := Open(opts)
	require.NoError(t, err)
	ctx := context.Background()

	state := put("binlog", "pos-1")
	state.MarkCommit([]byte("t"))
	seq, err := e.Write(ctx, state, WriteOptions{PersistentState: true})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), seq)
	assert.True(t, e.HasRecoverableState())

	_, err = e.Get(0, []byte("binlog"), math.MaxUint64, nil)
	assert.True(t, errors.Is(err, ErrNotFound), "state stays out of the memtable until flushed")

	last, err := e.FlushRecoverableState(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), last)
	assert.Equal(t, []uint64{2}, flushed)
	assert.False(t, e.HasRecoverableState())

	v, err := e.Get(0, []byte("binlog"), math.MaxUint64, nil)
	require.NoError(t, err)
	assert.Equal(t, "pos-1", string(v))
	require.NoError(t, e.Close())

	// The last persistent state is re-applied after replay.
	flushed = nil
	e2, err := Open(opts)
	require.NoError(t, err)
	defer e2.Close()
	assert.Equal(t, []uint64{2}, flushed)
	v, err = e2.Get(0, []byte("binlog"), math.MaxUint64, nil)
	require.NoError(t, err)
	assert.Equal(t, "pos-1", string(v))
}

func TestCheckpointer(t *testing.T) {
	e := openTestEngine(t, Options{})
	_, err := e.Write(context.Background(), put("a", "1"), WriteOptions{})
	require.NoError(t, err)

	c := e.NewCheckpointer(0)
	require.NoError(t, c.Checkpoint(context.Background()))

	files, err := e.wal.Files()
	require.NoError(t, err)
	entries, err := wal.ReadAll(files)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, wal.KindCheckpoint, entries[1].Kind)
	assert.Equal(t, uint64(1), entries[1].LSN)
}

func TestWriteControllerDelays(t *testing.T) {
	e := openTestEngine(t, Options{MemtableSoftLimit: 1, DelayedWriteRate: 10})
	_, err := e.Write(context.Background(), put("a", "1"), WriteOptions{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = e.Write(ctx, put("b", "2"), WriteOptions{})
	assert.Error(t, err)
	assert.Equal(t, uint64(1), e.LastAllocatedSequence())
}

func TestReverseComparatorFamily(t *testing.T) {
	e := openTestEngine(t, Options{
		ColumnFamilies: []ColumnFamilyOptions{
			{Name: "rev", Comparator: batch.ReverseBytewiseComparator},
		},
	})
	cf, ok := e.ColumnFamily("rev")
	require.True(t, ok)

	b := batch.New()
	b.Put(cf.ID, []byte("x"), []byte("1"))
	b.Put(cf.ID, []byte("y"), []byte("2"))
	seq, err := e.Write(context.Background(), b, WriteOptions{})
	require.NoError(t, err)
	assert.Equal(t, e.LastAllocatedSequence(), seq)

	v, err := e.Get(cf.ID, []byte("x"), math.MaxUint64, nil)
	require.NoError(t, err)
	assert.Equal(t, "1", string(v))
	assert.Len(t, e.ColumnFamilies(), 2)
}
