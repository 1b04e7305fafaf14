package txndb

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScanWAL(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	db, err := Open(testOptions(dir, false))
	require.NoError(t, err)

	require.NoError(t, begin(t, db, "pending", "a", "1", "b", "2").Prepare(ctx))
	committed := begin(t, db, "done", "c", "3")
	require.NoError(t, committed.Prepare(ctx))
	require.NoError(t, committed.Commit(ctx))
	aborted := begin(t, db, "undone", "d", "4")
	require.NoError(t, aborted.Prepare(ctx))
	require.NoError(t, aborted.Rollback(ctx))
	require.NoError(t, begin(t, db, "direct", "e", "5").Commit(ctx))
	require.NoError(t, db.Close())

	summary, err := ScanWAL(dir)
	require.NoError(t, err)
	assert.Equal(t, 6, summary.Writes)
	assert.Equal(t, 3, summary.Prepared)
	assert.Equal(t, 1, summary.Committed)
	assert.Equal(t, 1, summary.RolledBack)
	assert.Equal(t, 1, summary.CommittedWithoutPrepare)
	assert.Equal(t, 1, summary.LogOnly)
	assert.Equal(t, uint64(6), summary.LastSequence)

	require.Len(t, summary.Pending, 1)
	assert.Equal(t, "pending", summary.Pending[0].Name)
	assert.Equal(t, uint64(1), summary.Pending[0].Seq)
	assert.Equal(t, 2, summary.Pending[0].Keys)
}

func TestScanWALEmptyDir(t *testing.T) {
	summary, err := ScanWAL(t.TempDir())
	require.NoError(t, err)
	assert.Zero(t, summary.Writes)
	assert.Empty(t, summary.Pending)
}
