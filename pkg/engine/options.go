package engine

import (
	"github.com/nainya/wpstore/internal/metrics"
	"github.com/nainya/wpstore/pkg/batch"
	"github.com/nainya/wpstore/pkg/wal"
	"github.com/rs/zerolog"
)

// WALFileName is the base name of the log inside the engine directory.
const WALFileName = "wpstore.wal"

// ReplayedWrite is one logged write handed to Options.Replay during Open.
type ReplayedWrite struct {
	Seq   uint64
	Count int
	Kind  wal.Kind
	Batch *batch.WriteBatch
}

// ReplayHandler observes every logged write in order while the engine opens.
type ReplayHandler func(w ReplayedWrite) error

// StateCallback runs when the cached recoverable state is written to the
// memtable, before its sequence numbers are published.
type StateCallback func(seq uint64, count int) error

// Options configures an Engine.
type Options struct {
	// Dir holds the WAL segments.
	Dir string

	// TwoWriteQueues splits memtable writes and log-only writes into separate
	// queues. Only log-only writes publish sequence numbers in that mode.
	TwoWriteQueues bool

	// Sync fsyncs the WAL on every write regardless of WriteOptions.
	Sync bool

	MaxWALFileSize int64

	// MemtableSoftLimit and DelayedWriteRate (bytes/s) enable write delays
	// once the memtable passes the limit. Zero disables delays.
	MemtableSoftLimit int64
	DelayedWriteRate  int

	ColumnFamilies []ColumnFamilyOptions

	Replay                   ReplayHandler
	RecoverableStateCallback StateCallback

	Logger  zerolog.Logger
	Metrics *metrics.Metrics
}

// PreReleaseCallback runs after a write has been assigned its sequence
// numbers and applied, but before those numbers are published to readers.
type PreReleaseCallback interface {
	Callback(seq uint64, memtableDisabled bool) error
}

// PreReleaseFunc adapts a function to PreReleaseCallback.
type PreReleaseFunc func(seq uint64, memtableDisabled bool) error

func (f PreReleaseFunc) Callback(seq uint64, memtableDisabled bool) error {
	return f(seq, memtableDisabled)
}

// WriteOptions controls a single Write.
type WriteOptions struct {
	Sync       bool
	DisableWAL bool

	// DisableMemtable logs the batch without applying its data.
	DisableMemtable bool

	// PersistentState logs the batch as the latest recoverable state and
	// caches it until the next FlushRecoverableState. Implies DisableMemtable.
	PersistentState bool

	// BatchCount is the number of sequence numbers the write consumes. Zero
	// lets the engine count sub-batches itself; a memtable write must declare
	// exactly its sub-batch count.
	BatchCount int

	PreRelease PreReleaseCallback
}
