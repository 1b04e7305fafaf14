package txn

import (
	"context"

	"github.com/nainya/wpstore/internal/metrics"
	"github.com/nainya/wpstore/pkg/batch"
	"github.com/nainya/wpstore/pkg/engine"
	"github.com/rs/zerolog"
)

// WriteEngine is what transactions need from the write engine.
type WriteEngine interface {
	batch.ComparatorMap
	Write(ctx context.Context, b *batch.WriteBatch, opts engine.WriteOptions) (uint64, error)
	Get(cf uint32, key []byte, floor uint64, visible engine.ReadCallback) ([]byte, error)
	LastPublishedSequence() uint64
	TwoWriteQueues() bool
}

// CommitTable is the shared prepared-set and commit map. Mutations happen
// only inside pre-release callbacks.
type CommitTable interface {
	// AddPrepared registers seq as prepared and not yet visible.
	AddPrepared(seq uint64)
	// AddCommitted maps prepareSeq to commitSeq and drops it from the
	// prepared set if it was there.
	AddCommitted(prepareSeq, commitSeq uint64)
	// RollbackPrepared resolves count prepared sequences starting at
	// prepareSeq as rolled back by the write at rollbackSeq.
	RollbackPrepared(prepareSeq uint64, count int, rollbackSeq uint64)
	// IsInSnapshot is the read-time visibility predicate.
	IsInSnapshot(seq, snapshot uint64) bool
}

// ConflictChecker detects writes to a key that a snapshot cannot see.
type ConflictChecker interface {
	CheckKeyForConflicts(cf uint32, key []byte, snapshot uint64, visible engine.ReadCallback) error
}

// Locker grants exclusive per-key locks to named owners. Lock is reentrant
// for the same owner.
type Locker interface {
	Lock(ctx context.Context, owner string, cf uint32, key []byte) error
	Unlock(owner string, cf uint32, key []byte)
}

// NameRegistry keeps transaction names unique among live transactions. A
// name is reserved until its transaction commits or rolls back.
type NameRegistry interface {
	Reserve(name string) error
	Release(name string)
}

// Snapshot pins a read sequence.
type Snapshot interface {
	Sequence() uint64
}

// Backend bundles the collaborators shared by every transaction of a database.
type Backend struct {
	Engine    WriteEngine
	Commits   CommitTable
	Conflicts ConflictChecker // optional
	Locks     Locker          // optional
	Names     NameRegistry    // optional

	// Sync fsyncs the WAL on every transaction write.
	Sync bool

	// UseOnlyLastCommitTimeBatchForRecovery logs a non-empty commit-time
	// batch as the latest recoverable state instead of applying it.
	UseOnlyLastCommitTimeBatchForRecovery bool

	Log     zerolog.Logger
	Metrics *metrics.Metrics
}
