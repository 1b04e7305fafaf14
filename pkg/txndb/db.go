// ABOUTME: Transactional database over the write engine
// ABOUTME: Owns the commit table, key locks, snapshots and 2PC recovery

// Package txndb is the database write-prepared transactions run against. It
// owns the commit table the visibility predicate reads, the key locks, the
// snapshot registry and the recovery of prepared transactions from the WAL.
package txndb

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nainya/wpstore/internal/metrics"
	"github.com/nainya/wpstore/pkg/batch"
	"github.com/nainya/wpstore/pkg/engine"
	"github.com/nainya/wpstore/pkg/txn"
	"github.com/nainya/wpstore/pkg/wal"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// Options configures a DB.
type Options struct {
	Engine engine.Options

	// UseOnlyLastCommitTimeBatchForRecovery keeps commit-time batches out of
	// the memtable and logs each as the latest recoverable state.
	UseOnlyLastCommitTimeBatchForRecovery bool

	LockTimeout     time.Duration
	CommitMapShards int

	Logger  zerolog.Logger
	Metrics *metrics.Metrics
}

// TxnOptions configures BeginTransaction.
type TxnOptions struct {
	// Name defaults to a random UUID.
	Name string
	// SetSnapshot validates every write against the state at begin.
	SetSnapshot bool
}

// Stats is a point-in-time view of the sequence counters and commit table.
type Stats struct {
	LastAllocated  uint64
	LastPublished  uint64
	Prepared       int
	Committed      int
	MinPrepared    uint64 // zero when nothing is prepared
	Snapshots      int
	OldestSnapshot uint64 // zero without live snapshots
	HeldLocks      int
	MemtableBytes  int64
	Recovered      RecoverySummary
}

type DB struct {
	eng       *engine.Engine
	commits   *CommitTable
	locks     *LockManager
	snapshots *snapshotList
	names     *nameRegistry
	be        *txn.Backend
	log       zerolog.Logger

	mu        sync.Mutex
	recovered map[string]*txn.Transaction
	summary   RecoverySummary
}

// Open opens the database in opts.Engine.Dir. Prepared transactions found in
// the WAL without an outcome are restored as Prepared transactions holding
// their key locks.
func Open(opts Options) (*DB, error) {
	start := time.Now()
	commits := NewCommitTable(opts.CommitMapShards, opts.Metrics)
	replay := newRecoveryHandler(commits)

	eo := opts.Engine
	eo.Logger = opts.Logger.With().Str("component", "engine").Logger()
	eo.Metrics = opts.Metrics
	eo.Replay = replay.handle
	eo.RecoverableStateCallback = func(seq uint64, count int) error {
		last := seq + uint64(count) - 1
		for i := 0; i < count; i++ {
			commits.AddCommitted(seq+uint64(i), last)
		}
		return nil
	}

	eng, err := engine.Open(eo)
	if err != nil {
		return nil, err
	}

	db := &DB{
		eng:       eng,
		commits:   commits,
		locks:     NewLockManager(opts.LockTimeout),
		snapshots: newSnapshotList(),
		names:     newNameRegistry(),
		log:       opts.Logger,
		recovered: make(map[string]*txn.Transaction),
		summary:   replay.finish(),
	}
	db.be = &txn.Backend{
		Engine:                                eng,
		Commits:                               commits,
		Conflicts:                             conflictChecker{versions: eng},
		Locks:                                 db.locks,
		Names:                                 db.names,
		Sync:                                  opts.Engine.Sync,
		UseOnlyLastCommitTimeBatchForRecovery: opts.UseOnlyLastCommitTimeBatchForRecovery,
		Log:                                   opts.Logger.With().Str("component", "txn").Logger(),
		Metrics:                               opts.Metrics,
	}

	for _, p := range db.summary.Pending {
		if err := db.names.Reserve(p.Name); err != nil {
			eng.Close()
			return nil, err
		}
		tx, err := txn.Recovered(context.Background(), db.be, p.Name, p.Seq, p.Batch)
		if err != nil {
			eng.Close()
			return nil, errors.Wrapf(err, "restore prepared transaction %q", p.Name)
		}
		if tx.PrepareBatchCount() != p.Count {
			eng.Close()
			return nil, errors.Errorf("prepared transaction %q at %d: logged %d sub-batches, rebuilt %d",
				p.Name, p.Seq, p.Count, tx.PrepareBatchCount())
		}
		db.recovered[p.Name] = tx
	}

	db.log.Info().
		Int("writes", db.summary.Writes).
		Int("prepared", db.summary.Prepared).
		Int("committed", db.summary.Committed).
		Int("rolled_back", db.summary.RolledBack).
		Int("pending", len(db.summary.Pending)).
		Uint64("last_sequence", eng.LastAllocatedSequence()).
		Dur("duration", time.Since(start)).
		Msg("database opened")
	return db, nil
}

// BeginTransaction starts a transaction. Names are unique among live
// transactions, recovered prepared ones included; a name is free again once
// its transaction commits or rolls back.
func (db *DB) BeginTransaction(opts TxnOptions) (*txn.Transaction, error) {
	name := opts.Name
	if name == "" {
		name = uuid.NewString()
	}
	if err := db.names.Reserve(name); err != nil {
		return nil, err
	}

	tx := txn.New(db.be, name)
	if opts.SetSnapshot {
		tx.SetSnapshot(&Snapshot{seq: db.eng.LastPublishedSequence()})
	}
	return tx, nil
}

// Write commits b outside any transaction and returns its first sequence.
// Every key of b is locked for the duration of the write, so a plain write
// waits for, or times out on, a transaction holding one of its keys.
func (db *DB) Write(ctx context.Context, b *batch.WriteBatch) (uint64, error) {
	owner := txn.NewLockOwner("write")
	var held []batch.Record
	defer func() {
		for _, r := range held {
			db.locks.Unlock(owner, r.CF, r.Key)
		}
	}()

	err := b.Iterate(func(r batch.Record) error {
		if !r.Kind.IsData() {
			return nil
		}
		if err := db.locks.Lock(ctx, owner, r.CF, r.Key); err != nil {
			return err
		}
		r.Key = append([]byte(nil), r.Key...)
		held = append(held, r)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return txn.CommitBatch(ctx, db.be, b, 0)
}

// Get reads key as of snap, or as of the last published sequence when snap
// is nil.
func (db *DB) Get(cf uint32, key []byte, snap *Snapshot) ([]byte, error) {
	seq := db.eng.LastPublishedSequence()
	if snap != nil {
		seq = snap.seq
	}
	return db.eng.Get(cf, key, seq, func(s uint64) bool {
		return db.commits.IsInSnapshot(s, seq)
	})
}

// GetSnapshot registers a snapshot at the last published sequence. Release
// it with ReleaseSnapshot.
func (db *DB) GetSnapshot() *Snapshot {
	return db.snapshots.acquire(db.eng.LastPublishedSequence())
}

func (db *DB) ReleaseSnapshot(s *Snapshot) error {
	return db.snapshots.release(s)
}

// Flush writes the cached recoverable state, if any, into the memtable.
func (db *DB) Flush(ctx context.Context) error {
	_, err := db.eng.FlushRecoverableState(ctx)
	return err
}

// NewCheckpointer returns a checkpointer flushing the recoverable state every
// interval.
func (db *DB) NewCheckpointer(interval time.Duration) *wal.Checkpointer {
	return db.eng.NewCheckpointer(interval)
}

// ColumnFamily resolves a column family name to its id.
func (db *DB) ColumnFamily(name string) (uint32, bool) {
	cf, ok := db.eng.ColumnFamily(name)
	if !ok {
		return 0, false
	}
	return cf.ID, true
}

// GetAllPreparedTransactions returns the recovered transactions that are still
// prepared, oldest first.
func (db *DB) GetAllPreparedTransactions() []*txn.Transaction {
	db.mu.Lock()
	defer db.mu.Unlock()

	var out []*txn.Transaction
	for name, tx := range db.recovered {
		if tx.State() != txn.Prepared {
			delete(db.recovered, name)
			continue
		}
		out = append(out, tx)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// GetTransactionByName returns a recovered prepared transaction.
func (db *DB) GetTransactionByName(name string) (*txn.Transaction, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	tx, ok := db.recovered[name]
	if !ok || tx.State() != txn.Prepared {
		return nil, errors.Wrap(ErrUnknownTransaction, name)
	}
	return tx, nil
}

func (db *DB) Stats() Stats {
	s := Stats{
		LastAllocated: db.eng.LastAllocatedSequence(),
		LastPublished: db.eng.LastPublishedSequence(),
		Prepared:      db.commits.PreparedCount(),
		Committed:     db.commits.CommittedCount(),
		Snapshots:     db.snapshots.len(),
		HeldLocks:     db.locks.Held(),
		MemtableBytes: db.eng.MemtableSize(),
		Recovered:     db.summary,
	}
	s.MinPrepared, _ = db.commits.MinPrepared()
	s.OldestSnapshot, _ = db.snapshots.oldest()
	return s
}

// Check reports whether the database still accepts writes.
func (db *DB) Check() error {
	if db.eng.Closed() {
		return engine.ErrClosed
	}
	return nil
}

func (db *DB) Engine() *engine.Engine { return db.eng }

func (db *DB) CommitTable() *CommitTable { return db.commits }

func (db *DB) Close() error {
	return db.eng.Close()
}
