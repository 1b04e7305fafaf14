// Package txn implements write-prepared transactions: buffered writes that
// are written into the memtable at prepare time and made visible at commit
// time through the commit table, plus rollback by writing the prior values
// of every touched key.
package txn

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/nainya/wpstore/pkg/batch"
	"github.com/nainya/wpstore/pkg/engine"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
)

// State is the lifecycle position of a transaction.
type State int

const (
	Started State = iota
	Prepared
	Committed
	RolledBack
)

func (s State) String() string {
	switch s {
	case Started:
		return "started"
	case Prepared:
		return "prepared"
	case Committed:
		return "committed"
	case RolledBack:
		return "rolled_back"
	}
	return "unknown"
}

type trackKey struct {
	cf  uint32
	key string
}

// Transaction is owned by one caller at a time and is not safe for
// concurrent use.
type Transaction struct {
	be    *Backend
	name  string
	owner string // lock owner, unique per transaction
	state State

	// id is the first sequence number of the prepare write, or of the data
	// write for a transaction committed without prepare.
	id uint64

	writes        *batch.WriteBatch
	keys          *batch.KeySet
	hasDuplicates bool
	commitTime    *batch.WriteBatch

	prepareBatchCount int

	snapshot Snapshot
	tracked  map[trackKey]uint64
	locked   *batch.KeySet
}

// New starts a transaction with the given name. The name identifies the
// transaction in the WAL; reserving it is up to the caller.
func New(be *Backend, name string) *Transaction {
	return &Transaction{
		be:         be,
		name:       name,
		owner:      NewLockOwner("txn"),
		state:      Started,
		writes:     batch.New(),
		keys:       batch.NewKeySet(be.Engine),
		commitTime: batch.New(),
		tracked:    make(map[trackKey]uint64),
		locked:     batch.NewKeySet(be.Engine),
	}
}

// Recovered rebuilds a transaction found prepared in the WAL. Its keys are
// locked again so that no writer overtakes the pending outcome.
func Recovered(ctx context.Context, be *Backend, name string, id uint64, prepared *batch.WriteBatch) (*Transaction, error) {
	t := New(be, name)
	if err := t.RebuildFromWriteBatch(prepared); err != nil {
		return nil, err
	}
	if be.Locks != nil {
		var lockErr error
		t.keys.Each(func(cf uint32, key []byte) bool {
			if lockErr = be.Locks.Lock(ctx, t.owner, cf, key); lockErr != nil {
				return false
			}
			_, lockErr = t.locked.Insert(cf, key)
			return lockErr == nil
		})
		if lockErr != nil {
			t.releaseLocks()
			return nil, lockErr
		}
	}
	t.id = id
	t.state = Prepared
	return t, nil
}

func (t *Transaction) Name() string { return t.name }

func (t *Transaction) State() State { return t.state }

// SetName names a transaction that was started without one. A name is
// required to prepare.
func (t *Transaction) SetName(name string) error {
	if err := t.checkState(Started); err != nil {
		return err
	}
	if name == "" {
		return ErrTxnNotNamed
	}
	if t.name != "" {
		return errors.Errorf("txn: transaction already named %q", t.name)
	}
	if t.be.Names != nil {
		if err := t.be.Names.Reserve(name); err != nil {
			return err
		}
	}
	t.name = name
	return nil
}

// ID returns the prepare sequence number, zero before the first write.
func (t *Transaction) ID() uint64 { return t.id }

// PrepareBatchCount is the number of sequence numbers the prepare consumed.
func (t *Transaction) PrepareBatchCount() int { return t.prepareBatchCount }

// WriteBatch returns the pending writes.
func (t *Transaction) WriteBatch() *batch.WriteBatch { return t.writes }

// GetCommitTimeWriteBatch returns a batch written together with the commit
// marker. Writes to it take no locks and are never validated.
func (t *Transaction) GetCommitTimeWriteBatch() *batch.WriteBatch { return t.commitTime }

// SetSnapshot makes later writes validate against s.
func (t *Transaction) SetSnapshot(s Snapshot) {
	t.snapshot = s
}

func (t *Transaction) GetSnapshot() Snapshot {
	return t.snapshot
}

// checkState returns nil if the transaction is in one of the allowed states
// and the matching protocol error otherwise.
func (t *Transaction) checkState(allowed ...State) error {
	for _, s := range allowed {
		if t.state == s {
			return nil
		}
	}
	switch t.state {
	case Prepared:
		return ErrTxnAlreadyPrepared
	case Committed:
		return ErrTxnAlreadyCommitted
	case RolledBack:
		return ErrTxnAlreadyRolledBack
	}
	return errors.Errorf("txn: operation not allowed in state %s", t.state)
}

func (t *Transaction) Put(ctx context.Context, cf uint32, key, value []byte) error {
	return t.write(ctx, batch.KindPut, cf, key, value)
}

func (t *Transaction) Delete(ctx context.Context, cf uint32, key []byte) error {
	return t.write(ctx, batch.KindDelete, cf, key, nil)
}

func (t *Transaction) SingleDelete(ctx context.Context, cf uint32, key []byte) error {
	return t.write(ctx, batch.KindSingleDelete, cf, key, nil)
}

func (t *Transaction) Merge(ctx context.Context, cf uint32, key, value []byte) error {
	return t.write(ctx, batch.KindMerge, cf, key, value)
}

func (t *Transaction) write(ctx context.Context, kind batch.Kind, cf uint32, key, value []byte) error {
	if err := t.checkState(Started); err != nil {
		return err
	}
	if _, ok := t.be.Engine.ComparatorFor(cf); !ok {
		return errors.Wrapf(batch.ErrUnknownColumnFamily, "column family %d", cf)
	}
	if err := t.lockAndValidate(ctx, cf, key); err != nil {
		return err
	}

	fresh, err := t.keys.Insert(cf, key)
	if err != nil {
		return err
	}
	if !fresh {
		t.hasDuplicates = true
	}

	switch kind {
	case batch.KindPut:
		t.writes.Put(cf, key, value)
	case batch.KindDelete:
		t.writes.Delete(cf, key)
	case batch.KindSingleDelete:
		t.writes.SingleDelete(cf, key)
	case batch.KindMerge:
		t.writes.Merge(cf, key, value)
	}
	return nil
}

func (t *Transaction) lockAndValidate(ctx context.Context, cf uint32, key []byte) error {
	if t.be.Locks != nil && !t.locked.Contains(cf, key) {
		if err := t.be.Locks.Lock(ctx, t.owner, cf, key); err != nil {
			return err
		}
		if _, err := t.locked.Insert(cf, key); err != nil {
			return err
		}
	}
	return t.ValidateSnapshot(cf, key)
}

// GetForUpdate locks key, validates it against the snapshot and reads it.
func (t *Transaction) GetForUpdate(ctx context.Context, cf uint32, key []byte) ([]byte, error) {
	if err := t.checkState(Started); err != nil {
		return nil, err
	}
	if err := t.lockAndValidate(ctx, cf, key); err != nil {
		return nil, err
	}
	return t.Get(cf, key)
}

// Get reads key, preferring the transaction's own buffered writes, then the
// database as of the snapshot or the last published sequence.
func (t *Transaction) Get(cf uint32, key []byte) ([]byte, error) {
	if value, found, err := t.getOwn(cf, key); found || err != nil {
		return value, err
	}

	snap := t.be.Engine.LastPublishedSequence()
	if t.snapshot != nil {
		snap = t.snapshot.Sequence()
	}
	return t.be.Engine.Get(cf, key, snap, func(seq uint64) bool {
		return t.be.Commits.IsInSnapshot(seq, snap)
	})
}

// getOwn resolves key from the pending batch. found is false when the batch
// never touched the key.
func (t *Transaction) getOwn(cf uint32, key []byte) (value []byte, found bool, err error) {
	if !t.keys.Contains(cf, key) {
		return nil, false, nil
	}
	cmp, _ := t.be.Engine.ComparatorFor(cf)

	var last batch.Kind
	err = t.writes.Iterate(func(r batch.Record) error {
		if !r.Kind.IsData() || r.CF != cf || cmp.Compare(r.Key, key) != 0 {
			return nil
		}
		last = r.Kind
		if r.Kind == batch.KindPut {
			value = append([]byte(nil), r.Value...)
		}
		return nil
	})
	if err != nil {
		invariant("pending batch unreadable: %v", err)
	}

	switch last {
	case batch.KindPut:
		return value, true, nil
	case batch.KindMerge:
		return nil, true, ErrMergeInProgress
	}
	return nil, true, engine.ErrNotFound
}

// RebuildFromWriteBatch replaces the pending writes with the data records of
// b and recomputes the prepare sub-batch count.
func (t *Transaction) RebuildFromWriteBatch(b *batch.WriteBatch) error {
	if err := t.checkState(Started); err != nil {
		return err
	}
	t.writes.Clear()
	t.keys.Reset()
	t.hasDuplicates = false

	err := b.Iterate(func(r batch.Record) error {
		if !r.Kind.IsData() {
			return nil
		}
		fresh, err := t.keys.Insert(r.CF, r.Key)
		if err != nil {
			return err
		}
		if !fresh {
			t.hasDuplicates = true
		}
		switch r.Kind {
		case batch.KindPut:
			t.writes.Put(r.CF, r.Key, r.Value)
		case batch.KindDelete:
			t.writes.Delete(r.CF, r.Key)
		case batch.KindSingleDelete:
			t.writes.SingleDelete(r.CF, r.Key)
		case batch.KindMerge:
			t.writes.Merge(r.CF, r.Key, r.Value)
		}
		return nil
	})
	if err != nil {
		return errors.Wrap(err, "rebuild transaction")
	}

	t.prepareBatchCount, err = batch.CountSubBatches(t.writes, t.be.Engine)
	return err
}

// subBatches counts the sub-batches of a batch built by this package.
func (t *Transaction) subBatches(b *batch.WriteBatch) int {
	n, err := batch.CountSubBatches(b, t.be.Engine)
	if err != nil {
		invariant("counting sub-batches: %v", err)
	}
	if n < 1 {
		invariant("sub-batch count %d", n)
	}
	return n
}

func (t *Transaction) releaseLocks() {
	if t.be.Locks == nil {
		return
	}
	t.locked.Each(func(cf uint32, key []byte) bool {
		t.be.Locks.Unlock(t.owner, cf, key)
		return true
	})
	t.locked.Reset()
}

// finish moves the transaction to a terminal state, releasing its locks
// and its name.
func (t *Transaction) finish(state State) {
	t.state = state
	t.releaseLocks()
	if t.be.Names != nil && t.name != "" {
		t.be.Names.Release(t.name)
	}
}

func (t *Transaction) record(op string, start time.Time, err error) {
	d := time.Since(start)
	t.be.Metrics.RecordTxnOperation(op, err, d)
	event := t.be.Log.Debug()
	if err != nil {
		event = t.be.Log.Error().Err(err)
	}
	event.
		Str("operation", op).
		Str("txn", t.name).
		Uint64("id", t.id).
		Dur("duration", d).
		Msg("transaction operation completed")
}

// NewLockOwner returns a lock owner id no other caller of this process
// gets, whatever the transaction names are.
func NewLockOwner(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, lockOwners.Inc())
}

// untracked is the validation floor of a key never validated.
const untracked = math.MaxUint64

var lockOwners atomic.Uint64
