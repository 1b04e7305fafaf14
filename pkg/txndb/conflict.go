package txndb

import (
	"github.com/nainya/wpstore/pkg/engine"
	"github.com/nainya/wpstore/pkg/txn"
)

// versionIndex is the part of the engine conflict detection reads.
type versionIndex interface {
	LatestSequence(cf uint32, key []byte) (uint64, bool, error)
}

// conflictChecker reports a conflict when the newest version of a key is not
// visible to the snapshot, whether it is committed later, still prepared or
// written by a rollback.
type conflictChecker struct {
	versions versionIndex
}

func (c conflictChecker) CheckKeyForConflicts(cf uint32, key []byte, snapshot uint64, visible engine.ReadCallback) error {
	seq, ok, err := c.versions.LatestSequence(cf, key)
	if err != nil {
		return err
	}
	if !ok || (seq <= snapshot && visible(seq)) {
		return nil
	}
	return &txn.ConflictError{
		CF:       cf,
		Key:      append([]byte(nil), key...),
		Snapshot: snapshot,
		Seq:      seq,
	}
}
