package txn

import (
	"fmt"

	"github.com/pkg/errors"
)

// Protocol errors. The transaction is left unchanged when one is returned.
var (
	ErrTxnNotNamed           = errors.New("txn: transaction must be named before prepare")
	ErrTxnAlreadyPrepared    = errors.New("txn: transaction already prepared")
	ErrTxnAlreadyCommitted   = errors.New("txn: transaction already committed")
	ErrTxnAlreadyRolledBack  = errors.New("txn: transaction already rolled back")
	ErrInvalidRollbackMarker = errors.New("txn: rollback marker inside a batch being rolled back")
	ErrMergeInProgress       = errors.New("txn: key has unresolved merge operands in the transaction")

	ErrCommitTimeBatchWithoutPrepare = errors.New("txn: commit-time batch is only written by a prepared transaction")
)

// ConflictError reports a write to a key after the transaction's snapshot.
type ConflictError struct {
	CF       uint32
	Key      []byte
	Snapshot uint64
	Seq      uint64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("txn: write conflict on cf %d key %q: version %d not visible at snapshot %d",
		e.CF, e.Key, e.Seq, e.Snapshot)
}

// IsConflict reports whether err is or wraps a *ConflictError.
func IsConflict(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}

// InvariantError is raised with panic when internal bookkeeping is
// inconsistent. It is never returned as an error value.
type InvariantError struct {
	Msg string
}

func (e *InvariantError) Error() string {
	return "txn: invariant violated: " + e.Msg
}

func invariant(format string, args ...interface{}) {
	panic(&InvariantError{Msg: fmt.Sprintf(format, args...)})
}
