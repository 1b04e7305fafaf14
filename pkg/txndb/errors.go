package txndb

import "github.com/pkg/errors"

var (
	ErrLockTimeout        = errors.New("txndb: timed out waiting for key lock")
	ErrNameInUse          = errors.New("txndb: transaction name already in use")
	ErrSnapshotReleased   = errors.New("txndb: snapshot already released")
	ErrUnknownTransaction = errors.New("txndb: no recovered transaction with that name")
)
