package engine

import "github.com/pkg/errors"

var (
	// ErrNotFound is returned by Get when no visible version of the key exists
	ErrNotFound = errors.New("engine: key not found")

	// ErrClosed is returned for operations on a closed engine
	ErrClosed = errors.New("engine: closed")

	// ErrBatchCountMismatch is returned when a write declares fewer sequence
	// numbers than its duplicate keys require
	ErrBatchCountMismatch = errors.New("engine: batch count does not cover sub-batches")

	// ErrUnknownColumnFamily is returned for a column family that was never registered
	ErrUnknownColumnFamily = errors.New("engine: unknown column family")

	// ErrMergeOperatorMissing is returned when a merge operand is read from a
	// column family with no merge operator
	ErrMergeOperatorMissing = errors.New("engine: merge operator not configured")
)
