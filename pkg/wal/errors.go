// Package wal implements the write-ahead log that makes every batch durable
// before it becomes visible, and the replay used to rebuild state on open.
package wal

import "github.com/pkg/errors"

var (
	// ErrCorrupted indicates a corrupted WAL entry (CRC mismatch)
	ErrCorrupted = errors.New("wal: corrupted entry")

	// ErrInvalidEntry indicates an invalid WAL entry format
	ErrInvalidEntry = errors.New("wal: invalid entry")

	// ErrLogClosed indicates an operation on a closed WAL
	ErrLogClosed = errors.New("wal: log closed")

	// ErrLogNotFound indicates WAL files don't exist
	ErrLogNotFound = errors.New("wal: log not found")

	// ErrInvalidLSN indicates an entry whose sequence would move the log backwards
	ErrInvalidLSN = errors.New("wal: invalid LSN")

	// ErrTruncated indicates a truncated WAL entry
	ErrTruncated = errors.New("wal: truncated entry")
)
