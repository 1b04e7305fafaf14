package batch

import "github.com/pkg/errors"

var (
	// ErrMalformedBatch is returned when encoded batch data cannot be decoded.
	ErrMalformedBatch = errors.New("malformed write batch")

	// ErrUnknownColumnFamily is returned when a record names a column family
	// with no registered comparator.
	ErrUnknownColumnFamily = errors.New("unknown column family")
)
