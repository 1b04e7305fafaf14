// ABOUTME: Encoded write batch shared by the WAL, the memtable and transactions
// ABOUTME: Records are a tagged variant walked with Iterate

// Package batch implements the mutation batch format written to the WAL and
// applied to the memtable, plus the ordered key sets and sub-batch counting
// used by the transaction layer.
package batch

import (
	"encoding/binary"
	"fmt"

	"github.com/pkg/errors"
)

// Kind identifies the variant of a Record.
type Kind byte

const (
	KindPut Kind = iota + 1
	KindDelete
	KindSingleDelete
	KindMerge
	KindBeginPrepare
	KindEndPrepare
	KindCommit
	KindRollback
	KindNoop
	KindLogData
)

var kindNames = map[Kind]string{
	KindPut:          "Put",
	KindDelete:       "Delete",
	KindSingleDelete: "SingleDelete",
	KindMerge:        "Merge",
	KindBeginPrepare: "BeginPrepare",
	KindEndPrepare:   "EndPrepare",
	KindCommit:       "Commit",
	KindRollback:     "Rollback",
	KindNoop:         "Noop",
	KindLogData:      "LogData",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", byte(k))
}

// IsData reports whether the kind is a keyed mutation.
func (k Kind) IsData() bool {
	return k >= KindPut && k <= KindMerge
}

// IsMarker reports whether the kind is a durability marker.
func (k Kind) IsMarker() bool {
	return k >= KindBeginPrepare && k <= KindNoop
}

// Record is one decoded entry of a batch. Which fields are set depends on Kind:
// data records carry CF and Key (and Value for Put/Merge), EndPrepare, Commit
// and Rollback carry Name, LogData carries its blob in Value.
type Record struct {
	Kind             Kind
	CF               uint32
	Key              []byte
	Value            []byte
	Name             []byte
	WriteAfterCommit bool
}

// headerSize holds the little-endian record count.
const headerSize = 4

// WriteBatch is an ordered list of mutations and markers kept in its encoded
// form. The zero value is not usable; call New.
type WriteBatch struct {
	rep []byte
}

// New returns an empty batch.
func New() *WriteBatch {
	return &WriteBatch{rep: make([]byte, headerSize, 64)}
}

// FromData wraps previously encoded batch data. The data is not validated
// until the batch is iterated.
func FromData(data []byte) (*WriteBatch, error) {
	if len(data) < headerSize {
		return nil, errors.Wrapf(ErrMalformedBatch, "batch of %d bytes has no header", len(data))
	}
	rep := make([]byte, len(data))
	copy(rep, data)
	return &WriteBatch{rep: rep}, nil
}

// Data returns the encoded batch. The slice is owned by the batch.
func (b *WriteBatch) Data() []byte {
	return b.rep
}

// Size returns the encoded size in bytes.
func (b *WriteBatch) Size() int {
	return len(b.rep)
}

// Count returns the number of keyed mutations in the batch.
func (b *WriteBatch) Count() int {
	return int(binary.LittleEndian.Uint32(b.rep[:headerSize]))
}

func (b *WriteBatch) setCount(n int) {
	binary.LittleEndian.PutUint32(b.rep[:headerSize], uint32(n))
}

// Clear drops every record.
func (b *WriteBatch) Clear() {
	b.rep = b.rep[:headerSize]
	b.setCount(0)
}

// Copy returns a deep copy of the batch.
func (b *WriteBatch) Copy() *WriteBatch {
	rep := make([]byte, len(b.rep))
	copy(rep, b.rep)
	return &WriteBatch{rep: rep}
}

func (b *WriteBatch) Put(cf uint32, key, value []byte) {
	b.appendKeyed(KindPut, cf, key, value, true)
}

func (b *WriteBatch) Delete(cf uint32, key []byte) {
	b.appendKeyed(KindDelete, cf, key, nil, false)
}

func (b *WriteBatch) SingleDelete(cf uint32, key []byte) {
	b.appendKeyed(KindSingleDelete, cf, key, nil, false)
}

func (b *WriteBatch) Merge(cf uint32, key, value []byte) {
	b.appendKeyed(KindMerge, cf, key, value, true)
}

// PutLogData appends a blob that is written to the WAL but never applied.
func (b *WriteBatch) PutLogData(blob []byte) {
	b.rep = append(b.rep, byte(KindLogData))
	b.rep = appendBytes(b.rep, blob)
}

func (b *WriteBatch) MarkBeginPrepare() {
	b.rep = append(b.rep, byte(KindBeginPrepare))
}

// MarkEndPrepare turns the batch into a prepare batch for the named
// transaction: it guarantees a leading BeginPrepare and a single trailing
// EndPrepare. Calling it again replaces the previous markers, so a failed
// prepare can be retried on the same batch.
func (b *WriteBatch) MarkEndPrepare(name []byte, writeAfterCommit bool) error {
	out := make([]byte, headerSize, len(b.rep)+len(name)+8)
	copy(out, b.rep[:headerSize])
	out = append(out, byte(KindBeginPrepare))
	err := b.walk(func(r Record, raw []byte) error {
		if r.Kind == KindBeginPrepare || r.Kind == KindEndPrepare {
			return nil
		}
		out = append(out, raw...)
		return nil
	})
	if err != nil {
		return err
	}
	out = append(out, byte(KindEndPrepare))
	if writeAfterCommit {
		out = append(out, 1)
	} else {
		out = append(out, 0)
	}
	out = appendBytes(out, name)
	b.rep = out
	return nil
}

func (b *WriteBatch) MarkCommit(name []byte) {
	b.rep = append(b.rep, byte(KindCommit))
	b.rep = appendBytes(b.rep, name)
}

func (b *WriteBatch) MarkRollback(name []byte) {
	b.rep = append(b.rep, byte(KindRollback))
	b.rep = appendBytes(b.rep, name)
}

// MarkNoop appends a batch separator that carries no data.
func (b *WriteBatch) MarkNoop() {
	b.rep = append(b.rep, byte(KindNoop))
}

// Append copies every record of other to the end of b.
func (b *WriteBatch) Append(other *WriteBatch) {
	b.rep = append(b.rep, other.rep[headerSize:]...)
	b.setCount(b.Count() + other.Count())
}

// Iterate decodes the records in order and hands each to fn. Slices in the
// record alias the batch and must be copied if retained. Iteration stops at
// the first error returned by fn.
func (b *WriteBatch) Iterate(fn func(Record) error) error {
	return b.walk(func(r Record, _ []byte) error { return fn(r) })
}

// Records decodes the whole batch.
func (b *WriteBatch) Records() ([]Record, error) {
	var out []Record
	err := b.Iterate(func(r Record) error {
		out = append(out, r)
		return nil
	})
	return out, err
}

// HasMarker reports whether a record of the given kind is present.
func (b *WriteBatch) HasMarker(kind Kind) (bool, error) {
	found := false
	err := b.Iterate(func(r Record) error {
		if r.Kind == kind {
			found = true
		}
		return nil
	})
	return found, err
}

func (b *WriteBatch) appendKeyed(kind Kind, cf uint32, key, value []byte, withValue bool) {
	b.rep = append(b.rep, byte(kind))
	b.rep = binary.AppendUvarint(b.rep, uint64(cf))
	b.rep = appendBytes(b.rep, key)
	if withValue {
		b.rep = appendBytes(b.rep, value)
	}
	b.setCount(b.Count() + 1)
}

func (b *WriteBatch) walk(fn func(r Record, raw []byte) error) error {
	data := b.rep[headerSize:]
	seen := 0
	for len(data) > 0 {
		start := data
		var r Record
		r.Kind = Kind(data[0])
		data = data[1:]
		var err error
		switch r.Kind {
		case KindPut, KindMerge:
			if r.CF, data, err = readCF(data); err != nil {
				return err
			}
			if r.Key, data, err = readBytes(data); err != nil {
				return err
			}
			if r.Value, data, err = readBytes(data); err != nil {
				return err
			}
			seen++
		case KindDelete, KindSingleDelete:
			if r.CF, data, err = readCF(data); err != nil {
				return err
			}
			if r.Key, data, err = readBytes(data); err != nil {
				return err
			}
			seen++
		case KindBeginPrepare, KindNoop:
		case KindEndPrepare:
			if len(data) == 0 {
				return errors.Wrap(ErrMalformedBatch, "end prepare without flag")
			}
			r.WriteAfterCommit = data[0] == 1
			if r.Name, data, err = readBytes(data[1:]); err != nil {
				return err
			}
		case KindCommit, KindRollback:
			if r.Name, data, err = readBytes(data); err != nil {
				return err
			}
		case KindLogData:
			if r.Value, data, err = readBytes(data); err != nil {
				return err
			}
		default:
			return errors.Wrapf(ErrMalformedBatch, "unknown record tag %d", byte(r.Kind))
		}
		if err := fn(r, start[:len(start)-len(data)]); err != nil {
			return err
		}
	}
	if seen != b.Count() {
		return errors.Wrapf(ErrMalformedBatch, "header count %d, found %d records", b.Count(), seen)
	}
	return nil
}

func appendBytes(dst, src []byte) []byte {
	dst = binary.AppendUvarint(dst, uint64(len(src)))
	return append(dst, src...)
}

func readCF(data []byte) (uint32, []byte, error) {
	cf, n := binary.Uvarint(data)
	if n <= 0 || cf > uint64(^uint32(0)) {
		return 0, nil, errors.Wrap(ErrMalformedBatch, "bad column family id")
	}
	return uint32(cf), data[n:], nil
}

func readBytes(data []byte) ([]byte, []byte, error) {
	l, n := binary.Uvarint(data)
	if n <= 0 {
		return nil, nil, errors.Wrap(ErrMalformedBatch, "bad length prefix")
	}
	data = data[n:]
	if uint64(len(data)) < l {
		return nil, nil, errors.Wrapf(ErrMalformedBatch, "need %d bytes, have %d", l, len(data))
	}
	return data[:l:l], data[l:], nil
}
