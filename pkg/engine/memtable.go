package engine

import (
	"math"
	"sync"

	"github.com/google/btree"
	"github.com/nainya/wpstore/pkg/batch"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
)

const memtableDegree = 32

// ReadCallback decides whether the version written at seq is visible to the
// reader. A nil callback accepts every version at or below the read floor.
type ReadCallback func(seq uint64) bool

// memEntry is one version of a key. Entries sort by column family, then key
// by the family comparator, then newest sequence first.
type memEntry struct {
	cf    uint32
	key   []byte
	seq   uint64
	kind  batch.Kind
	value []byte
}

// memtable is the multi-version in-memory store. Prepared data lives here
// next to committed data; visibility is decided by the reader's callback.
type memtable struct {
	cfs  *columnFamilies
	mu   sync.RWMutex
	tree *btree.BTreeG[*memEntry]
	size atomic.Int64
}

func newMemtable(cfs *columnFamilies) *memtable {
	m := &memtable{cfs: cfs}
	m.tree = btree.NewG[*memEntry](memtableDegree, m.less)
	return m
}

func (m *memtable) less(a, b *memEntry) bool {
	if a.cf != b.cf {
		return a.cf < b.cf
	}
	if c := m.cfs.byID[a.cf].Comparator.Compare(a.key, b.key); c != 0 {
		return c < 0
	}
	return a.seq > b.seq
}

// plan assigns every data record of b a sequence offset by sub-batch and
// returns the offsets with the number of sub-batches.
func (m *memtable) plan(b *batch.WriteBatch) ([]int, int, error) {
	counter := batch.NewSubBatchCounter(m.cfs)
	var offsets []int
	err := b.Iterate(func(r batch.Record) error {
		if !r.Kind.IsData() {
			return nil
		}
		idx, err := counter.Add(r.CF, r.Key)
		if err != nil {
			return errors.Wrapf(ErrUnknownColumnFamily, "column family %d", r.CF)
		}
		offsets = append(offsets, idx)
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	return offsets, counter.BatchCount(), nil
}

// apply inserts the data records of b at seq plus their planned offset.
func (m *memtable) apply(b *batch.WriteBatch, seq uint64, offsets []int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	i := 0
	return b.Iterate(func(r batch.Record) error {
		if !r.Kind.IsData() {
			return nil
		}
		e := &memEntry{
			cf:    r.CF,
			key:   append([]byte(nil), r.Key...),
			seq:   seq + uint64(offsets[i]),
			kind:  r.Kind,
			value: append([]byte(nil), r.Value...),
		}
		i++
		m.tree.ReplaceOrInsert(e)
		m.size.Add(int64(len(e.key) + len(e.value) + 24))
		return nil
	})
}

// get returns the newest version of key at or below floor that visible
// accepts, resolving merge operands against the first non-merge version.
func (m *memtable) get(cf *ColumnFamily, key []byte, floor uint64, visible ReadCallback) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var (
		operands [][]byte
		value    []byte
		found    bool
		deleted  bool
	)
	pivot := &memEntry{cf: cf.ID, key: key, seq: floor}
	m.tree.AscendGreaterOrEqual(pivot, func(e *memEntry) bool {
		if e.cf != cf.ID || cf.Comparator.Compare(e.key, key) != 0 {
			return false
		}
		if visible != nil && !visible(e.seq) {
			return true
		}
		switch e.kind {
		case batch.KindPut:
			value, found = e.value, true
			return false
		case batch.KindDelete, batch.KindSingleDelete:
			deleted = true
			return false
		case batch.KindMerge:
			operands = append(operands, e.value)
		}
		return true
	})

	if len(operands) > 0 {
		if cf.MergeOperator == nil {
			return nil, errors.Wrapf(ErrMergeOperatorMissing, "column family %s", cf.Name)
		}
		// Operands were collected newest first.
		for i, j := 0, len(operands)-1; i < j; i, j = i+1, j-1 {
			operands[i], operands[j] = operands[j], operands[i]
		}
		var base []byte
		if found {
			base = append([]byte{}, value...)
		}
		return cf.MergeOperator.FullMerge(key, base, operands)
	}
	if !found || deleted {
		return nil, ErrNotFound
	}
	return append([]byte(nil), value...), nil
}

// latest returns the sequence of the newest version of key, visible or not.
func (m *memtable) latest(cf *ColumnFamily, key []byte) (uint64, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var seq uint64
	found := false
	pivot := &memEntry{cf: cf.ID, key: key, seq: math.MaxUint64}
	m.tree.AscendGreaterOrEqual(pivot, func(e *memEntry) bool {
		if e.cf == cf.ID && cf.Comparator.Compare(e.key, key) == 0 {
			seq, found = e.seq, true
		}
		return false
	})
	return seq, found
}

func (m *memtable) approximateSize() int64 {
	return m.size.Load()
}

func (m *memtable) entries() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tree.Len()
}
