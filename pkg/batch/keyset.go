package batch

import (
	"sort"

	"github.com/google/btree"
	"github.com/pkg/errors"
)

const keySetDegree = 16

// KeySet is a set of keys per column family, ordered and deduplicated with
// that family's comparator.
type KeySet struct {
	cmps ComparatorMap
	sets map[uint32]*btree.BTreeG[[]byte]
	size int
}

func NewKeySet(cmps ComparatorMap) *KeySet {
	return &KeySet{cmps: cmps, sets: make(map[uint32]*btree.BTreeG[[]byte])}
}

// Insert adds key to the set of cf. It returns false when a key comparing
// equal is already present.
func (s *KeySet) Insert(cf uint32, key []byte) (bool, error) {
	set, err := s.setFor(cf)
	if err != nil {
		return false, err
	}
	if set.Has(key) {
		return false, nil
	}
	owned := make([]byte, len(key))
	copy(owned, key)
	set.ReplaceOrInsert(owned)
	s.size++
	return true, nil
}

// Contains reports whether a key comparing equal to key is in the set of cf.
func (s *KeySet) Contains(cf uint32, key []byte) bool {
	set, ok := s.sets[cf]
	return ok && set.Has(key)
}

func (s *KeySet) Len() int {
	return s.size
}

func (s *KeySet) Reset() {
	s.sets = make(map[uint32]*btree.BTreeG[[]byte])
	s.size = 0
}

// Ascend visits the keys of cf in comparator order until fn returns false.
func (s *KeySet) Ascend(cf uint32, fn func(key []byte) bool) {
	if set, ok := s.sets[cf]; ok {
		set.Ascend(btree.ItemIteratorG[[]byte](fn))
	}
}

// Each visits every key, column families in ascending id order, until fn
// returns false.
func (s *KeySet) Each(fn func(cf uint32, key []byte) bool) {
	cfs := make([]uint32, 0, len(s.sets))
	for cf := range s.sets {
		cfs = append(cfs, cf)
	}
	sort.Slice(cfs, func(i, j int) bool { return cfs[i] < cfs[j] })

	for _, cf := range cfs {
		more := true
		s.sets[cf].Ascend(func(key []byte) bool {
			more = fn(cf, key)
			return more
		})
		if !more {
			return
		}
	}
}

func (s *KeySet) setFor(cf uint32) (*btree.BTreeG[[]byte], error) {
	if set, ok := s.sets[cf]; ok {
		return set, nil
	}
	cmp, ok := s.cmps.ComparatorFor(cf)
	if !ok {
		return nil, errors.Wrapf(ErrUnknownColumnFamily, "column family %d", cf)
	}
	set := btree.NewG[[]byte](keySetDegree, func(a, b []byte) bool {
		return cmp.Compare(a, b) < 0
	})
	s.sets[cf] = set
	return set, nil
}
