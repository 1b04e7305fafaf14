package batch

import "bytes"

// Comparator defines the key order of a column family. Two keys are the same
// key when Compare returns 0, even if their bytes differ.
type Comparator interface {
	Name() string
	Compare(a, b []byte) int
}

// ComparatorMap resolves the comparator of a column family.
type ComparatorMap interface {
	ComparatorFor(cf uint32) (Comparator, bool)
}

// Comparators is a fixed ComparatorMap keyed by column family id.
type Comparators map[uint32]Comparator

func (m Comparators) ComparatorFor(cf uint32) (Comparator, bool) {
	c, ok := m[cf]
	return c, ok
}

type bytewise struct{}

func (bytewise) Name() string            { return "leveldb.BytewiseComparator" }
func (bytewise) Compare(a, b []byte) int { return bytes.Compare(a, b) }

type reverseBytewise struct{}

func (reverseBytewise) Name() string            { return "rocksdb.ReverseBytewiseComparator" }
func (reverseBytewise) Compare(a, b []byte) int { return bytes.Compare(b, a) }

var (
	BytewiseComparator        Comparator = bytewise{}
	ReverseBytewiseComparator Comparator = reverseBytewise{}
)

var builtinComparators = map[string]Comparator{
	"bytewise":                       BytewiseComparator,
	"reverse_bytewise":               ReverseBytewiseComparator,
	BytewiseComparator.Name():        BytewiseComparator,
	ReverseBytewiseComparator.Name(): ReverseBytewiseComparator,
}

// ComparatorByName looks up a built-in comparator by its short config name or
// its full name. An empty name selects the bytewise comparator.
func ComparatorByName(name string) (Comparator, bool) {
	if name == "" {
		return BytewiseComparator, true
	}
	c, ok := builtinComparators[name]
	return c, ok
}
