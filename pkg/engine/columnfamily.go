package engine

import (
	"github.com/nainya/wpstore/pkg/batch"
	"github.com/pkg/errors"
)

// DefaultColumnFamilyName is the column family every engine has, with id 0.
const DefaultColumnFamilyName = "default"

// ColumnFamilyOptions configures one column family.
type ColumnFamilyOptions struct {
	Name          string
	Comparator    batch.Comparator
	MergeOperator MergeOperator
}

// ColumnFamily is a registered family. IDs are dense and stable for the
// lifetime of the engine: default is 0, configured families follow in order.
type ColumnFamily struct {
	ID            uint32
	Name          string
	Comparator    batch.Comparator
	MergeOperator MergeOperator
}

type columnFamilies struct {
	byID   []*ColumnFamily
	byName map[string]*ColumnFamily
}

func newColumnFamilies(opts []ColumnFamilyOptions) (*columnFamilies, error) {
	cfs := &columnFamilies{byName: make(map[string]*ColumnFamily)}
	def := ColumnFamilyOptions{Name: DefaultColumnFamilyName, Comparator: batch.BytewiseComparator}
	rest := make([]ColumnFamilyOptions, 0, len(opts))
	for _, o := range opts {
		if o.Name == DefaultColumnFamilyName {
			def = o
			continue
		}
		rest = append(rest, o)
	}

	for _, o := range append([]ColumnFamilyOptions{def}, rest...) {
		if o.Name == "" {
			return nil, errors.New("engine: column family without a name")
		}
		if _, dup := cfs.byName[o.Name]; dup {
			return nil, errors.Errorf("engine: column family %q registered twice", o.Name)
		}
		cmp := o.Comparator
		if cmp == nil {
			cmp = batch.BytewiseComparator
		}
		cf := &ColumnFamily{
			ID:            uint32(len(cfs.byID)),
			Name:          o.Name,
			Comparator:    cmp,
			MergeOperator: o.MergeOperator,
		}
		cfs.byID = append(cfs.byID, cf)
		cfs.byName[cf.Name] = cf
	}
	return cfs, nil
}

func (c *columnFamilies) get(id uint32) (*ColumnFamily, error) {
	if int(id) >= len(c.byID) {
		return nil, errors.Wrapf(ErrUnknownColumnFamily, "id %d", id)
	}
	return c.byID[id], nil
}

func (c *columnFamilies) ComparatorFor(cf uint32) (batch.Comparator, bool) {
	if int(cf) >= len(c.byID) {
		return nil, false
	}
	return c.byID[cf].Comparator, true
}
