package batch

// SubBatchCounter splits a stream of keyed records into sub-batches. A new
// sub-batch starts whenever a key repeats (per its column family comparator)
// within the current one; the repeated key opens the new sub-batch. Markers
// never split.
type SubBatchCounter struct {
	keys    *KeySet
	current int
}

func NewSubBatchCounter(cmps ComparatorMap) *SubBatchCounter {
	return &SubBatchCounter{keys: NewKeySet(cmps)}
}

// Add records one keyed mutation and returns the zero-based index of the
// sub-batch it belongs to.
func (c *SubBatchCounter) Add(cf uint32, key []byte) (int, error) {
	fresh, err := c.keys.Insert(cf, key)
	if err != nil {
		return 0, err
	}
	if !fresh {
		c.current++
		c.keys.Reset()
		if _, err := c.keys.Insert(cf, key); err != nil {
			return 0, err
		}
	}
	return c.current, nil
}

// Visit is an Iterate callback that feeds data records to Add.
func (c *SubBatchCounter) Visit(r Record) error {
	if !r.Kind.IsData() {
		return nil
	}
	_, err := c.Add(r.CF, r.Key)
	return err
}

// BatchCount returns the number of sub-batches seen so far. It is at least 1.
func (c *SubBatchCounter) BatchCount() int {
	return c.current + 1
}

// CountSubBatches returns how many sub-batches b decomposes into, which is the
// number of sequence numbers the batch consumes when written.
func CountSubBatches(b *WriteBatch, cmps ComparatorMap) (int, error) {
	c := NewSubBatchCounter(cmps)
	if err := b.Iterate(c.Visit); err != nil {
		return 0, err
	}
	return c.BatchCount(), nil
}
