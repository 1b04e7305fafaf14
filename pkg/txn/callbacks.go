package txn

// addPreparedCallback registers the sequences of a prepare write before the
// engine can publish anything after them.
type addPreparedCallback struct {
	commits CommitTable
	count   int
}

func (c *addPreparedCallback) Callback(seq uint64, memtableDisabled bool) error {
	if memtableDisabled {
		invariant("prepared data written with the memtable disabled at %d", seq)
	}
	for i := 0; i < c.count; i++ {
		c.commits.AddPrepared(seq + uint64(i))
	}
	return nil
}

// commitEntryCallback records every commit entry a write decides. Given the
// write's sequence S and last sequence L = S + max(dataCount,1) - 1, it maps
// the prepared sequences, an auxiliary batch written earlier and the write's
// own data to L, then resolves a rolled back prepare if there is one.
type commitEntryCallback struct {
	commits CommitTable

	prepareSeq   uint64 // zero when the write resolves no prepare
	prepareCount int

	auxSeq   uint64
	auxCount int

	dataCount int

	rollbackSeq   uint64 // prepare resolved as rolled back, zero for none
	rollbackCount int
}

func (c *commitEntryCallback) Callback(seq uint64, memtableDisabled bool) error {
	width := c.dataCount
	if width < 1 {
		width = 1
	}
	last := seq + uint64(width) - 1

	if c.prepareSeq != 0 {
		for i := 0; i < c.prepareCount; i++ {
			c.commits.AddCommitted(c.prepareSeq+uint64(i), last)
		}
	}
	for i := 0; i < c.auxCount; i++ {
		c.commits.AddCommitted(c.auxSeq+uint64(i), last)
	}
	for i := 0; i < c.dataCount; i++ {
		c.commits.AddCommitted(seq+uint64(i), last)
	}
	if c.rollbackSeq != 0 {
		c.commits.RollbackPrepared(c.rollbackSeq, c.rollbackCount, seq)
	}
	return nil
}
