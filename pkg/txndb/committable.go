package txndb

import (
	"sync"

	"github.com/google/btree"
	"github.com/nainya/wpstore/internal/metrics"
	"go.uber.org/atomic"
)

const (
	defaultCommitShards = 16
	preparedDegree      = 32
)

// CommitTable holds the prepared set and the commit map shared by every
// transaction of a DB. A sequence is visible under snapshot S only if it is
// mapped to a commit sequence at or below S.
type CommitTable struct {
	shards []*commitShard

	mu         sync.Mutex
	prepared   *btree.BTreeG[uint64]
	rolledBack map[uint64]uint64

	committed atomic.Int64
	metrics   *metrics.Metrics
}

type commitShard struct {
	mu      sync.RWMutex
	commits map[uint64]uint64
}

// NewCommitTable returns an empty table with the given number of commit map
// shards, 16 when shards is not positive.
func NewCommitTable(shards int, m *metrics.Metrics) *CommitTable {
	if shards <= 0 {
		shards = defaultCommitShards
	}
	c := &CommitTable{
		shards:     make([]*commitShard, shards),
		prepared:   btree.NewOrderedG[uint64](preparedDegree),
		rolledBack: make(map[uint64]uint64),
		metrics:    m,
	}
	for i := range c.shards {
		c.shards[i] = &commitShard{commits: make(map[uint64]uint64)}
	}
	return c
}

func (c *CommitTable) shard(seq uint64) *commitShard {
	return c.shards[seq%uint64(len(c.shards))]
}

func (c *CommitTable) AddPrepared(seq uint64) {
	c.mu.Lock()
	c.prepared.ReplaceOrInsert(seq)
	n := c.prepared.Len()
	c.mu.Unlock()
	c.metrics.UpdateCommitTableStats(n, int(c.committed.Load()))
}

// AddCommitted maps prepareSeq to commitSeq. prepareSeq need not have been
// registered as prepared.
func (c *CommitTable) AddCommitted(prepareSeq, commitSeq uint64) {
	s := c.shard(prepareSeq)
	s.mu.Lock()
	if _, ok := s.commits[prepareSeq]; !ok {
		c.committed.Inc()
	}
	s.commits[prepareSeq] = commitSeq
	s.mu.Unlock()

	c.mu.Lock()
	c.prepared.Delete(prepareSeq)
	n := c.prepared.Len()
	c.mu.Unlock()
	c.metrics.UpdateCommitTableStats(n, int(c.committed.Load()))
}

// RollbackPrepared drops count prepared sequences starting at prepareSeq and
// remembers the write that rolled them back. They never become visible.
func (c *CommitTable) RollbackPrepared(prepareSeq uint64, count int, rollbackSeq uint64) {
	c.mu.Lock()
	for i := 0; i < count; i++ {
		seq := prepareSeq + uint64(i)
		c.prepared.Delete(seq)
		c.rolledBack[seq] = rollbackSeq
	}
	n := c.prepared.Len()
	c.mu.Unlock()
	c.metrics.UpdateCommitTableStats(n, int(c.committed.Load()))
}

func (c *CommitTable) IsInSnapshot(seq, snapshot uint64) bool {
	commit, ok := c.CommitSequence(seq)
	return ok && commit <= snapshot
}

// CommitSequence returns the commit sequence seq is mapped to.
func (c *CommitTable) CommitSequence(seq uint64) (uint64, bool) {
	s := c.shard(seq)
	s.mu.RLock()
	defer s.mu.RUnlock()
	commit, ok := s.commits[seq]
	return commit, ok
}

func (c *CommitTable) IsPrepared(seq uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.prepared.Has(seq)
}

// RolledBackBy returns the sequence of the write that rolled seq back.
func (c *CommitTable) RolledBackBy(seq uint64) (uint64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rb, ok := c.rolledBack[seq]
	return rb, ok
}

// MinPrepared returns the oldest unresolved prepared sequence.
func (c *CommitTable) MinPrepared() (uint64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.prepared.Min()
}

func (c *CommitTable) PreparedCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.prepared.Len()
}

func (c *CommitTable) CommittedCount() int {
	return int(c.committed.Load())
}
