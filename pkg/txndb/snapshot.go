package txndb

import (
	"sync"

	"github.com/google/btree"
)

// Snapshot pins the sequence it was taken at.
type Snapshot struct {
	seq uint64
	id  uint64
}

func (s *Snapshot) Sequence() uint64 { return s.seq }

// snapshotList tracks live snapshots ordered by sequence.
type snapshotList struct {
	mu     sync.Mutex
	nextID uint64
	live   *btree.BTreeG[*Snapshot]
}

func newSnapshotList() *snapshotList {
	return &snapshotList{
		live: btree.NewG[*Snapshot](8, func(a, b *Snapshot) bool {
			if a.seq != b.seq {
				return a.seq < b.seq
			}
			return a.id < b.id
		}),
	}
}

func (l *snapshotList) acquire(seq uint64) *Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nextID++
	s := &Snapshot{seq: seq, id: l.nextID}
	l.live.ReplaceOrInsert(s)
	return s
}

func (l *snapshotList) release(s *Snapshot) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.live.Delete(s); !ok {
		return ErrSnapshotReleased
	}
	return nil
}

// oldest returns the lowest live snapshot sequence.
func (l *snapshotList) oldest() (uint64, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.live.Min()
	if !ok {
		return 0, false
	}
	return s.seq, true
}

func (l *snapshotList) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.live.Len()
}
