package txndb

import (
	"sort"

	"github.com/nainya/wpstore/pkg/batch"
	"github.com/nainya/wpstore/pkg/engine"
	"github.com/nainya/wpstore/pkg/wal"
	"github.com/pkg/errors"
)

// PendingPrepare is a prepare found in the WAL without a commit or rollback.
type PendingPrepare struct {
	Name  string
	Seq   uint64
	Count int
	Keys  int
	Batch *batch.WriteBatch
}

// RecoverySummary counts what a WAL replay found.
type RecoverySummary struct {
	Writes                  int
	Prepared                int
	Committed               int
	CommittedWithoutPrepare int
	RolledBack              int
	PlainWrites             int
	LogOnly                 int
	PersistentStates        int
	// Orphans are commit or rollback markers naming no known prepare.
	Orphans      int
	LastSequence uint64
	Pending      []PendingPrepare
}

// recoveryHandler rebuilds the commit table from replayed writes, matching
// commit and rollback markers to prepares by transaction name.
type recoveryHandler struct {
	commits *CommitTable
	pending map[string]*PendingPrepare
	summary RecoverySummary
}

func newRecoveryHandler(commits *CommitTable) *recoveryHandler {
	return &recoveryHandler{
		commits: commits,
		pending: make(map[string]*PendingPrepare),
	}
}

type markers struct {
	prepare, commit, rollback    string
	hasPrepare, hasCommit, hasRb bool
}

func scanMarkers(b *batch.WriteBatch) (markers, error) {
	var m markers
	err := b.Iterate(func(r batch.Record) error {
		switch r.Kind {
		case batch.KindEndPrepare:
			m.prepare, m.hasPrepare = string(r.Name), true
		case batch.KindCommit:
			m.commit, m.hasCommit = string(r.Name), true
		case batch.KindRollback:
			m.rollback, m.hasRb = string(r.Name), true
		}
		return nil
	})
	return m, err
}

func (h *recoveryHandler) handle(w engine.ReplayedWrite) error {
	m, err := scanMarkers(w.Batch)
	if err != nil {
		return errors.Wrapf(err, "decode write at %d", w.Seq)
	}

	width := w.Count
	if width < 1 {
		width = 1
	}
	last := w.Seq + uint64(width) - 1
	if last > h.summary.LastSequence {
		h.summary.LastSequence = last
	}
	h.summary.Writes++
	switch w.Kind {
	case wal.KindLogOnly:
		h.summary.LogOnly++
	case wal.KindPersistentState:
		h.summary.PersistentStates++
	}

	if m.hasPrepare {
		for i := 0; i < w.Count; i++ {
			h.commits.AddPrepared(w.Seq + uint64(i))
		}
		h.pending[m.prepare] = &PendingPrepare{
			Name:  m.prepare,
			Seq:   w.Seq,
			Count: w.Count,
			Keys:  w.Batch.Count(),
			Batch: w.Batch,
		}
		h.summary.Prepared++
		return nil
	}

	hasData := w.Kind == wal.KindWrite && w.Batch.Count() > 0

	if m.hasCommit {
		if p, ok := h.pending[m.commit]; ok {
			for i := 0; i < p.Count; i++ {
				h.commits.AddCommitted(p.Seq+uint64(i), last)
			}
			delete(h.pending, m.commit)
			h.summary.Committed++
		} else if hasData {
			h.summary.CommittedWithoutPrepare++
		} else {
			h.summary.Orphans++
		}
	}
	if m.hasRb {
		if p, ok := h.pending[m.rollback]; ok {
			h.commits.RollbackPrepared(p.Seq, p.Count, w.Seq)
			delete(h.pending, m.rollback)
			h.summary.RolledBack++
		} else {
			h.summary.Orphans++
		}
	}

	if hasData {
		for i := 0; i < width; i++ {
			h.commits.AddCommitted(w.Seq+uint64(i), last)
		}
		if !m.hasCommit && !m.hasRb {
			h.summary.PlainWrites++
		}
	}
	return nil
}

// finish returns the summary with the still pending prepares in sequence
// order.
func (h *recoveryHandler) finish() RecoverySummary {
	s := h.summary
	s.Pending = make([]PendingPrepare, 0, len(h.pending))
	for _, p := range h.pending {
		s.Pending = append(s.Pending, *p)
	}
	sort.Slice(s.Pending, func(i, j int) bool { return s.Pending[i].Seq < s.Pending[j].Seq })
	return s
}
