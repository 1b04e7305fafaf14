package wal

import (
	"github.com/pkg/errors"
)

// ReplayFunc is called for each entry that needs to be replayed, in log order
type ReplayFunc func(entry *Entry) error

// Recovery manages crash recovery from WAL
type Recovery struct {
	wal *WAL
}

// NewRecovery creates a recovery manager
func NewRecovery(wal *WAL) *Recovery {
	return &Recovery{wal: wal}
}

// Recover replays every non-checkpoint entry of the log
func (r *Recovery) Recover(replay ReplayFunc) error {
	_, err := r.RecoverWithStats(replay)
	return err
}

// RecoveryStats summarizes a replay
type RecoveryStats struct {
	TotalEntries       int
	WriteEntries       int
	LogOnlyEntries     int
	StateEntries       int
	Checkpoints        int
	LastSequence       uint64
	LastCheckpointLSN  uint64
	ReplayedOperations int
}

// RecoverWithStats performs recovery and returns statistics
func (r *Recovery) RecoverWithStats(replay ReplayFunc) (*RecoveryStats, error) {
	stats := &RecoveryStats{}

	files, err := r.wal.Files()
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return stats, nil
	}

	entries, err := ReadAll(files)
	if err != nil {
		return nil, errors.Wrap(err, "read wal entries")
	}

	stats.TotalEntries = len(entries)
	for _, entry := range entries {
		switch entry.Kind {
		case KindCheckpoint:
			stats.Checkpoints++
			stats.LastCheckpointLSN = entry.LSN
			continue
		case KindWrite:
			stats.WriteEntries++
		case KindLogOnly:
			stats.LogOnlyEntries++
		case KindPersistentState:
			stats.StateEntries++
		}

		if entry.Count > 0 && entry.LastSequence() > stats.LastSequence {
			stats.LastSequence = entry.LastSequence()
		}

		if err := replay(entry); err != nil {
			return stats, errors.Wrapf(err, "replay failed at LSN %d", entry.LSN)
		}
		stats.ReplayedOperations++
	}

	return stats, nil
}
