package txn

// ValidateSnapshot checks key for writes the snapshot at snap cannot see.
// trackedAt holds the lowest snapshot the key was already proven clean at; a
// call at or above it returns immediately, otherwise trackedAt is lowered to
// snap and the scan runs.
func ValidateSnapshot(checker ConflictChecker, commits CommitTable, cf uint32, key []byte, snap uint64, trackedAt *uint64) error {
	if *trackedAt <= snap {
		return nil
	}
	*trackedAt = snap
	return checker.CheckKeyForConflicts(cf, key, snap, func(seq uint64) bool {
		return commits.IsInSnapshot(seq, snap)
	})
}

// ValidateSnapshot validates key against the transaction's snapshot. Without
// a snapshot or a conflict checker every key is valid.
func (t *Transaction) ValidateSnapshot(cf uint32, key []byte) error {
	if t.snapshot == nil || t.be.Conflicts == nil {
		return nil
	}
	snap := t.snapshot.Sequence()
	tk := trackKey{cf: cf, key: string(key)}

	floor, ok := t.tracked[tk]
	if !ok {
		floor = untracked
	}
	if floor <= snap {
		t.be.Metrics.RecordSnapshotValidation("short_circuit")
		return nil
	}

	if err := ValidateSnapshot(t.be.Conflicts, t.be.Commits, cf, key, snap, &floor); err != nil {
		if IsConflict(err) {
			t.be.Metrics.RecordSnapshotValidation("conflict")
		}
		return err
	}
	t.tracked[tk] = floor
	t.be.Metrics.RecordSnapshotValidation("scanned")
	return nil
}
