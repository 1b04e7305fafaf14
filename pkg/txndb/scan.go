package txndb

import (
	"io"
	"path/filepath"

	"github.com/nainya/wpstore/pkg/batch"
	"github.com/nainya/wpstore/pkg/engine"
	"github.com/nainya/wpstore/pkg/wal"
	"github.com/pkg/errors"
)

// ScanWAL reads the WAL in dir without opening the database and summarizes
// its two-phase commit state. Nothing in dir is modified.
func ScanWAL(dir string) (RecoverySummary, error) {
	files, err := wal.LogFiles(filepath.Join(dir, engine.WALFileName))
	if err != nil {
		return RecoverySummary{}, err
	}
	h := newRecoveryHandler(NewCommitTable(1, nil))
	if len(files) == 0 {
		return h.finish(), nil
	}

	r := wal.NewReader(files)
	if err := r.Open(); err != nil {
		return RecoverySummary{}, err
	}
	defer r.Close()

	for {
		entry, err := r.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return RecoverySummary{}, err
		}
		if entry.Kind == wal.KindCheckpoint {
			continue
		}
		b, err := batch.FromData(entry.Payload)
		if err != nil {
			return RecoverySummary{}, errors.Wrapf(err, "entry %s", entry)
		}
		err = h.handle(engine.ReplayedWrite{
			Seq:   entry.LSN,
			Count: int(entry.Count),
			Kind:  entry.Kind,
			Batch: b,
		})
		if err != nil {
			return RecoverySummary{}, err
		}
	}
	return h.finish(), nil
}
