package wal

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/pkg/errors"
)

const (
	// MaxLogFileSize is the default maximum size of a single WAL file (100MB)
	MaxLogFileSize = 100 << 20
)

// WAL is an append-only, segmented log of batches keyed by sequence number.
// Segments are never deleted: replay needs the whole history because the
// memtable is the only materialized state.
type WAL struct {
	// Path is the base path for WAL files (e.g., "/data/wpstore.wal")
	Path string

	// MaxFileSize overrides MaxLogFileSize when positive
	MaxFileSize int64

	fd *os.File

	mu sync.Mutex

	// lastSeq is the highest sequence number covered by a written entry
	lastSeq uint64

	fileSize  int64
	fileIndex int
	closed    bool
}

// Open opens or creates the WAL
func (w *WAL) Open() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(w.Path), 0755); err != nil {
		return errors.Wrap(err, "create wal directory")
	}

	files, err := LogFiles(w.Path)
	if err != nil {
		return err
	}

	if len(files) > 0 {
		lastSeq, validSize, err := scanLastSequence(files)
		if err != nil {
			return err
		}
		w.lastSeq = lastSeq

		// Drop a torn tail so new entries follow the last complete one.
		latestFile := files[len(files)-1]
		if err := os.Truncate(latestFile, validSize); err != nil {
			return errors.Wrapf(err, "truncate %s", latestFile)
		}
		fd, err := os.OpenFile(latestFile, os.O_RDWR|os.O_APPEND, 0644)
		if err != nil {
			return errors.Wrapf(err, "open %s", latestFile)
		}
		w.fd = fd
		w.fileSize = validSize
		w.fileIndex = fileIndex(w.Path, latestFile)
	} else {
		fd, err := os.OpenFile(w.logFilePath(0), os.O_RDWR|os.O_CREATE|os.O_APPEND, 0644)
		if err != nil {
			return errors.Wrap(err, "create wal file")
		}
		w.fd = fd
		w.fileSize = 0
		w.fileIndex = 0
		w.lastSeq = 0
	}

	w.closed = false
	return nil
}

// LastSequence returns the highest sequence number written to the log
func (w *WAL) LastSequence() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastSeq
}

// Write appends an entry. Entries that consume sequence numbers must start
// after the last written sequence.
func (w *WAL) Write(entry Entry) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrLogClosed
	}
	if entry.Count > 0 && entry.LSN <= w.lastSeq {
		return errors.Wrapf(ErrInvalidLSN, "entry at %d after %d", entry.LSN, w.lastSeq)
	}

	data := entry.Encode()

	if w.fileSize > 0 && w.fileSize+int64(len(data)) > w.maxFileSize() {
		if err := w.rotateNoLock(); err != nil {
			return err
		}
	}

	n, err := w.fd.Write(data)
	w.fileSize += int64(n)
	if err != nil {
		return errors.Wrap(err, "append wal entry")
	}

	if entry.Count > 0 {
		w.lastSeq = entry.LastSequence()
	}
	return nil
}

// Fsync ensures all written data is persisted to disk
func (w *WAL) Fsync() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrLogClosed
	}

	return w.fd.Sync()
}

// Close closes the WAL
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed || w.fd == nil {
		return nil
	}

	syncErr := w.fd.Sync()
	err := w.fd.Close()
	w.closed = true
	if syncErr != nil {
		return syncErr
	}
	return err
}

// Files returns the segment files of this log in order
func (w *WAL) Files() ([]string, error) {
	return LogFiles(w.Path)
}

func (w *WAL) maxFileSize() int64 {
	if w.MaxFileSize > 0 {
		return w.MaxFileSize
	}
	return MaxLogFileSize
}

// rotateNoLock rotates to a new log file (caller must hold mu)
func (w *WAL) rotateNoLock() error {
	if err := w.fd.Sync(); err != nil {
		return err
	}
	if err := w.fd.Close(); err != nil {
		return err
	}

	w.fileIndex++
	fd, err := os.OpenFile(w.logFilePath(w.fileIndex), os.O_RDWR|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return errors.Wrap(err, "rotate wal")
	}

	w.fd = fd
	w.fileSize = 0
	return nil
}

// logFilePath returns the path for a log file with the given index
func (w *WAL) logFilePath(index int) string {
	return segmentPath(w.Path, index)
}

func segmentPath(base string, index int) string {
	return filepath.Join(filepath.Dir(base), fmt.Sprintf("%s.%03d", filepath.Base(base), index))
}

// fileIndex parses the segment index out of a file name, -1 if it is not a segment
func fileIndex(base, file string) int {
	var index int
	var rest string
	n, _ := fmt.Sscanf(filepath.Base(file), filepath.Base(base)+".%d%s", &index, &rest)
	if n != 1 {
		return -1
	}
	return index
}

// LogFiles returns the segments of the log at base, sorted by index. A
// missing directory yields no files.
func LogFiles(base string) ([]string, error) {
	dir := filepath.Dir(base)

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "list %s", dir)
	}

	var files []string
	for _, entry := range entries {
		if !entry.IsDir() && fileIndex(base, entry.Name()) >= 0 {
			files = append(files, filepath.Join(dir, entry.Name()))
		}
	}

	sort.Slice(files, func(i, j int) bool {
		return fileIndex(base, files[i]) < fileIndex(base, files[j])
	})

	return files, nil
}

// scanLastSequence reads every segment and returns the highest covered
// sequence and the size of the complete entries in the last segment
func scanLastSequence(files []string) (uint64, int64, error) {
	reader := NewReader(files)
	if err := reader.Open(); err != nil {
		return 0, 0, err
	}
	defer reader.Close()

	var last uint64
	for {
		entry, err := reader.Next()
		if err == io.EOF {
			return last, reader.offset, nil
		}
		if err != nil {
			return 0, 0, err
		}
		if entry.Count > 0 && entry.LastSequence() > last {
			last = entry.LastSequence()
		}
	}
}
