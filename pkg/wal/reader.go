package wal

import (
	"io"
	"os"

	"github.com/pkg/errors"
)

// Reader reads WAL entries from log files in order.
//
// A partially written entry at the end of the last file is the normal result
// of a crash during append and ends the log. A partial entry in any earlier
// file, or a checksum mismatch anywhere, is reported as corruption.
type Reader struct {
	files   []string
	current int
	fd      *os.File
	offset  int64
}

// NewReader creates a WAL reader for the given log files
func NewReader(files []string) *Reader {
	return &Reader{files: files}
}

// Open opens the reader
func (r *Reader) Open() error {
	if len(r.files) == 0 {
		return ErrLogNotFound
	}

	fd, err := os.Open(r.files[0])
	if err != nil {
		return err
	}

	r.fd = fd
	r.offset = 0
	return nil
}

// Next reads the next entry, returning io.EOF after the last one
func (r *Reader) Next() (*Entry, error) {
	for {
		entry, err := r.readEntryFromCurrent()
		if err == nil {
			return entry, nil
		}

		if err == io.EOF {
			if err := r.nextFile(); err != nil {
				return nil, err
			}
			continue
		}

		if err == ErrTruncated && r.current == len(r.files)-1 {
			return nil, io.EOF
		}

		return nil, errors.Wrapf(err, "%s at offset %d", r.files[r.current], r.offset)
	}
}

// readEntryFromCurrent reads an entry from the current file. A clean end of
// file is io.EOF, a short read is ErrTruncated.
func (r *Reader) readEntryFromCurrent() (*Entry, error) {
	if r.fd == nil {
		return nil, io.EOF
	}

	header := make([]byte, EntryHeaderSize)
	if _, err := io.ReadFull(r.fd, header); err != nil {
		if err == io.ErrUnexpectedEOF {
			return nil, ErrTruncated
		}
		return nil, err
	}

	data := make([]byte, EntryHeaderSize+payloadLen(header)+4)
	copy(data, header)
	if _, err := io.ReadFull(r.fd, data[EntryHeaderSize:]); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, ErrTruncated
		}
		return nil, err
	}

	entry, err := DecodeEntry(data)
	if err != nil {
		return nil, err
	}
	r.offset += int64(len(data))
	return entry, nil
}

// nextFile moves to the next log file
func (r *Reader) nextFile() error {
	if r.fd != nil {
		r.fd.Close()
		r.fd = nil
	}

	if r.current+1 >= len(r.files) {
		return io.EOF
	}
	r.current++

	fd, err := os.Open(r.files[r.current])
	if err != nil {
		return err
	}

	r.fd = fd
	r.offset = 0
	return nil
}

// Close closes the reader
func (r *Reader) Close() error {
	if r.fd != nil {
		err := r.fd.Close()
		r.fd = nil
		return err
	}
	return nil
}

// ReadAll reads all entries from all files
func ReadAll(files []string) ([]*Entry, error) {
	reader := NewReader(files)
	if err := reader.Open(); err != nil {
		return nil, err
	}
	defer reader.Close()

	var entries []*Entry
	for {
		entry, err := reader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}

	return entries, nil
}
