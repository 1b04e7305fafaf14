package wal

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"time"
)

// Kind is the type of a WAL entry
type Kind byte

const (
	// KindWrite carries a batch that was applied to the memtable
	KindWrite Kind = 1

	// KindLogOnly carries a batch that was logged but not applied (commit
	// and rollback markers written with the memtable disabled)
	KindLogOnly Kind = 2

	// KindPersistentState carries the latest recoverable state batch
	KindPersistentState Kind = 3

	// KindCheckpoint marks a flush of in-memory state
	KindCheckpoint Kind = 4
)

const (
	// EntryHeaderSize is the fixed size of the entry header
	// Layout: LSN(8) + Count(4) + Kind(1) + Reserved(3) + PayloadLen(4) + Timestamp(8)
	EntryHeaderSize = 28
)

// Entry is one framed record in the log. LSN is the first sequence number
// consumed by the payload and Count how many were consumed.
type Entry struct {
	LSN       uint64
	Count     uint32
	Kind      Kind
	Payload   []byte
	Timestamp time.Time
}

// LastSequence returns the highest sequence number the entry covers.
func (e *Entry) LastSequence() uint64 {
	if e.Count == 0 {
		return e.LSN
	}
	return e.LSN + uint64(e.Count) - 1
}

// Encode serializes the entry to bytes with CRC32 checksum
// Format: [Header(28)] [Payload] [CRC32(4)]
func (e *Entry) Encode() []byte {
	payloadLen := len(e.Payload)
	buf := make([]byte, EntryHeaderSize+payloadLen+4)

	binary.LittleEndian.PutUint64(buf[0:8], e.LSN)
	binary.LittleEndian.PutUint32(buf[8:12], e.Count)
	buf[12] = byte(e.Kind)
	binary.LittleEndian.PutUint32(buf[16:20], uint32(payloadLen))
	binary.LittleEndian.PutUint64(buf[20:28], uint64(e.Timestamp.UnixNano()))

	offset := EntryHeaderSize
	copy(buf[offset:], e.Payload)
	offset += payloadLen

	crc := crc32.ChecksumIEEE(buf[:offset])
	binary.LittleEndian.PutUint32(buf[offset:offset+4], crc)

	return buf
}

// payloadLen reads the payload length out of an encoded header
func payloadLen(header []byte) int {
	return int(binary.LittleEndian.Uint32(header[16:20]))
}

// DecodeEntry deserializes a WAL entry from bytes
func DecodeEntry(data []byte) (*Entry, error) {
	if len(data) < EntryHeaderSize+4 {
		return nil, ErrTruncated
	}
	expectedSize := EntryHeaderSize + payloadLen(data) + 4
	if len(data) < expectedSize {
		return nil, ErrTruncated
	}
	data = data[:expectedSize]

	storedCRC := binary.LittleEndian.Uint32(data[expectedSize-4:])
	if storedCRC != crc32.ChecksumIEEE(data[:expectedSize-4]) {
		return nil, ErrCorrupted
	}

	entry := &Entry{
		LSN:       binary.LittleEndian.Uint64(data[0:8]),
		Count:     binary.LittleEndian.Uint32(data[8:12]),
		Kind:      Kind(data[12]),
		Timestamp: time.Unix(0, int64(binary.LittleEndian.Uint64(data[20:28]))),
	}
	if entry.Kind < KindWrite || entry.Kind > KindCheckpoint {
		return nil, ErrInvalidEntry
	}

	if n := expectedSize - 4 - EntryHeaderSize; n > 0 {
		entry.Payload = make([]byte, n)
		copy(entry.Payload, data[EntryHeaderSize:EntryHeaderSize+n])
	}

	return entry, nil
}

// Size returns the encoded size of the entry
func (e *Entry) Size() int {
	return EntryHeaderSize + len(e.Payload) + 4
}

func (k Kind) String() string {
	switch k {
	case KindWrite:
		return "WRITE"
	case KindLogOnly:
		return "LOG_ONLY"
	case KindPersistentState:
		return "PERSISTENT_STATE"
	case KindCheckpoint:
		return "CHECKPOINT"
	}
	return "UNKNOWN"
}

// String returns a human-readable representation of the entry
func (e *Entry) String() string {
	return fmt.Sprintf("WAL[LSN=%d Count=%d Kind=%s PayloadLen=%d]",
		e.LSN, e.Count, e.Kind, len(e.Payload))
}
