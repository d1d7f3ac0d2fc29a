package wal

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"time"
)

// OpType represents the type of a journaled oracle transition
type OpType byte

const (
	// OpBegin records an allocated transaction id
	OpBegin OpType = 1

	// OpCommit records a commit; Key holds the commit id, Value the row set
	OpCommit OpType = 2

	// OpAbort records a clean abort (all versions rolled back)
	OpAbort OpType = 3

	// OpInvalidate records an abort that may have left orphan versions
	OpInvalidate OpType = 4

	// OpReclaim records invalid ids whose orphans were purged; Value holds the ids
	OpReclaim OpType = 5

	// OpCheckpoint carries a full state snapshot in Value
	OpCheckpoint OpType = 6
)

const (
	// EntryHeaderSize is the fixed size of the entry header
	// Layout: LSN(8) + TxnID(8) + OpType(1) + Reserved(7) + KeyLen(4) + ValLen(4) + Timestamp(8)
	EntryHeaderSize = 40

	// MaxEntryPayload bounds KeyLen+ValLen so a corrupt header cannot
	// trigger a huge allocation
	MaxEntryPayload = 64 << 20
)

// Entry represents a single WAL entry
type Entry struct {
	LSN       uint64    // Log Sequence Number (monotonically increasing)
	TxnID     uint64    // Transaction ID, zero for checkpoints and reclaims
	OpType    OpType    // Operation type
	Key       []byte    // Op-specific key
	Value     []byte    // Op-specific payload
	Timestamp time.Time // Entry timestamp
}

// Encode serializes the entry to bytes with CRC32 checksum
// Format: [Header(40)] [Key] [Value] [CRC32(4)]
func (e *Entry) Encode() []byte {
	keyLen := len(e.Key)
	valLen := len(e.Value)
	buf := make([]byte, e.Size())

	binary.LittleEndian.PutUint64(buf[0:8], e.LSN)
	binary.LittleEndian.PutUint64(buf[8:16], e.TxnID)
	buf[16] = byte(e.OpType)
	// bytes 17-23 are reserved
	binary.LittleEndian.PutUint32(buf[24:28], uint32(keyLen))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(valLen))
	binary.LittleEndian.PutUint64(buf[32:40], uint64(e.Timestamp.UnixNano()))

	offset := EntryHeaderSize
	copy(buf[offset:], e.Key)
	offset += keyLen
	copy(buf[offset:], e.Value)
	offset += valLen

	// CRC covers header and payload
	crc := crc32.ChecksumIEEE(buf[:offset])
	binary.LittleEndian.PutUint32(buf[offset:offset+4], crc)

	return buf
}

// DecodeEntry deserializes a WAL entry from bytes
func DecodeEntry(data []byte) (*Entry, error) {
	if len(data) < EntryHeaderSize+4 {
		return nil, ErrTruncated
	}

	keyLen, valLen := payloadLengths(data[:EntryHeaderSize])
	expectedSize := EntryHeaderSize + keyLen + valLen + 4
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
		TxnID:     binary.LittleEndian.Uint64(data[8:16]),
		OpType:    OpType(data[16]),
		Timestamp: time.Unix(0, int64(binary.LittleEndian.Uint64(data[32:40]))),
	}
	if entry.OpType < OpBegin || entry.OpType > OpCheckpoint {
		return nil, ErrInvalidEntry
	}

	offset := EntryHeaderSize
	if keyLen > 0 {
		entry.Key = append([]byte(nil), data[offset:offset+keyLen]...)
		offset += keyLen
	}
	if valLen > 0 {
		entry.Value = append([]byte(nil), data[offset:offset+valLen]...)
	}

	return entry, nil
}

// payloadLengths reads KeyLen and ValLen from a header
func payloadLengths(header []byte) (int, int) {
	return int(binary.LittleEndian.Uint32(header[24:28])),
		int(binary.LittleEndian.Uint32(header[28:32]))
}

// Size returns the encoded size of the entry
func (e *Entry) Size() int {
	return EntryHeaderSize + len(e.Key) + len(e.Value) + 4
}

// String returns a human-readable representation of the entry
func (e *Entry) String() string {
	return fmt.Sprintf("WAL[LSN=%d TxnID=%d Op=%s KeyLen=%d ValLen=%d]",
		e.LSN, e.TxnID, e.OpType, len(e.Key), len(e.Value))
}

func (op OpType) String() string {
	switch op {
	case OpBegin:
		return "BEGIN"
	case OpCommit:
		return "COMMIT"
	case OpAbort:
		return "ABORT"
	case OpInvalidate:
		return "INVALIDATE"
	case OpReclaim:
		return "RECLAIM"
	case OpCheckpoint:
		return "CHECKPOINT"
	default:
		return "UNKNOWN"
	}
}
