package wal

import (
	"io"
	"os"
)

// Reader reads WAL entries from log files in order. A damaged entry ends
// the file it is in: only the tail of the newest file can be torn.
type Reader struct {
	files   []string // Log files to read
	current int      // Current file index
	fd      *os.File // Current file descriptor
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
	return nil
}

// Next reads the next entry, returning io.EOF after the last one
func (r *Reader) Next() (*Entry, error) {
	for {
		if r.fd == nil {
			return nil, io.EOF
		}

		entry, err := readEntry(r.fd)
		switch err {
		case nil:
			return entry, nil
		case io.EOF, io.ErrUnexpectedEOF, ErrCorrupted, ErrTruncated, ErrInvalidEntry:
			if err := r.nextFile(); err != nil {
				return nil, err
			}
		default:
			return nil, err
		}
	}
}

// nextFile moves to the next log file
func (r *Reader) nextFile() error {
	if r.fd != nil {
		r.fd.Close()
		r.fd = nil
	}

	r.current++
	if r.current >= len(r.files) {
		return io.EOF
	}

	fd, err := os.Open(r.files[r.current])
	if err != nil {
		return err
	}
	r.fd = fd
	return nil
}

// Close closes the reader
func (r *Reader) Close() error {
	if r.fd != nil {
		return r.fd.Close()
	}
	return nil
}

// ReadAll reads all entries from all files
func ReadAll(files []string) ([]*Entry, error) {
	if len(files) == 0 {
		return nil, nil
	}

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

// readEntry reads a single framed entry
func readEntry(r io.Reader) (*Entry, error) {
	header := make([]byte, EntryHeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}

	keyLen, valLen := payloadLengths(header)
	if keyLen+valLen > MaxEntryPayload {
		return nil, ErrCorrupted
	}

	data := make([]byte, EntryHeaderSize+keyLen+valLen+4)
	copy(data, header)
	if _, err := io.ReadFull(r, data[EntryHeaderSize:]); err != nil {
		return nil, err
	}

	return DecodeEntry(data)
}
