package wal

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

const (
	// MaxLogFileSize is the maximum size of a single WAL file (100MB)
	MaxLogFileSize = 100 << 20
)

// WAL is an append-only journal split across numbered files.
// Files are only deleted once a later checkpoint makes them redundant.
type WAL struct {
	// Path is the base path for WAL files (e.g., "/data/oracle.wal")
	Path string

	// MaxFileSize overrides MaxLogFileSize when non-zero
	MaxFileSize int64

	// fd is the current log file descriptor
	fd *os.File

	// mu protects concurrent access to WAL
	mu sync.Mutex

	// lsn is the last assigned Log Sequence Number
	lsn uint64

	// fileSize is the current log file size
	fileSize int64

	// fileIndex is the current log file index (0, 1, 2, ...)
	fileIndex int

	// closed indicates whether the WAL is closed
	closed bool
}

// Open opens or creates the WAL. A torn entry at the tail of the latest
// file, left by a crash mid-write, is cut off.
func (w *WAL) Open() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	files, err := w.findLogFiles()
	if err != nil && !os.IsNotExist(err) {
		return err
	}

	if len(files) == 0 {
		logPath := w.logFilePath(0)
		if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
			return err
		}
		fd, err := os.OpenFile(logPath, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0644)
		if err != nil {
			return err
		}
		w.fd = fd
		w.fileSize = 0
		w.fileIndex = 0
		w.lsn = 0
		w.closed = false
		return nil
	}

	maxLSN, err := w.scanForHighestLSN(files)
	if err != nil {
		return err
	}

	latestFile := files[len(files)-1]
	validSize, err := validPrefix(latestFile)
	if err != nil {
		return err
	}
	if err := os.Truncate(latestFile, validSize); err != nil {
		return err
	}

	fd, err := os.OpenFile(latestFile, os.O_RDWR|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	w.fd = fd
	w.fileSize = validSize
	w.fileIndex = w.fileIndexOf(latestFile)
	w.lsn = maxLSN
	w.closed = false
	return nil
}

// LastLSN returns the most recently assigned LSN
func (w *WAL) LastLSN() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lsn
}

// Append assigns the next LSN to an entry and writes it. With sync the
// entry is fsynced before Append returns.
func (w *WAL) Append(op OpType, txnID uint64, key, value []byte, sync bool) (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return 0, ErrLogClosed
	}

	entry := Entry{
		LSN:       w.lsn + 1,
		TxnID:     txnID,
		OpType:    op,
		Key:       key,
		Value:     value,
		Timestamp: time.Now(),
	}
	if err := w.writeNoLock(entry); err != nil {
		return 0, err
	}
	w.lsn = entry.LSN

	if sync {
		if err := w.fd.Sync(); err != nil {
			return 0, err
		}
	}
	return entry.LSN, nil
}

// Checkpoint appends a checkpoint entry carrying payload, fsyncs it and
// removes every file that precedes the one holding the checkpoint
func (w *WAL) Checkpoint(payload []byte) (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return 0, ErrLogClosed
	}

	entry := Entry{
		LSN:       w.lsn + 1,
		OpType:    OpCheckpoint,
		Value:     payload,
		Timestamp: time.Now(),
	}
	if err := w.writeNoLock(entry); err != nil {
		return 0, err
	}
	w.lsn = entry.LSN

	if err := w.fd.Sync(); err != nil {
		return 0, err
	}
	return entry.LSN, w.removeBeforeNoLock(w.fileIndex)
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

	if w.closed {
		return nil
	}

	err := w.fd.Close()
	w.closed = true
	return err
}

// Files returns the current log files in order
func (w *WAL) Files() ([]string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.findLogFiles()
}

func (w *WAL) maxFileSize() int64 {
	if w.MaxFileSize > 0 {
		return w.MaxFileSize
	}
	return MaxLogFileSize
}

// writeNoLock writes an encoded entry, rotating first if needed (caller must hold mu)
func (w *WAL) writeNoLock(entry Entry) error {
	data := entry.Encode()

	if w.fileSize > 0 && w.fileSize+int64(len(data)) > w.maxFileSize() {
		if err := w.rotateNoLock(); err != nil {
			return err
		}
	}

	n, err := w.fd.Write(data)
	w.fileSize += int64(n)
	return err
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
		return err
	}

	w.fd = fd
	w.fileSize = 0
	return nil
}

// removeBeforeNoLock deletes log files with an index below index (caller must hold mu)
func (w *WAL) removeBeforeNoLock(index int) error {
	files, err := w.findLogFiles()
	if err != nil {
		return err
	}
	for _, f := range files {
		if w.fileIndexOf(f) < index {
			if err := os.Remove(f); err != nil && !os.IsNotExist(err) {
				return err
			}
		}
	}
	return nil
}

// baseName returns the base filename for WAL files (e.g., "oracle.wal" from "/data/oracle.wal")
func (w *WAL) baseName() string {
	return filepath.Base(w.Path)
}

// logFilePath returns the path for a log file with the given index
func (w *WAL) logFilePath(index int) string {
	dir := filepath.Dir(w.Path)
	name := fmt.Sprintf("%s.%03d", w.baseName(), index)
	return filepath.Join(dir, name)
}

func (w *WAL) fileIndexOf(file string) int {
	var index int
	fmt.Sscanf(filepath.Base(file), w.baseName()+".%d", &index)
	return index
}

// findLogFiles returns all WAL files sorted by index
func (w *WAL) findLogFiles() ([]string, error) {
	dir := filepath.Dir(w.Path)

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var files []string
	for _, entry := range entries {
		if !entry.IsDir() && w.isWALFile(entry.Name()) {
			files = append(files, filepath.Join(dir, entry.Name()))
		}
	}

	sort.Slice(files, func(i, j int) bool {
		return w.fileIndexOf(files[i]) < w.fileIndexOf(files[j])
	})

	return files, nil
}

// isWALFile returns true if the filename is a WAL file for this journal
func (w *WAL) isWALFile(name string) bool {
	var index int
	_, err := fmt.Sscanf(name, w.baseName()+".%d", &index)
	return err == nil && name == fmt.Sprintf("%s.%03d", w.baseName(), index)
}

// scanForHighestLSN scans all WAL files and returns the highest LSN
func (w *WAL) scanForHighestLSN(files []string) (uint64, error) {
	entries, err := ReadAll(files)
	if err != nil {
		return 0, err
	}

	var maxLSN uint64
	for _, entry := range entries {
		if entry.LSN > maxLSN {
			maxLSN = entry.LSN
		}
	}
	return maxLSN, nil
}

// validPrefix returns the length of the longest run of intact entries
func validPrefix(file string) (int64, error) {
	fd, err := os.Open(file)
	if err != nil {
		return 0, err
	}
	defer fd.Close()

	var offset int64
	for {
		entry, err := readEntry(fd)
		if err == io.EOF || err == io.ErrUnexpectedEOF || err == ErrCorrupted ||
			err == ErrTruncated || err == ErrInvalidEntry {
			return offset, nil
		}
		if err != nil {
			return 0, err
		}
		offset += int64(entry.Size())
	}
}
