// ABOUTME: Disk-based KV store with B+Tree persistence, substrate of durable tables
// ABOUTME: Implements copy-on-write with meta page and two-phase fsync updates

package storage

import (
	"encoding/binary"
	"fmt"
	"os"
	"path"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/nainya/txstore/pkg/btree"
)

const (
	signature = "TxStoreKV01\x00\x00\x00\x00\x00" // 16 bytes
	pageSize  = btree.PageSize

	// The meta page holds the signature, the root, the flushed page count
	// and the free list header
	metaSize = 80

	initialMmap = 64 << 20
)

var (
	// ErrBadSignature means the file is not a txstore KV file
	ErrBadSignature = errors.New("storage: invalid database signature")

	// ErrClosed is returned by writes after Close
	ErrClosed = errors.New("storage: closed")
)

// KV represents a persistent key-value store. Readers share mu; Set, Del
// and open transactions hold it exclusively.
type KV struct {
	Path string

	mu sync.RWMutex

	// File descriptor
	fd int

	// B+Tree
	tree btree.BTree

	// Free list for page recycling
	free FreeList

	// Memory-mapped file
	mmap struct {
		total  int      // Total mmap size
		chunks [][]byte // Multiple mmap regions
	}

	// Page management
	page struct {
		flushed uint64              // Number of pages flushed to disk
		temp    [][]byte            // Temporary pages pending flush
		updates map[uint64][]byte   // In-place updates
	}

	// failed is set when the last update could not be made durable; the
	// next update rewrites the previous meta page first
	failed bool
	closed bool
}

// Open opens or creates a database file
func (db *KV) Open() error {
	// Create or open file with directory fsync
	fd, err := createFileSync(db.Path)
	if err != nil {
		return err
	}
	db.fd = fd

	if err := db.load(); err != nil {
		for _, chunk := range db.mmap.chunks {
			_ = unix.Munmap(chunk)
		}
		db.mmap.chunks = nil
		_ = unix.Close(db.fd)
		return err
	}

	db.closed = false
	db.page.updates = make(map[uint64][]byte)

	// Setup free list callbacks
	db.free.get = func(ptr uint64) []byte {
		return db.pageRead(ptr)
	}
	db.free.new = func(node []byte) uint64 {
		return db.pageAppend(node)
	}
	db.free.set = func(ptr uint64, node []byte) {
		db.pageWrite(ptr, node)
	}

	// Everything freed by committed updates is reusable
	db.free.SetMaxSeq()

	// Setup B+Tree callbacks
	db.tree.SetCallbacks(
		func(ptr uint64) []byte {
			return db.pageRead(ptr)
		},
		func(node []byte) uint64 {
			return db.pageAlloc(node)
		},
		func(ptr uint64) {
			db.pageFree(ptr)
		},
	)

	return nil
}

// load maps an existing file and reads its meta page. An empty file only
// reserves page 0 for the meta page.
func (db *KV) load() error {
	var stat unix.Stat_t
	if err := unix.Fstat(db.fd, &stat); err != nil {
		return errors.Wrap(err, "fstat")
	}
	if stat.Size == 0 {
		db.page.flushed = 1
		return nil
	}
	if stat.Size < metaSize {
		return errors.Wrapf(ErrBadSignature, "file of %d bytes", stat.Size)
	}

	size := max(initialMmap, int(stat.Size))
	chunk, err := unix.Mmap(db.fd, 0, size, unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return errors.Wrap(err, "mmap")
	}
	db.mmap.total = size
	db.mmap.chunks = append(db.mmap.chunks, chunk)
	return db.readMeta()
}

// Close unmaps and closes the file. Closing twice is a no-op.
func (db *KV) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.closed {
		return nil
	}
	db.closed = true

	for _, chunk := range db.mmap.chunks {
		if err := unix.Munmap(chunk); err != nil {
			return errors.Wrap(err, "munmap")
		}
	}
	db.mmap.chunks = nil
	return unix.Close(db.fd)
}

// Pages reports the pages in the file and how many of them are free
func (db *KV) Pages() (total uint64, free int) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.page.flushed, db.free.Total()
}

// Get retrieves a copy of the value stored under key
func (db *KV) Get(key []byte) ([]byte, bool) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	val, ok := db.tree.Get(key)
	if !ok {
		return nil, false
	}
	return append([]byte{}, val...), true
}

// Set inserts or updates a pair and makes it durable
func (db *KV) Set(key []byte, val []byte) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.closed {
		return ErrClosed
	}
	meta := db.saveMeta()
	if err := db.tree.Insert(key, val); err != nil {
		return err
	}
	return db.updateOrRevert(meta)
}

// Del deletes a key and reports whether it existed
func (db *KV) Del(key []byte) (bool, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.closed {
		return false, ErrClosed
	}
	meta := db.saveMeta()

	deleted := db.tree.Delete(key)
	if !deleted {
		return false, nil
	}

	err := db.updateOrRevert(meta)
	return deleted, err
}

// ScanRange calls callback for keys in [start, end); a nil end is
// unbounded. The callback runs under the read lock: it must not write to
// db and must copy any key or value it keeps.
func (db *KV) ScanRange(start, end []byte, callback func(key, val []byte) bool) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	db.tree.Scan(start, end, callback)
}

// Seek hands fn a cursor over [start, end) under the read lock. The
// cursor and the slices it returns are only valid until fn returns.
func (db *KV) Seek(start, end []byte, fn func(c *btree.Cursor) error) error {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if db.closed {
		return ErrClosed
	}
	return fn(db.tree.Seek(start, end))
}

// pageRead reads a page by pointer
func (db *KV) pageRead(ptr uint64) []byte {
	// Check pending updates first
	if page, ok := db.page.updates[ptr]; ok {
		return page
	}

	// Check temp pages
	if ptr >= db.page.flushed {
		idx := ptr - db.page.flushed
		if idx < uint64(len(db.page.temp)) {
			return db.page.temp[idx]
		}
	}

	// Read from mmap
	start := uint64(0)
	for _, chunk := range db.mmap.chunks {
		end := start + uint64(len(chunk))/pageSize
		if ptr < end {
			offset := pageSize * (ptr - start)
			return chunk[offset : offset+pageSize]
		}
		start = end
	}
	panic(fmt.Sprintf("bad page pointer: %d (flushed: %d, temp: %d)", ptr, db.page.flushed, len(db.page.temp)))
}

// pageAlloc allocates a new page (tries free list first)
func (db *KV) pageAlloc(node []byte) uint64 {
	if len(node) != pageSize {
		panic("page size mismatch")
	}

	// Try to get a page from free list
	ptr := db.free.PopHead()
	if ptr != 0 {
		// Reuse freed page
		db.page.updates[ptr] = node
		return ptr
	}

	// Append new page
	return db.pageAppend(node)
}

// pageAppend allocates a new page at the end
func (db *KV) pageAppend(node []byte) uint64 {
	if len(node) != pageSize {
		panic("page size mismatch")
	}

	ptr := db.page.flushed + uint64(len(db.page.temp))
	db.page.temp = append(db.page.temp, node)
	return ptr
}

// pageWrite updates a page in-place
func (db *KV) pageWrite(ptr uint64, node []byte) {
	if len(node) != pageSize {
		panic("page size mismatch")
	}
	db.page.updates[ptr] = node
}

// pageFree adds a page to the free list
func (db *KV) pageFree(ptr uint64) {
	// Only free pages that were already flushed to disk
	// Temp pages can't be reused until they're committed
	if ptr < db.page.flushed {
		db.free.PushTail(ptr)
	}
}

// saveMeta saves current meta state to byte slice
func (db *KV) saveMeta() []byte {
	var data [metaSize]byte
	copy(data[:16], []byte(signature))
	binary.LittleEndian.PutUint64(data[16:], db.tree.Root())
	binary.LittleEndian.PutUint64(data[24:], db.page.flushed)

	// Save free list metadata
	freeData := db.free.Serialize()
	copy(data[32:], freeData)

	return data[:]
}

// loadMeta loads meta state from byte slice
func (db *KV) loadMeta(data []byte) {
	db.tree.SetRoot(binary.LittleEndian.Uint64(data[16:]))
	db.page.flushed = binary.LittleEndian.Uint64(data[24:])

	// Load free list metadata
	db.free.Deserialize(data[32:72])
}

// readMeta reads and validates meta page from disk
func (db *KV) readMeta() error {
	data := db.mmap.chunks[0][:metaSize]

	if sig := string(data[:16]); sig != signature {
		return errors.Wrapf(ErrBadSignature, "%q", sig)
	}

	db.loadMeta(data)
	return nil
}

// updateOrRevert performs two-phase update with error recovery
func (db *KV) updateOrRevert(meta []byte) error {
	// Recover from previous failure
	if db.failed {
		if err := db.writeMeta(meta); err != nil {
			return err
		}
		if err := unix.Fsync(db.fd); err != nil {
			return err
		}
		db.failed = false
	}

	// Save current tailSeq and freeze free list for this transaction
	savedMaxSeq := db.free.maxSeq
	db.free.SetMaxSeq()

	// Two-phase update
	err := db.updateFile()

	if err != nil {
		// Revert in-memory state
		db.loadMeta(meta)
		db.page.temp = db.page.temp[:0]
		db.page.updates = make(map[uint64][]byte)
		db.free.maxSeq = savedMaxSeq
		db.failed = true
	} else {
		// Success - all freed pages including newly freed ones are now available
		db.free.maxSeq = db.free.tailSeq
	}

	return err
}

// updateFile performs the two-phase fsync update
func (db *KV) updateFile() error {
	// Phase 1: Write new pages
	if err := db.writePages(); err != nil {
		return err
	}

	// Phase 2: fsync to ensure pages are durable
	if err := unix.Fsync(db.fd); err != nil {
		return err
	}

	// Phase 3: Update meta page atomically
	if err := db.writeMeta(db.saveMeta()); err != nil {
		return err
	}

	// Phase 4: fsync to make meta page durable
	return unix.Fsync(db.fd)
}

// writePages writes temporary pages to disk
func (db *KV) writePages() error {
	// Write in-place updates first
	for ptr, page := range db.page.updates {
		offset := int64(ptr * pageSize)
		if _, err := unix.Pwrite(db.fd, page, offset); err != nil {
			return err
		}
	}

	// Clear updates after writing
	db.page.updates = make(map[uint64][]byte)

	// Write new pages
	if len(db.page.temp) == 0 {
		return nil
	}

	// Extend mmap if needed
	size := int(db.page.flushed+uint64(len(db.page.temp))) * pageSize
	if err := db.extendMmap(size); err != nil {
		return err
	}

	// Write pages
	offset := int64(db.page.flushed * pageSize)
	for _, page := range db.page.temp {
		if _, err := unix.Pwrite(db.fd, page, offset); err != nil {
			return err
		}
		offset += pageSize
	}

	// Update state
	db.page.flushed += uint64(len(db.page.temp))
	db.page.temp = db.page.temp[:0]

	return nil
}

// writeMeta writes meta page at offset 0
func (db *KV) writeMeta(data []byte) error {
	_, err := unix.Pwrite(db.fd, data, 0)
	return errors.Wrap(err, "write meta page")
}

// extendMmap extends memory mapping if needed
func (db *KV) extendMmap(size int) error {
	if size <= db.mmap.total {
		return nil
	}

	// Each new mapping at least doubles the mapped size
	alloc := max(db.mmap.total, initialMmap)
	for db.mmap.total+alloc < size {
		alloc *= 2
	}

	// Create new mapping
	chunk, err := unix.Mmap(
		db.fd, int64(db.mmap.total), alloc,
		unix.PROT_READ, unix.MAP_SHARED,
	)
	if err != nil {
		return errors.Wrap(err, "extend mmap")
	}

	db.mmap.total += alloc
	db.mmap.chunks = append(db.mmap.chunks, chunk)

	return nil
}

// createFileSync opens or creates file, creating its directory, and
// fsyncs the directory so the file's entry survives a crash
func createFileSync(file string) (int, error) {
	dir := path.Dir(file)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return -1, errors.Wrap(err, "create directory")
	}

	fd, err := unix.Open(file, unix.O_RDWR|unix.O_CREAT|unix.O_CLOEXEC, 0o644)
	if err != nil {
		return -1, errors.Wrapf(err, "open %s", file)
	}

	dirfd, err := unix.Open(dir, unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		_ = unix.Close(fd)
		return -1, errors.Wrapf(err, "open directory %s", dir)
	}
	defer unix.Close(dirfd)

	if err = unix.Fsync(dirfd); err != nil {
		_ = unix.Close(fd)
		return -1, errors.Wrap(err, "fsync directory")
	}
	return fd, nil
}
