// ABOUTME: Atomic multi-key batches against the KV file
// ABOUTME: One copy-on-write update and one fsync pair per batch

package storage

import (
	"github.com/nainya/txstore/pkg/btree"
)

// KVTX represents a key-value transaction. It holds the store's write lock
// from Begin until Commit or Abort.
type KVTX struct {
	db   *KV
	meta  []byte // Saved meta for rollback
	done  bool
	dirty bool
}

// Begin starts a new transaction
func (db *KV) Begin() *KVTX {
	db.mu.Lock()
	return &KVTX{
		db:   db,
		meta: db.saveMeta(),
	}
}

// Commit writes the batch atomically. A batch that changed nothing
// skips the file entirely.
func (tx *KVTX) Commit() error {
	if tx.done {
		return nil
	}
	tx.done = true
	defer tx.db.mu.Unlock()
	if !tx.dirty {
		return nil
	}
	return tx.db.updateOrRevert(tx.meta)
}

// Abort rolls back the transaction
func (tx *KVTX) Abort() {
	if tx.done {
		return
	}
	tx.done = true
	defer tx.db.mu.Unlock()

	// Revert in-memory state
	tx.db.loadMeta(tx.meta)

	// Discard temporary pages
	tx.db.page.temp = tx.db.page.temp[:0]
	tx.db.page.updates = make(map[uint64][]byte)
}

// Get retrieves a value within the transaction. The slice is only valid
// until the transaction ends.
func (tx *KVTX) Get(key []byte) ([]byte, bool) {
	return tx.db.tree.Get(key)
}

// Set inserts or updates a key-value pair within the transaction
func (tx *KVTX) Set(key []byte, val []byte) error {
	if err := tx.db.tree.Insert(key, val); err != nil {
		return err
	}
	tx.dirty = true
	return nil
}

// Del deletes a key within the transaction
func (tx *KVTX) Del(key []byte) bool {
	deleted := tx.db.tree.Delete(key)
	tx.dirty = tx.dirty || deleted
	return deleted
}

// Seek returns a cursor over [start, end) that sees the transaction's
// own writes. Writing through tx invalidates the cursor.
func (tx *KVTX) Seek(start, end []byte) *btree.Cursor {
	return tx.db.tree.Seek(start, end)
}

// Update runs fn in a transaction, committing if it returns nil
func (db *KV) Update(fn func(tx *KVTX) error) error {
	tx := db.Begin()
	if err := fn(tx); err != nil {
		tx.Abort()
		return err
	}
	return tx.Commit()
}
