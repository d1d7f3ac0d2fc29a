// ABOUTME: Durable ordered versioned table stored in the shared KV file
// ABOUTME: Key is (prefix, row, column, inverted version) so newest sorts first

package table

import (
	"github.com/pkg/errors"

	kvbtree "github.com/nainya/txstore/pkg/btree"
	"github.com/nainya/txstore/pkg/storage"
	"github.com/nainya/txstore/pkg/txn"
)

const (
	tagTombstone byte = 0
	tagLive      byte = 1
)

// KVTable stores cells in a storage.KV under a catalog-allocated prefix.
// Several tables share one file.
type KVTable struct {
	name   string
	db     *storage.KV
	prefix uint32
}

// NewKVTable opens name in db, allocating its prefix on first use
func NewKVTable(db *storage.KV, name string) (*KVTable, error) {
	prefix, err := db.TablePrefix(name)
	if err != nil {
		return nil, errors.Wrapf(err, "allocate prefix for table %s", name)
	}
	return &KVTable{name: name, db: db, prefix: prefix}, nil
}

func (t *KVTable) Name() string { return t.name }

func (t *KVTable) cellKey(row, column []byte, version uint64) []byte {
	return storage.EncodeKey(t.prefix, storage.Bytes(row), storage.Bytes(column), storage.Uint(^version))
}

// keyRange returns bounds covering every key that starts with vals
func (t *KVTable) keyRange(vals ...storage.Value) ([]byte, []byte) {
	return storage.EncodeKey(t.prefix, vals...), storage.PrefixEnd(t.prefix, vals...)
}

type kvEntry struct {
	row, column []byte
	version     uint64
	value       []byte
	tombstone   bool
}

func decodeEntry(key, val []byte) (kvEntry, error) {
	vals, err := storage.KeyValues(key)
	if err != nil || len(vals) != 3 || vals[2].Tag != storage.TagUint64 || len(val) == 0 {
		return kvEntry{}, errors.Errorf("table: malformed cell key %x", key)
	}
	return kvEntry{
		row:       vals[0].Bytes,
		column:    vals[1].Bytes,
		version:   ^vals[2].Uint,
		value:     val[1:],
		tombstone: val[0] == tagTombstone,
	}, nil
}

// scan decodes entries in [start, end), stopping when fn returns false
func (t *KVTable) scan(start, end []byte, fn func(kvEntry) bool) error {
	return t.db.Seek(start, end, func(c *kvbtree.Cursor) error {
		return walk(c, fn)
	})
}

func walk(c *kvbtree.Cursor, fn func(kvEntry) bool) error {
	for ; c.Valid(); c.Next() {
		e, err := decodeEntry(c.Key(), c.Val())
		if err != nil {
			return err
		}
		if !fn(e) {
			return nil
		}
	}
	return nil
}

func (e kvEntry) cell() Cell {
	return Cell{
		Row:     clone(e.row),
		Column:  clone(e.column),
		Version: e.version,
		Value:   append([]byte{}, e.value...),
	}
}

func (t *KVTable) Get(row, column []byte, rp txn.ReadPointer) ([]byte, bool, error) {
	// Versions sort newest first, so the seek skips everything above the
	// snapshot and the first visible entry decides the read
	_, end := t.keyRange(storage.Bytes(row), storage.Bytes(column))
	start := t.cellKey(row, column, rp.UpperBound())

	var (
		value []byte
		found bool
	)
	err := t.scan(start, end, func(e kvEntry) bool {
		if !rp.IsVisible(e.version) {
			return true
		}
		if !e.tombstone {
			value, found = append([]byte{}, e.value...), true
		}
		return false
	})
	return value, found, err
}

func (t *KVTable) GetRow(row, startCol, endCol []byte, rp txn.ReadPointer, limit int) ([]Cell, error) {
	start, end := t.keyRange(storage.Bytes(row))
	if startCol != nil {
		start = storage.EncodeKey(t.prefix, storage.Bytes(row), storage.Bytes(startCol))
	}
	if endCol != nil {
		end = storage.EncodeKey(t.prefix, storage.Bytes(row), storage.Bytes(endCol))
	}

	var cells []Cell
	r := resolver{rp: rp}
	err := t.scan(start, end, func(e kvEntry) bool {
		if r.visit(e.row, e.column, e.version, e.tombstone) {
			cells = append(cells, e.cell())
		}
		return limit <= 0 || len(cells) < limit
	})
	return cells, err
}

func (t *KVTable) ScanRows(startRow, endRow []byte, rp txn.ReadPointer, limit int) ([]Cell, error) {
	start, end := t.keyRange()
	if startRow != nil {
		start = storage.EncodeKey(t.prefix, storage.Bytes(startRow))
	}
	if endRow != nil {
		end = storage.EncodeKey(t.prefix, storage.Bytes(endRow))
	}

	var cells []Cell
	r := resolver{rp: rp}
	err := t.scan(start, end, func(e kvEntry) bool {
		if r.visit(e.row, e.column, e.version, e.tombstone) {
			cells = append(cells, e.cell())
		}
		return limit <= 0 || len(cells) < limit
	})
	return cells, err
}

func (t *KVTable) Put(row, column []byte, version uint64, value []byte) error {
	return t.write(row, column, version, append([]byte{tagLive}, value...))
}

func (t *KVTable) Delete(row, column []byte, version uint64) error {
	return t.write(row, column, version, []byte{tagTombstone})
}

func (t *KVTable) write(row, column []byte, version uint64, val []byte) error {
	if version == 0 {
		return ErrInvalidVersion
	}
	key := t.cellKey(row, column, version)
	if len(key) > kvbtree.MaxKeySize || len(val) > kvbtree.MaxValueSize {
		return errors.Wrapf(ErrCellTooLarge, "key %d bytes, value %d bytes", len(key), len(val))
	}
	return errors.Wrap(t.db.Set(key, val), "kv set")
}

func (t *KVTable) DeleteVersion(row, column []byte, version uint64) error {
	_, err := t.db.Del(t.cellKey(row, column, version))
	return errors.Wrap(err, "kv del")
}

func (t *KVTable) Increment(row, column []byte, version uint64, rp txn.ReadPointer, delta int64) (int64, []byte, error) {
	return increment(t, row, column, version, rp, delta)
}

func (t *KVTable) CompareAndSwap(row, column []byte, version uint64, rp txn.ReadPointer, expected, value []byte) (bool, error) {
	return compareAndSwap(t, row, column, version, rp, expected, value)
}

func (t *KVTable) Rows(rp txn.ReadPointer, offset, limit int) ([][]byte, error) {
	start, end := t.keyRange()

	p := pager{offset: offset, limit: limit}
	r := resolver{rp: rp}
	err := t.scan(start, end, func(e kvEntry) bool {
		if r.visit(e.row, e.column, e.version, e.tombstone) {
			return p.add(e.row)
		}
		return true
	})
	return p.out, err
}

// PurgeVersions deletes every entry whose version matches in one batch.
// The keys are collected and deleted under one write lock.
func (t *KVTable) PurgeVersions(match func(uint64) bool) (int, error) {
	start, end := t.keyRange()

	var purged int
	err := t.db.Update(func(tx *storage.KVTX) error {
		var doomed [][]byte
		err := walk(tx.Seek(start, end), func(e kvEntry) bool {
			if match(e.version) {
				doomed = append(doomed, t.cellKey(e.row, e.column, e.version))
			}
			return true
		})
		if err != nil {
			return err
		}
		// Deleting moves pages, so the cursor is done before the first Del
		for _, key := range doomed {
			if tx.Del(key) {
				purged++
			}
		}
		return nil
	})
	if err != nil {
		return 0, errors.Wrap(err, "purge versions")
	}
	return purged, nil
}
