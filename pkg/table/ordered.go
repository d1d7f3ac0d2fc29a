// ABOUTME: Ordered in-memory versioned table on google/btree
// ABOUTME: Items sort by row, column, then descending version

package table

import (
	"bytes"
	"math"
	"sync"

	"github.com/google/btree"

	"github.com/nainya/txstore/pkg/txn"
)

const orderedDegree = 32

type orderedItem struct {
	row       []byte
	column    []byte
	version   uint64
	value     []byte
	tombstone bool
}

func orderedLess(a, b orderedItem) bool {
	if c := bytes.Compare(a.row, b.row); c != 0 {
		return c < 0
	}
	if c := bytes.Compare(a.column, b.column); c != 0 {
		return c < 0
	}
	return a.version > b.version
}

// MemoryOrderedTable keeps every version in one B-tree so row and column
// ranges are plain ascending scans
type MemoryOrderedTable struct {
	name string
	mu   sync.RWMutex
	tree *btree.BTreeG[orderedItem]
}

// NewMemoryOrderedTable creates an empty table
func NewMemoryOrderedTable(name string) *MemoryOrderedTable {
	return &MemoryOrderedTable{
		name: name,
		tree: btree.NewG[orderedItem](orderedDegree, orderedLess),
	}
}

func (t *MemoryOrderedTable) Name() string { return t.name }

func (t *MemoryOrderedTable) Get(row, column []byte, rp txn.ReadPointer) ([]byte, bool, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var (
		value []byte
		found bool
	)
	pivot := orderedItem{row: row, column: column, version: rp.UpperBound()}
	t.tree.AscendGreaterOrEqual(pivot, func(it orderedItem) bool {
		if !bytes.Equal(it.row, row) || !bytes.Equal(it.column, column) {
			return false
		}
		if !rp.IsVisible(it.version) {
			return true
		}
		if !it.tombstone {
			value, found = clone(it.value), true
		}
		return false
	})
	return value, found, nil
}

func (t *MemoryOrderedTable) GetRow(row, start, end []byte, rp txn.ReadPointer, limit int) ([]Cell, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	from := orderedItem{row: row, column: start, version: math.MaxUint64}
	var cells []Cell
	r := resolver{rp: rp}
	t.tree.AscendGreaterOrEqual(from, func(it orderedItem) bool {
		if !bytes.Equal(it.row, row) || (end != nil && bytes.Compare(it.column, end) >= 0) {
			return false
		}
		if r.visit(it.row, it.column, it.version, it.tombstone) {
			cells = append(cells, it.cell())
		}
		return limit <= 0 || len(cells) < limit
	})
	return cells, nil
}

func (t *MemoryOrderedTable) ScanRows(start, end []byte, rp txn.ReadPointer, limit int) ([]Cell, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var cells []Cell
	r := resolver{rp: rp}
	t.ascendRows(start, end, func(it orderedItem) bool {
		if r.visit(it.row, it.column, it.version, it.tombstone) {
			cells = append(cells, it.cell())
		}
		return limit <= 0 || len(cells) < limit
	})
	return cells, nil
}

// ascendRows visits items with rows in [start, end) (caller holds mu)
func (t *MemoryOrderedTable) ascendRows(start, end []byte, fn func(orderedItem) bool) {
	visit := func(it orderedItem) bool {
		if end != nil && bytes.Compare(it.row, end) >= 0 {
			return false
		}
		return fn(it)
	}
	if start == nil {
		t.tree.Ascend(visit)
		return
	}
	t.tree.AscendGreaterOrEqual(orderedItem{row: start, version: math.MaxUint64}, visit)
}

func (t *MemoryOrderedTable) Put(row, column []byte, version uint64, value []byte) error {
	return t.write(orderedItem{
		row:     clone(row),
		column:  clone(column),
		version: version,
		value:   append([]byte{}, value...),
	})
}

func (t *MemoryOrderedTable) Delete(row, column []byte, version uint64) error {
	return t.write(orderedItem{
		row:       clone(row),
		column:    clone(column),
		version:   version,
		tombstone: true,
	})
}

func (t *MemoryOrderedTable) write(it orderedItem) error {
	if it.version == 0 {
		return ErrInvalidVersion
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tree.ReplaceOrInsert(it)
	return nil
}

func (t *MemoryOrderedTable) DeleteVersion(row, column []byte, version uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tree.Delete(orderedItem{row: row, column: column, version: version})
	return nil
}

func (t *MemoryOrderedTable) Increment(row, column []byte, version uint64, rp txn.ReadPointer, delta int64) (int64, []byte, error) {
	return increment(t, row, column, version, rp, delta)
}

func (t *MemoryOrderedTable) CompareAndSwap(row, column []byte, version uint64, rp txn.ReadPointer, expected, value []byte) (bool, error) {
	return compareAndSwap(t, row, column, version, rp, expected, value)
}

func (t *MemoryOrderedTable) Rows(rp txn.ReadPointer, offset, limit int) ([][]byte, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	p := pager{offset: offset, limit: limit}
	r := resolver{rp: rp}
	t.tree.Ascend(func(it orderedItem) bool {
		if r.visit(it.row, it.column, it.version, it.tombstone) {
			return p.add(it.row)
		}
		return true
	})
	return p.out, nil
}

func (t *MemoryOrderedTable) PurgeVersions(match func(uint64) bool) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var doomed []orderedItem
	t.tree.Ascend(func(it orderedItem) bool {
		if match(it.version) {
			doomed = append(doomed, it)
		}
		return true
	})
	for _, it := range doomed {
		t.tree.Delete(it)
	}
	return len(doomed), nil
}

func (it orderedItem) cell() Cell {
	return Cell{
		Row:     clone(it.row),
		Column:  clone(it.column),
		Version: it.version,
		Value:   clone(it.value),
	}
}
