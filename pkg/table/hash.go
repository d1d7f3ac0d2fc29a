// ABOUTME: Unordered in-memory versioned table
// ABOUTME: Rows are sharded by xxhash; each cell keeps a newest-first version chain

package table

import (
	"bytes"
	"sort"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/nainya/txstore/pkg/txn"
)

const hashShards = 32

type version struct {
	id        uint64
	value     []byte
	tombstone bool
}

// chain is ordered by descending version id
type chain []version

func (c chain) find(id uint64) (int, bool) {
	i := sort.Search(len(c), func(i int) bool { return c[i].id <= id })
	return i, i < len(c) && c[i].id == id
}

// put inserts v, replacing a version with the same id
func (c chain) put(v version) chain {
	i, ok := c.find(v.id)
	if ok {
		c[i] = v
		return c
	}
	c = append(c, version{})
	copy(c[i+1:], c[i:])
	c[i] = v
	return c
}

func (c chain) remove(id uint64) (chain, bool) {
	i, ok := c.find(id)
	if !ok {
		return c, false
	}
	return append(c[:i], c[i+1:]...), true
}

// visible returns the newest version visible to rp
func (c chain) visible(rp txn.ReadPointer) (version, bool) {
	// Versions above the pointer's upper bound can never be visible
	i := sort.Search(len(c), func(i int) bool { return c[i].id <= rp.UpperBound() })
	for ; i < len(c); i++ {
		if rp.IsVisible(c[i].id) {
			return c[i], true
		}
	}
	return version{}, false
}

type hashRow map[string]chain

type hashShard struct {
	mu   sync.RWMutex
	rows map[string]hashRow
}

// HashTable is an unordered memory table. Rows live in one of a fixed set
// of shards so writers on different rows rarely share a lock.
type HashTable struct {
	name   string
	shards [hashShards]*hashShard
}

// NewHashTable creates an empty table
func NewHashTable(name string) *HashTable {
	t := &HashTable{name: name}
	for i := range t.shards {
		t.shards[i] = &hashShard{rows: make(map[string]hashRow)}
	}
	return t
}

func (t *HashTable) Name() string { return t.name }

func (t *HashTable) shard(row []byte) *hashShard {
	return t.shards[xxhash.Sum64(row)%hashShards]
}

func (t *HashTable) Get(row, column []byte, rp txn.ReadPointer) ([]byte, bool, error) {
	s := t.shard(row)
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.rows[string(row)][string(column)].visible(rp)
	if !ok || v.tombstone {
		return nil, false, nil
	}
	return clone(v.value), true, nil
}

func (t *HashTable) GetRow(row, start, end []byte, rp txn.ReadPointer, limit int) ([]Cell, error) {
	s := t.shard(row)
	s.mu.RLock()
	defer s.mu.RUnlock()

	return rowCells(row, s.rows[string(row)], start, end, rp, limit), nil
}

// rowCells resolves the visible cells of one row in column order
func rowCells(row []byte, r hashRow, start, end []byte, rp txn.ReadPointer, limit int) []Cell {
	columns := make([]string, 0, len(r))
	for col := range r {
		if inColumnRange([]byte(col), start, end) {
			columns = append(columns, col)
		}
	}
	sort.Strings(columns)

	var cells []Cell
	for _, col := range columns {
		v, ok := r[col].visible(rp)
		if !ok || v.tombstone {
			continue
		}
		cells = append(cells, Cell{
			Row:     clone(row),
			Column:  []byte(col),
			Version: v.id,
			Value:   clone(v.value),
		})
		if limit > 0 && len(cells) >= limit {
			break
		}
	}
	return cells
}

func (t *HashTable) Put(row, column []byte, version uint64, value []byte) error {
	return t.write(row, column, version, append([]byte{}, value...), false)
}

func (t *HashTable) Delete(row, column []byte, version uint64) error {
	return t.write(row, column, version, nil, true)
}

func (t *HashTable) write(row, column []byte, id uint64, value []byte, tombstone bool) error {
	if id == 0 {
		return ErrInvalidVersion
	}

	s := t.shard(row)
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rows[string(row)]
	if !ok {
		r = make(hashRow)
		s.rows[string(row)] = r
	}
	r[string(column)] = r[string(column)].put(version{id: id, value: value, tombstone: tombstone})
	return nil
}

func (t *HashTable) DeleteVersion(row, column []byte, id uint64) error {
	s := t.shard(row)
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rows[string(row)]
	if !ok {
		return nil
	}
	c, removed := r[string(column)].remove(id)
	if !removed {
		return nil
	}
	if len(c) == 0 {
		delete(r, string(column))
	} else {
		r[string(column)] = c
	}
	if len(r) == 0 {
		delete(s.rows, string(row))
	}
	return nil
}

func (t *HashTable) Increment(row, column []byte, version uint64, rp txn.ReadPointer, delta int64) (int64, []byte, error) {
	return increment(t, row, column, version, rp, delta)
}

func (t *HashTable) CompareAndSwap(row, column []byte, version uint64, rp txn.ReadPointer, expected, value []byte) (bool, error) {
	return compareAndSwap(t, row, column, version, rp, expected, value)
}

// Rows sorts the live row keys so offset paging is stable
func (t *HashTable) Rows(rp txn.ReadPointer, offset, limit int) ([][]byte, error) {
	var live [][]byte
	for _, s := range t.shards {
		s.mu.RLock()
		for row, r := range s.rows {
			if len(rowCells([]byte(row), r, nil, nil, rp, 1)) > 0 {
				live = append(live, []byte(row))
			}
		}
		s.mu.RUnlock()
	}
	sort.Slice(live, func(i, j int) bool { return bytes.Compare(live[i], live[j]) < 0 })

	p := pager{offset: offset, limit: limit}
	for _, row := range live {
		if !p.add(row) {
			break
		}
	}
	return p.out, nil
}

func (t *HashTable) PurgeVersions(match func(uint64) bool) (int, error) {
	purged := 0
	for _, s := range t.shards {
		s.mu.Lock()
		for row, r := range s.rows {
			for col, c := range r {
				kept := c[:0]
				for _, v := range c {
					if match(v.id) {
						purged++
						continue
					}
					kept = append(kept, v)
				}
				if len(kept) == 0 {
					delete(r, col)
				} else {
					r[col] = kept
				}
			}
			if len(r) == 0 {
				delete(s.rows, row)
			}
		}
		s.mu.Unlock()
	}
	return purged, nil
}
