// ABOUTME: Versioned table contract shared by memory and durable engines
// ABOUTME: Reads resolve the newest version visible to a read pointer

package table

import (
	"bytes"
	"encoding/binary"

	"github.com/nainya/txstore/pkg/txn"
)

// Cell is one visible value
type Cell struct {
	Row     []byte
	Column  []byte
	Version uint64
	Value   []byte
}

// Table is a multi-version store of (row, column) cells. Each write adds a
// version stamped with the writer's transaction id; a transaction that
// writes the same cell twice replaces its own version.
type Table interface {
	Name() string

	// Get returns the newest visible live value of a cell
	Get(row, column []byte, rp txn.ReadPointer) ([]byte, bool, error)

	// GetRow returns visible cells of row with columns in [start, end),
	// ascending. Nil bounds are open; limit <= 0 means no limit.
	GetRow(row, start, end []byte, rp txn.ReadPointer, limit int) ([]Cell, error)

	Put(row, column []byte, version uint64, value []byte) error

	// Delete writes a tombstone version
	Delete(row, column []byte, version uint64) error

	// DeleteVersion physically removes exactly one version; absent is a no-op
	DeleteVersion(row, column []byte, version uint64) error

	// Increment adds delta to an 8-byte big-endian counter (absent reads as
	// zero) and returns the new value and the raw previous value
	Increment(row, column []byte, version uint64, rp txn.ReadPointer, delta int64) (int64, []byte, error)

	// CompareAndSwap writes value if the visible value equals expected. A
	// nil expected means the cell must be absent; a nil value deletes.
	CompareAndSwap(row, column []byte, version uint64, rp txn.ReadPointer, expected, value []byte) (bool, error)

	// Rows returns, in ascending order, row keys holding at least one
	// visible live cell
	Rows(rp txn.ReadPointer, offset, limit int) ([][]byte, error)

	// PurgeVersions physically removes every version whose id matches
	PurgeVersions(match func(version uint64) bool) (int, error)
}

// OrderedTable additionally scans rows in key order
type OrderedTable interface {
	Table

	// ScanRows returns visible cells of rows in [start, end), nil bounds open
	ScanRows(start, end []byte, rp txn.ReadPointer, limit int) ([]Cell, error)
}

// EncodeCounter encodes a counter value
func EncodeCounter(v int64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(v))
	return buf[:]
}

// DecodeCounter decodes a counter value; nil decodes as zero
func DecodeCounter(b []byte) (int64, error) {
	if b == nil {
		return 0, nil
	}
	if len(b) != 8 {
		return 0, ErrNotCounter
	}
	return int64(binary.BigEndian.Uint64(b)), nil
}

// increment implements Table.Increment on top of Get and Put. The read and
// the write need no lock: the cell's row is in the transaction's write set
// and a concurrent writer loses at commit.
func increment(t Table, row, column []byte, version uint64, rp txn.ReadPointer, delta int64) (int64, []byte, error) {
	prev, found, err := t.Get(row, column, rp)
	if err != nil {
		return 0, nil, err
	}
	if !found {
		prev = nil
	}
	cur, err := DecodeCounter(prev)
	if err != nil {
		return 0, prev, err
	}
	next := cur + delta
	if err := t.Put(row, column, version, EncodeCounter(next)); err != nil {
		return 0, prev, err
	}
	return next, prev, nil
}

func compareAndSwap(t Table, row, column []byte, version uint64, rp txn.ReadPointer, expected, value []byte) (bool, error) {
	cur, found, err := t.Get(row, column, rp)
	if err != nil {
		return false, err
	}
	if expected == nil {
		if found {
			return false, nil
		}
	} else if !found || !bytes.Equal(cur, expected) {
		return false, nil
	}

	if value == nil {
		return true, t.Delete(row, column, version)
	}
	return true, t.Put(row, column, version, value)
}

// resolver picks the newest visible version of each cell from a stream
// ordered by row, column and descending version
type resolver struct {
	rp       txn.ReadPointer
	row      []byte
	column   []byte
	started  bool
	resolved bool
}

// visit reports whether the entry is the visible live value of its cell
func (r *resolver) visit(row, column []byte, version uint64, tombstone bool) bool {
	if !r.started || !bytes.Equal(row, r.row) || !bytes.Equal(column, r.column) {
		r.row = append(r.row[:0], row...)
		r.column = append(r.column[:0], column...)
		r.started = true
		r.resolved = false
	}
	if r.resolved || !r.rp.IsVisible(version) {
		return false
	}
	r.resolved = true
	return !tombstone
}

// pager applies offset and limit to a stream of distinct rows
type pager struct {
	offset int
	limit  int
	last   []byte
	seen   bool
	out    [][]byte
}

// add records row and reports whether more rows are wanted
func (p *pager) add(row []byte) bool {
	if p.seen && bytes.Equal(row, p.last) {
		return true
	}
	p.last = append(p.last[:0], row...)
	p.seen = true
	if p.offset > 0 {
		p.offset--
		return true
	}
	p.out = append(p.out, append([]byte(nil), row...))
	return p.limit <= 0 || len(p.out) < p.limit
}

func inColumnRange(column, start, end []byte) bool {
	if start != nil && bytes.Compare(column, start) < 0 {
		return false
	}
	return end == nil || bytes.Compare(column, end) < 0
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte{}, b...)
}
