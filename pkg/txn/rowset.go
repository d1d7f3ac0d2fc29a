// ABOUTME: Per-transaction set of (table, row) pairs touched by writes
// ABOUTME: Consulted only by the oracle's commit-time conflict check

package txn

import (
	"bytes"
	"sort"

	"github.com/nainya/txstore/pkg/storage"
)

// RowKey identifies a row of a table
type RowKey struct {
	Table string
	Row   []byte
}

func (k RowKey) id() string {
	return k.Table + "\x00" + string(k.Row)
}

// RowSet accumulates written rows. It is append-only while the transaction
// dispatches and sealed once handed to Commit.
type RowSet struct {
	rows   map[string]RowKey
	sealed bool
}

// NewRowSet creates an empty row set
func NewRowSet() *RowSet {
	return &RowSet{rows: make(map[string]RowKey)}
}

// Add records a written row. Adding to a sealed set is a programming error.
func (s *RowSet) Add(table string, row []byte) {
	if s.sealed {
		panic("txn: add to sealed row set")
	}
	k := RowKey{Table: table, Row: append([]byte(nil), row...)}
	s.rows[k.id()] = k
}

// Contains reports whether the row was written
func (s *RowSet) Contains(table string, row []byte) bool {
	_, ok := s.rows[RowKey{Table: table, Row: row}.id()]
	return ok
}

// Len returns the number of distinct rows
func (s *RowSet) Len() int {
	if s == nil {
		return 0
	}
	return len(s.rows)
}

// Intersects reports whether both sets share at least one row
func (s *RowSet) Intersects(other *RowSet) bool {
	if s.Len() == 0 || other.Len() == 0 {
		return false
	}
	small, large := s, other
	if small.Len() > large.Len() {
		small, large = large, small
	}
	for id := range small.rows {
		if _, ok := large.rows[id]; ok {
			return true
		}
	}
	return false
}

// Rows returns the rows ordered by table then row
func (s *RowSet) Rows() []RowKey {
	out := make([]RowKey, 0, s.Len())
	for _, k := range s.rows {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Table != out[j].Table {
			return out[i].Table < out[j].Table
		}
		return bytes.Compare(out[i].Row, out[j].Row) < 0
	})
	return out
}

// Seal freezes the set
func (s *RowSet) Seal() {
	s.sealed = true
}

// Sealed reports whether the set was handed to Commit
func (s *RowSet) Sealed() bool {
	return s.sealed
}

// Encode serializes the set as alternating table/row byte values
func (s *RowSet) Encode() []byte {
	rows := s.Rows()
	vals := make([]storage.Value, 0, 2*len(rows))
	for _, k := range rows {
		vals = append(vals,
			storage.Str(k.Table),
			storage.Bytes(k.Row),
		)
	}
	return storage.EncodeValues(vals...)
}

// DecodeRowSet reverses Encode. The result is sealed.
func DecodeRowSet(data []byte) (*RowSet, error) {
	vals, err := storage.DecodeValues(data)
	if err != nil {
		return nil, err
	}
	if len(vals)%2 != 0 {
		return nil, ErrCorruptState
	}
	s := NewRowSet()
	for i := 0; i < len(vals); i += 2 {
		s.Add(string(vals[i].Bytes), vals[i+1].Bytes)
	}
	s.Seal()
	return s, nil
}
