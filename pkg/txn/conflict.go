// ABOUTME: Commit record retention and write-write conflict queries
// ABOUTME: Records are kept in commit order and pruned below the watermark

package txn

import "sort"

// CommitRecord is retained while some in-flight transaction may need it
type CommitRecord struct {
	TxID     uint64
	CommitID uint64
	Rows     *RowSet
}

// ConflictIndex answers conflict queries for the oracle. A distributed
// oracle can plug in a shared implementation. Callers serialize access.
type ConflictIndex interface {
	// RecordCommit stores a record; commit ids arrive in increasing order
	RecordCommit(rec CommitRecord)

	// QueryConflicts returns the first record committed after since whose
	// rows intersect rows
	QueryConflicts(since uint64, rows *RowSet) (CommitRecord, bool)

	// Prune drops records with CommitID < watermark and returns how many
	Prune(watermark uint64) int

	// Len returns the number of retained records
	Len() int
}

// MemoryConflictIndex keeps records in a slice ordered by commit id
type MemoryConflictIndex struct {
	records []CommitRecord
}

// NewMemoryConflictIndex creates an empty index
func NewMemoryConflictIndex() *MemoryConflictIndex {
	return &MemoryConflictIndex{}
}

func (m *MemoryConflictIndex) RecordCommit(rec CommitRecord) {
	m.records = append(m.records, rec)
}

func (m *MemoryConflictIndex) QueryConflicts(since uint64, rows *RowSet) (CommitRecord, bool) {
	start := sort.Search(len(m.records), func(i int) bool {
		return m.records[i].CommitID > since
	})
	for _, rec := range m.records[start:] {
		if rec.Rows.Intersects(rows) {
			return rec, true
		}
	}
	return CommitRecord{}, false
}

func (m *MemoryConflictIndex) Prune(watermark uint64) int {
	n := sort.Search(len(m.records), func(i int) bool {
		return m.records[i].CommitID >= watermark
	})
	if n == 0 {
		return 0
	}
	// Copy the tail so the pruned prefix can be collected
	m.records = append([]CommitRecord(nil), m.records[n:]...)
	return n
}

func (m *MemoryConflictIndex) Len() int {
	return len(m.records)
}
