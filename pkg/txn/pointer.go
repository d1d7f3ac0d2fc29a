// ABOUTME: Snapshot descriptors handed to transactions at start
// ABOUTME: Decides which cell versions a reader is allowed to observe

package txn

import (
	"fmt"
	"sort"
)

// ReadPointer bounds the versions visible to a reader.
// A version v is visible iff v == WriteVersion, or
// v <= MaxVersion and v is not in Excluded.
type ReadPointer struct {
	MaxVersion   uint64   // Highest committed transaction id at snapshot time
	Excluded     []uint64 // In-flight, aborted-pending and invalid ids (sorted)
	WriteVersion uint64   // Owning transaction id, zero for read-only pointers
}

// NewReadPointer builds a pointer, copying and sorting excluded
func NewReadPointer(maxVersion uint64, excluded []uint64, writeVersion uint64) ReadPointer {
	ex := make([]uint64, len(excluded))
	copy(ex, excluded)
	sort.Slice(ex, func(i, j int) bool { return ex[i] < ex[j] })
	return ReadPointer{
		MaxVersion:   maxVersion,
		Excluded:     ex,
		WriteVersion: writeVersion,
	}
}

// IsVisible reports whether a cell version may be observed
func (rp ReadPointer) IsVisible(version uint64) bool {
	if rp.WriteVersion != 0 && version == rp.WriteVersion {
		return true
	}
	if version > rp.MaxVersion {
		return false
	}
	return !rp.IsExcluded(version)
}

// IsExcluded reports whether version is in the excluded set
func (rp ReadPointer) IsExcluded(version uint64) bool {
	i := sort.Search(len(rp.Excluded), func(i int) bool {
		return rp.Excluded[i] >= version
	})
	return i < len(rp.Excluded) && rp.Excluded[i] == version
}

// UpperBound is the highest version that can possibly be visible
func (rp ReadPointer) UpperBound() uint64 {
	if rp.WriteVersion > rp.MaxVersion {
		return rp.WriteVersion
	}
	return rp.MaxVersion
}

// ReadOnly returns the same snapshot without own-write visibility
func (rp ReadPointer) ReadOnly() ReadPointer {
	rp.WriteVersion = 0
	return rp
}

func (rp ReadPointer) String() string {
	return fmt.Sprintf("ReadPointer[max=%d excluded=%d write=%d]",
		rp.MaxVersion, len(rp.Excluded), rp.WriteVersion)
}

// Transaction is a started transaction: its id doubles as the version
// stamp of every cell it writes
type Transaction struct {
	ID      uint64
	Pointer ReadPointer
}

// StartPoint is the counter value at which the snapshot was taken.
// Any commit with a larger commit id happened after the snapshot.
func (tx Transaction) StartPoint() uint64 {
	return tx.ID
}
