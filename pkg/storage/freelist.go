// ABOUTME: Free list for page recycling in the KV file
// ABOUTME: An unrolled linked list of page pointers stored in pages itself

package storage

import (
	"encoding/binary"
)

const (
	freeListHeader = 8
	freeListCap    = (pageSize - freeListHeader) / 8
)

// freeNode represents a free list node (linked list node)
type freeNode []byte

// getNext returns the pointer to the next node
func (node freeNode) getNext() uint64 {
	return binary.LittleEndian.Uint64(node[0:8])
}

// setNext sets the pointer to the next node
func (node freeNode) setNext(next uint64) {
	binary.LittleEndian.PutUint64(node[0:8], next)
}

// getPtr returns the pointer at the given index
func (node freeNode) getPtr(idx int) uint64 {
	offset := freeListHeader + idx*8
	return binary.LittleEndian.Uint64(node[offset:])
}

// setPtr sets the pointer at the given index
func (node freeNode) setPtr(idx int, ptr uint64) {
	offset := freeListHeader + idx*8
	binary.LittleEndian.PutUint64(node[offset:], ptr)
}

// FreeList manages a pool of freed pages for reuse
type FreeList struct {
	// Callbacks for page management
	get func(uint64) []byte  // read a page
	new func([]byte) uint64  // append a new page
	set func(uint64, []byte) // replace a page

	// Head of the list (pop from here)
	headPage uint64
	headSeq  uint64

	// Tail of the list (push to here)
	tailPage uint64
	tailSeq  uint64

	// Items at or above maxSeq were freed by the update in progress
	maxSeq uint64
}

// Total returns the number of items in the free list
func (fl *FreeList) Total() int {
	if fl.headSeq >= fl.tailSeq {
		return 0
	}
	return int(fl.tailSeq - fl.headSeq)
}

// PopHead removes and returns a page from the head of the list, or 0 when
// nothing below maxSeq is left. Pages freed since the last commit sit
// above maxSeq because the committed tree may still reference them.
func (fl *FreeList) PopHead() uint64 {
	if fl.headSeq >= fl.tailSeq || fl.headSeq >= fl.maxSeq || fl.headPage == 0 {
		return 0
	}

	node := freeNode(fl.get(fl.headPage))
	ptr := node.getPtr(int(fl.headSeq % freeListCap))
	fl.headSeq++

	// An exhausted head node is itself recycled
	if fl.headSeq%freeListCap == 0 {
		if next := node.getNext(); next != 0 {
			old := fl.headPage
			fl.headPage = next
			fl.PushTail(old)
		}
	}
	return ptr
}

// PushTail adds a page to the tail of the list
func (fl *FreeList) PushTail(ptr uint64) {
	// Get or create tail node
	if fl.tailPage == 0 {
		// First node - allocate it
		page := make([]byte, pageSize)
		node := freeNode(page)
		node.setNext(0)
		fl.tailPage = fl.new(page)
		fl.headPage = fl.tailPage
	}

	idx := int(fl.tailSeq % freeListCap)

	// If current node is full, allocate a new one
	if idx == 0 && fl.tailSeq > 0 {
		// Allocate new tail node
		newPage := make([]byte, pageSize)
		newNode := freeNode(newPage)
		newNode.setNext(0)
		newTail := fl.new(newPage)

		// Link current tail to new tail
		oldPage := make([]byte, pageSize)
		copy(oldPage, fl.get(fl.tailPage))
		oldNode := freeNode(oldPage)
		oldNode.setNext(newTail)
		fl.set(fl.tailPage, oldPage)

		// A drained head parked on the full node moves along with the tail
		if fl.headPage == fl.tailPage && fl.headSeq == fl.tailSeq {
			fl.headPage = newTail
		}

		// Move to new tail
		fl.tailPage = newTail
		idx = 0
	}

	// Store the pointer in a new copy of the page
	page := make([]byte, pageSize)
	copy(page, fl.get(fl.tailPage))
	node := freeNode(page)
	node.setPtr(idx, ptr)
	fl.set(fl.tailPage, page)
	fl.tailSeq++
}

// SetMaxSeq makes every item pushed so far available to PopHead
func (fl *FreeList) SetMaxSeq() {
	fl.maxSeq = fl.tailSeq
}

// Serialize serializes the free list metadata to bytes
func (fl *FreeList) Serialize() []byte {
	data := make([]byte, 40)
	binary.LittleEndian.PutUint64(data[0:], fl.headPage)
	binary.LittleEndian.PutUint64(data[8:], fl.headSeq)
	binary.LittleEndian.PutUint64(data[16:], fl.tailPage)
	binary.LittleEndian.PutUint64(data[24:], fl.tailSeq)
	binary.LittleEndian.PutUint64(data[32:], fl.maxSeq)
	return data
}

// Deserialize loads free list metadata from bytes
func (fl *FreeList) Deserialize(data []byte) {
	fl.headPage = binary.LittleEndian.Uint64(data[0:])
	fl.headSeq = binary.LittleEndian.Uint64(data[8:])
	fl.tailPage = binary.LittleEndian.Uint64(data[16:])
	fl.tailSeq = binary.LittleEndian.Uint64(data[24:])
	fl.maxSeq = binary.LittleEndian.Uint64(data[32:])
}
