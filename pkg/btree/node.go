// ABOUTME: Page layout of a B+tree node
// ABOUTME: Header, child pointers, offsets, then packed key/value pairs

package btree

import (
	"bytes"
	"encoding/binary"
)

const (
	nodeInternal uint16 = 1 // children only, values are empty
	nodeLeaf     uint16 = 2
)

const (
	// PageSize is the size of every node once written out
	PageSize = 4096

	// MaxKeySize and MaxValueSize guarantee a single pair fits in a leaf
	MaxKeySize   = 1000
	MaxValueSize = 3000

	nodeHeader = 4 // kind uint16, count uint16
)

// Node is one page:
//
//	| kind | count | pointers (8 each) | offsets (2 each) | pairs |
//
// A pair is klen uint16, vlen uint16, key, value. Offsets are relative to
// the first pair; the offset of pair 0 is implicit.
type Node []byte

func (n Node) kind() uint16 {
	return binary.LittleEndian.Uint16(n[0:2])
}

func (n Node) count() uint16 {
	return binary.LittleEndian.Uint16(n[2:4])
}

func (n Node) setHeader(kind, count uint16) {
	binary.LittleEndian.PutUint16(n[0:2], kind)
	binary.LittleEndian.PutUint16(n[2:4], count)
}

func (n Node) ptr(idx uint16) uint64 {
	if idx >= n.count() {
		panic("btree: pointer index out of range")
	}
	return binary.LittleEndian.Uint64(n[nodeHeader+8*idx:])
}

func (n Node) setPtr(idx uint16, ptr uint64) {
	if idx >= n.count() {
		panic("btree: pointer index out of range")
	}
	binary.LittleEndian.PutUint64(n[nodeHeader+8*idx:], ptr)
}

func (n Node) offsetPos(idx uint16) uint16 {
	if idx < 1 || idx > n.count() {
		panic("btree: offset index out of range")
	}
	return nodeHeader + 8*n.count() + 2*(idx-1)
}

func (n Node) offset(idx uint16) uint16 {
	if idx == 0 {
		return 0
	}
	return binary.LittleEndian.Uint16(n[n.offsetPos(idx):])
}

func (n Node) setOffset(idx, off uint16) {
	binary.LittleEndian.PutUint16(n[n.offsetPos(idx):], off)
}

// pairPos is where pair idx starts; pairPos(count) is the end of the node
func (n Node) pairPos(idx uint16) uint16 {
	if idx > n.count() {
		panic("btree: pair index out of range")
	}
	return nodeHeader + 10*n.count() + n.offset(idx)
}

func (n Node) key(idx uint16) []byte {
	if idx >= n.count() {
		panic("btree: key index out of range")
	}
	pos := n.pairPos(idx)
	klen := binary.LittleEndian.Uint16(n[pos:])
	return n[pos+4:][:klen]
}

func (n Node) val(idx uint16) []byte {
	if idx >= n.count() {
		panic("btree: value index out of range")
	}
	pos := n.pairPos(idx)
	klen := binary.LittleEndian.Uint16(n[pos:])
	vlen := binary.LittleEndian.Uint16(n[pos+2:])
	return n[pos+4+klen:][:vlen]
}

// size is the number of bytes in use
func (n Node) size() uint16 {
	return n.pairPos(n.count())
}

// lookupLE returns the last position whose key is <= key. Position 0 is
// a copy of the parent's separator, so it never exceeds key.
func (n Node) lookupLE(key []byte) uint16 {
	found := uint16(0)
	for i := uint16(1); i < n.count(); i++ {
		cmp := bytes.Compare(n.key(i), key)
		if cmp <= 0 {
			found = i
		}
		if cmp >= 0 {
			break
		}
	}
	return found
}

// appendRange copies count pairs of old starting at src into n at dst
func (n Node) appendRange(old Node, dst, src, count uint16) {
	if src+count > old.count() {
		panic("btree: source range out of bounds")
	}
	if dst+count > n.count() {
		panic("btree: destination range out of bounds")
	}
	if count == 0 {
		return
	}

	if old.kind() == nodeInternal {
		for i := uint16(0); i < count; i++ {
			n.setPtr(dst+i, old.ptr(src+i))
		}
	}

	dstBegin, srcBegin := n.offset(dst), old.offset(src)
	for i := uint16(1); i <= count; i++ {
		n.setOffset(dst+i, dstBegin+old.offset(src+i)-srcBegin)
	}

	copy(n[n.pairPos(dst):], old[old.pairPos(src):old.pairPos(src+count)])
}

// appendKV writes pair idx; ptr is ignored by leaves
func (n Node) appendKV(idx uint16, ptr uint64, key, val []byte) {
	n.setPtr(idx, ptr)

	pos := n.pairPos(idx)
	binary.LittleEndian.PutUint16(n[pos:], uint16(len(key)))
	binary.LittleEndian.PutUint16(n[pos+2:], uint16(len(val)))
	copy(n[pos+4:], key)
	copy(n[pos+4+uint16(len(key)):], val)

	n.setOffset(idx+1, n.offset(idx)+4+uint16(len(key)+len(val)))
}

// merge fills n with every pair of left then right
func (n Node) merge(left, right Node) {
	n.setHeader(left.kind(), left.count()+right.count())
	n.appendRange(left, 0, 0, left.count())
	n.appendRange(right, left.count(), 0, right.count())
}

// replace2Kids fills n with old, kids idx and idx+1 collapsed into ptr
func (n Node) replace2Kids(old Node, idx uint16, ptr uint64, key []byte) {
	n.setHeader(nodeInternal, old.count()-1)
	n.appendRange(old, 0, 0, idx)
	n.appendKV(idx, ptr, key, nil)
	n.appendRange(old, idx+1, idx+2, old.count()-(idx+2))
}

// split2 divides old between left and right. right always fits in a page;
// left may not, in which case the caller splits it again.
func split2(left, right, old Node) {
	total := old.count()
	if total < 2 {
		panic("btree: cannot split a node with fewer than two pairs")
	}

	nleft := total / 2
	leftBytes := func() uint16 {
		return nodeHeader + 10*nleft + old.offset(nleft)
	}
	for leftBytes() > PageSize {
		nleft--
	}
	rightBytes := func() uint16 {
		return old.size() - leftBytes() + nodeHeader
	}
	for rightBytes() > PageSize {
		nleft++
	}
	if nleft < 1 || nleft >= total {
		panic("btree: no split point")
	}

	left.setHeader(old.kind(), nleft)
	left.appendRange(old, 0, 0, nleft)

	right.setHeader(old.kind(), total-nleft)
	right.appendRange(old, 0, nleft, total-nleft)
}

// split3 cuts an oversized node into pages. One insert grows a node by at
// most one pair, so three pages always suffice.
func split3(old Node) []Node {
	if old.size() <= PageSize {
		return []Node{old[:PageSize]}
	}

	left := Node(make([]byte, 2*PageSize))
	right := Node(make([]byte, PageSize))
	split2(left, right, old)
	if left.size() <= PageSize {
		return []Node{left[:PageSize], right}
	}

	leftleft := Node(make([]byte, PageSize))
	middle := Node(make([]byte, PageSize))
	split2(leftleft, middle, left)
	return []Node{leftleft, middle, right}
}

func init() {
	if nodeHeader+8+2+4+MaxKeySize+MaxValueSize > PageSize {
		panic("btree: a maximal pair does not fit in a page")
	}
}
