// ABOUTME: Range cursor over the B+tree bounded by [start, end)
// ABOUTME: Holds the page path from the root so Next never re-searches

package btree

import "bytes"

// Cursor walks the pairs of one key range in ascending order. Every leaf
// sits at the same depth, so the path keeps its length while the cursor
// moves; an exhausted cursor has an empty path.
type Cursor struct {
	tree  *BTree
	end   []byte
	nodes []Node
	idx   []uint16
}

// Seek positions a cursor on the first key >= start. The cursor becomes
// invalid at the first key >= end; a nil end is unbounded. The pages it
// points into belong to the tree, so it must not outlive the caller's lock.
func (tree *BTree) Seek(start, end []byte) *Cursor {
	c := &Cursor{tree: tree, end: end}
	if tree.root == 0 {
		return c
	}

	n := tree.node(tree.root)
	for {
		i := n.lookupLE(start)
		c.nodes = append(c.nodes, n)
		c.idx = append(c.idx, i)
		if n.kind() == nodeLeaf {
			break
		}
		n = tree.node(n.ptr(i))
	}

	// lookupLE lands on the last key <= start, which may be the empty
	// sentinel or a smaller key
	if key := c.leafKey(); len(key) == 0 || bytes.Compare(key, start) < 0 {
		c.Next()
	}
	return c
}

func (c *Cursor) leafKey() []byte {
	if len(c.nodes) == 0 {
		return nil
	}
	leaf := len(c.nodes) - 1
	return c.nodes[leaf].key(c.idx[leaf])
}

// Valid reports whether the cursor is on a key inside its range
func (c *Cursor) Valid() bool {
	if len(c.nodes) == 0 {
		return false
	}
	return c.end == nil || bytes.Compare(c.leafKey(), c.end) < 0
}

// Key returns the current key, nil past the range
func (c *Cursor) Key() []byte {
	if !c.Valid() {
		return nil
	}
	return c.leafKey()
}

// Val returns the current value, nil past the range
func (c *Cursor) Val() []byte {
	if !c.Valid() {
		return nil
	}
	leaf := len(c.nodes) - 1
	return c.nodes[leaf].val(c.idx[leaf])
}

// Next moves to the following key and reports whether it is in range
func (c *Cursor) Next() bool {
	for level := len(c.nodes) - 1; level >= 0; level-- {
		c.idx[level]++
		if c.idx[level] >= c.nodes[level].count() {
			continue
		}
		// Found the lowest ancestor with a right sibling; refill the
		// levels below it from their leftmost children
		for l := level; l < len(c.nodes)-1; l++ {
			c.nodes[l+1] = c.tree.node(c.nodes[l].ptr(c.idx[l]))
			c.idx[l+1] = 0
		}
		return c.Valid()
	}
	c.nodes, c.idx = c.nodes[:0], c.idx[:0]
	return false
}

// Scan calls fn for each pair in [start, end) until it returns false.
// A nil end scans to the last key.
func (tree *BTree) Scan(start, end []byte, fn func(key, val []byte) bool) {
	for c := tree.Seek(start, end); c.Valid(); c.Next() {
		if !fn(c.Key(), c.Val()) {
			return
		}
	}
}
