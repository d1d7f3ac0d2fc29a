// ABOUTME: Copy-on-write B+tree over caller-owned pages
// ABOUTME: Updates write new pages and free the ones they replace

package btree

import "bytes"

// BTree keeps its nodes in pages reached through callbacks, so it never
// touches a file itself. The storage package backs them with an mmap.
type BTree struct {
	root  uint64
	load  func(uint64) []byte // dereference a page pointer
	alloc func([]byte) uint64 // store a new page
	free  func(uint64)        // release a page
}

// SetCallbacks installs the page functions
func (tree *BTree) SetCallbacks(load func(uint64) []byte, alloc func([]byte) uint64, free func(uint64)) {
	tree.load = load
	tree.alloc = alloc
	tree.free = free
}

// Root returns the root page pointer, zero for an empty tree
func (tree *BTree) Root() uint64 {
	return tree.root
}

// SetRoot points the tree at an existing root page
func (tree *BTree) SetRoot(root uint64) {
	tree.root = root
}

func (tree *BTree) node(ptr uint64) Node {
	return Node(tree.load(ptr))
}

// Get looks up key
func (tree *BTree) Get(key []byte) ([]byte, bool) {
	if tree.root == 0 {
		return nil, false
	}
	n := tree.node(tree.root)
	for {
		idx := n.lookupLE(key)
		switch n.kind() {
		case nodeLeaf:
			if bytes.Equal(key, n.key(idx)) {
				return n.val(idx), true
			}
			return nil, false
		case nodeInternal:
			n = tree.node(n.ptr(idx))
		default:
			panic("btree: bad node type")
		}
	}
}

// Insert adds or replaces a pair. Pairs over the size limits are rejected
// before any page is touched.
func (tree *BTree) Insert(key, val []byte) error {
	if err := CheckLimits(key, val); err != nil {
		return err
	}

	if tree.root == 0 {
		root := Node(make([]byte, PageSize))
		root.setHeader(nodeLeaf, 2)
		// The empty sentinel key covers the whole key space
		root.appendKV(0, 0, nil, nil)
		root.appendKV(1, 0, key, val)
		tree.root = tree.alloc(root)
		return nil
	}

	parts := split3(tree.insert(tree.node(tree.root), key, val))
	tree.free(tree.root)
	if len(parts) == 1 {
		tree.root = tree.alloc(parts[0])
		return nil
	}

	// The root split, so the tree grows a level
	root := Node(make([]byte, PageSize))
	root.setHeader(nodeInternal, uint16(len(parts)))
	for i, kid := range parts {
		root.appendKV(uint16(i), tree.alloc(kid), kid.key(0), nil)
	}
	tree.root = tree.alloc(root)
	return nil
}

// insert returns a copy of n holding the pair. The copy may be up to two
// pages long; the caller splits it.
func (tree *BTree) insert(n Node, key, val []byte) Node {
	out := Node(make([]byte, 2*PageSize))
	idx := n.lookupLE(key)

	switch n.kind() {
	case nodeLeaf:
		if bytes.Equal(key, n.key(idx)) {
			out.setHeader(nodeLeaf, n.count())
			out.appendRange(n, 0, 0, idx)
			out.appendKV(idx, 0, key, val)
			out.appendRange(n, idx+1, idx+1, n.count()-(idx+1))
		} else {
			idx++
			out.setHeader(nodeLeaf, n.count()+1)
			out.appendRange(n, 0, 0, idx)
			out.appendKV(idx, 0, key, val)
			out.appendRange(n, idx+1, idx, n.count()-idx)
		}
	case nodeInternal:
		kptr := n.ptr(idx)
		parts := split3(tree.insert(tree.node(kptr), key, val))
		tree.free(kptr)
		tree.replaceKids(out, n, idx, parts...)
	default:
		panic("btree: bad node type")
	}
	return out
}

// replaceKids fills out with old, its kid idx replaced by kids
func (tree *BTree) replaceKids(out, old Node, idx uint16, kids ...Node) {
	inc := uint16(len(kids))
	out.setHeader(nodeInternal, old.count()+inc-1)
	out.appendRange(old, 0, 0, idx)
	for i, kid := range kids {
		out.appendKV(idx+uint16(i), tree.alloc(kid), kid.key(0), nil)
	}
	out.appendRange(old, idx+inc, idx+1, old.count()-(idx+1))
}

// Delete removes key and reports whether it was present
func (tree *BTree) Delete(key []byte) bool {
	if tree.root == 0 {
		return false
	}

	updated := tree.delete(tree.node(tree.root), key)
	if len(updated) == 0 {
		return false
	}

	tree.free(tree.root)
	if updated.kind() == nodeInternal && updated.count() == 1 {
		// A root with one kid is replaced by the kid
		tree.root = updated.ptr(0)
	} else {
		tree.root = tree.alloc(updated)
	}
	return true
}

// delete returns a copy of n without key, or nil when key is absent
func (tree *BTree) delete(n Node, key []byte) Node {
	idx := n.lookupLE(key)

	switch n.kind() {
	case nodeLeaf:
		if !bytes.Equal(key, n.key(idx)) {
			return nil
		}
		out := Node(make([]byte, PageSize))
		out.setHeader(nodeLeaf, n.count()-1)
		out.appendRange(n, 0, 0, idx)
		out.appendRange(n, idx, idx+1, n.count()-(idx+1))
		return out
	case nodeInternal:
		return tree.deleteFromKid(n, idx, key)
	default:
		panic("btree: bad node type")
	}
}

func (tree *BTree) deleteFromKid(n Node, idx uint16, key []byte) Node {
	kptr := n.ptr(idx)
	updated := tree.delete(tree.node(kptr), key)
	if len(updated) == 0 {
		return nil
	}
	tree.free(kptr)

	out := Node(make([]byte, PageSize))
	dir, sibling := tree.mergeTarget(n, idx, updated)
	switch {
	case dir < 0:
		merged := Node(make([]byte, PageSize))
		merged.merge(sibling, updated)
		tree.free(n.ptr(idx - 1))
		out.replace2Kids(n, idx-1, tree.alloc(merged), merged.key(0))
	case dir > 0:
		merged := Node(make([]byte, PageSize))
		merged.merge(updated, sibling)
		tree.free(n.ptr(idx + 1))
		out.replace2Kids(n, idx, tree.alloc(merged), merged.key(0))
	case updated.count() == 0:
		// An emptied kid with no sibling to absorb it
		out.setHeader(nodeInternal, 0)
	default:
		tree.replaceKids(out, n, idx, updated)
	}
	return out
}

// mergeTarget picks a sibling to merge a shrunken kid into: -1 for the
// left one, +1 for the right one, 0 for none
func (tree *BTree) mergeTarget(n Node, idx uint16, updated Node) (int, Node) {
	if updated.size() > PageSize/4 {
		return 0, nil
	}

	if idx > 0 {
		sibling := tree.node(n.ptr(idx - 1))
		if sibling.size()+updated.size()-nodeHeader <= PageSize {
			return -1, sibling
		}
	}
	if idx+1 < n.count() {
		sibling := tree.node(n.ptr(idx + 1))
		if sibling.size()+updated.size()-nodeHeader <= PageSize {
			return +1, sibling
		}
	}
	return 0, nil
}
