// ABOUTME: Tests for B+tree insert, lookup and delete
// ABOUTME: Pages live in a map and every result is checked against a reference map

package btree

import (
	"bytes"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"testing"
)

// pageStore hands out numbered in-memory pages
type pageStore struct {
	pages map[uint64]Node
	next  uint64
}

// testTree pairs a tree with the map it must agree with
type testTree struct {
	t     *testing.T
	tree  BTree
	store *pageStore
	ref   map[string]string
}

func newTestTree(t *testing.T) *testTree {
	store := &pageStore{pages: map[uint64]Node{}, next: 1}
	c := &testTree{t: t, store: store, ref: map[string]string{}}
	c.tree.SetCallbacks(
		func(ptr uint64) []byte {
			node, ok := store.pages[ptr]
			if !ok {
				t.Fatalf("load of unknown page %d", ptr)
			}
			return node
		},
		func(node []byte) uint64 {
			if Node(node).size() > PageSize {
				t.Fatalf("allocated a node of %d bytes", Node(node).size())
			}
			ptr := store.next
			store.next++
			store.pages[ptr] = node
			return ptr
		},
		func(ptr uint64) {
			if _, ok := store.pages[ptr]; !ok {
				t.Fatalf("double free of page %d", ptr)
			}
			delete(store.pages, ptr)
		},
	)
	return c
}

func (c *testTree) add(key, val string) {
	if err := c.tree.Insert([]byte(key), []byte(val)); err != nil {
		c.t.Fatalf("insert %q: %v", key, err)
	}
	c.ref[key] = val
}

func (c *testTree) del(key string) bool {
	delete(c.ref, key)
	return c.tree.Delete([]byte(key))
}

// verify checks every key in ref and the scan order of the whole tree
func (c *testTree) verify(t *testing.T) {
	t.Helper()
	keys := make([]string, 0, len(c.ref))
	for k, v := range c.ref {
		keys = append(keys, k)
		got, ok := c.tree.Get([]byte(k))
		if !ok {
			t.Fatalf("key %q missing", k)
		}
		if string(got) != v {
			t.Fatalf("key %q: expected %q, got %q", k, v, got)
		}
	}
	sort.Strings(keys)

	var scanned []string
	c.tree.Scan(nil, nil, func(key, _ []byte) bool {
		scanned = append(scanned, string(key))
		return true
	})
	if len(scanned) != len(keys) {
		t.Fatalf("scan returned %d keys, expected %d", len(scanned), len(keys))
	}
	for i := range keys {
		if scanned[i] != keys[i] {
			t.Fatalf("scan position %d: expected %q, got %q", i, keys[i], scanned[i])
		}
	}
}

func TestBTreeInsertGet(t *testing.T) {
	c := newTestTree(t)
	c.add("key1", "val1")
	c.add("key2", "val2")
	c.add("key3", "val3")
	c.verify(t)

	if _, ok := c.tree.Get([]byte("key4")); ok {
		t.Error("Expected key4 to not exist")
	}
	// Below every key, only the sentinel matches
	if _, ok := c.tree.Get([]byte("0")); ok {
		t.Error("Expected key 0 to not exist")
	}
}

func TestBTreeUpdate(t *testing.T) {
	c := newTestTree(t)
	c.add("key1", "val1")
	c.add("key1", "val1_updated")
	c.verify(t)
}

func TestBTreeDelete(t *testing.T) {
	c := newTestTree(t)
	c.add("key1", "val1")
	c.add("key2", "val2")
	c.add("key3", "val3")

	if !c.del("key2") {
		t.Fatal("Expected key2 to be deleted")
	}
	if c.tree.Delete([]byte("key2")) {
		t.Error("Expected a second delete to report false")
	}
	c.verify(t)
}

func TestBTreeEmptyTree(t *testing.T) {
	c := newTestTree(t)
	if _, ok := c.tree.Get([]byte("key1")); ok {
		t.Error("Expected Get to fail on empty tree")
	}
	if c.tree.Delete([]byte("key1")) {
		t.Error("Expected Delete to fail on empty tree")
	}
	if c.tree.Root() != 0 {
		t.Errorf("Expected no root, got %d", c.tree.Root())
	}
}

func TestBTreeSplitsAndMerges(t *testing.T) {
	c := newTestTree(t)
	rng := rand.New(rand.NewSource(1))

	perm := rng.Perm(3000)
	for _, i := range perm {
		c.add(fmt.Sprintf("key%05d", i), fmt.Sprintf("value%05d", i))
	}
	c.verify(t)
	if Node(c.store.pages[c.tree.Root()]).kind() != nodeInternal {
		t.Fatal("Expected 3000 keys to need more than one level")
	}

	for _, i := range perm[:2000] {
		if !c.del(fmt.Sprintf("key%05d", i)) {
			t.Fatalf("delete key%05d failed", i)
		}
	}
	c.verify(t)

	for _, i := range perm[2000:] {
		c.del(fmt.Sprintf("key%05d", i))
	}
	c.verify(t)
}

func TestBTreeLargeValues(t *testing.T) {
	c := newTestTree(t)
	for i := 0; i < 20; i++ {
		c.add(fmt.Sprintf("big%02d", i), string(bytes.Repeat([]byte{'a' + byte(i)}, MaxValueSize)))
	}
	c.verify(t)
}

func TestBTreeRejectsOversizedPairs(t *testing.T) {
	c := newTestTree(t)
	c.add("k", "v")
	root := c.tree.Root()

	err := c.tree.Insert([]byte("k"), make([]byte, MaxValueSize+1))
	if !errors.Is(err, ErrValueTooLarge) {
		t.Fatalf("Expected ErrValueTooLarge, got %v", err)
	}
	err = c.tree.Insert(make([]byte, MaxKeySize+1), nil)
	if !errors.Is(err, ErrKeyTooLarge) {
		t.Fatalf("Expected ErrKeyTooLarge, got %v", err)
	}
	if err := c.tree.Insert(nil, []byte("v")); !errors.Is(err, ErrKeyTooLarge) {
		t.Fatalf("Expected the empty key to be refused, got %v", err)
	}

	if c.tree.Root() != root {
		t.Error("A rejected insert must not touch the tree")
	}
	c.verify(t)
}

func TestBTreeReopenFromRoot(t *testing.T) {
	c := newTestTree(t)
	for i := 0; i < 500; i++ {
		c.add(fmt.Sprintf("key%04d", i), "v")
	}

	// A second tree over the same pages sees the same data
	reopened := &testTree{t: t, store: c.store, ref: c.ref}
	reopened.tree = c.tree
	reopened.tree.SetRoot(0)
	if _, ok := reopened.tree.Get([]byte("key0001")); ok {
		t.Fatal("Expected a tree without a root to be empty")
	}
	reopened.tree.SetRoot(c.tree.Root())
	reopened.verify(t)
}
