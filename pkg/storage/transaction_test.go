// ABOUTME: Tests for atomic batches over versioned cell keys
// ABOUTME: Covers own-write visibility, abort, range deletes and reopen

package storage

import (
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/nainya/txstore/pkg/btree"
)

// cellKey mirrors the table layout: newest version sorts first
func cellKey(prefix uint32, row, col string, version uint64) []byte {
	return EncodeKey(prefix, Str(row), Str(col), Uint(^version))
}

func versionsOf(t *testing.T, db *KV, prefix uint32, row, col string) []uint64 {
	t.Helper()
	var out []uint64
	err := db.Seek(EncodeKey(prefix, Str(row), Str(col)), PrefixEnd(prefix, Str(row), Str(col)),
		func(c *btree.Cursor) error {
			for ; c.Valid(); c.Next() {
				vals, err := KeyValues(c.Key())
				if err != nil {
					return err
				}
				out = append(out, ^vals[2].Uint)
			}
			return nil
		})
	if err != nil {
		t.Fatalf("seek %s/%s: %v", row, col, err)
	}
	return out
}

func TestBatchSeesItsOwnWrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "batch.db")
	db := openTestKV(t, path)

	err := db.Update(func(tx *KVTX) error {
		for _, v := range []uint64{3, 9, 5} {
			if err := tx.Set(cellKey(100, "r", "c", v), []byte(fmt.Sprint(v))); err != nil {
				return err
			}
		}
		if val, ok := tx.Get(cellKey(100, "r", "c", 5)); !ok || string(val) != "5" {
			t.Errorf("own write invisible: %q, %v", val, ok)
		}

		// Seeking at version 6 lands on the newest version at or below it
		c := tx.Seek(cellKey(100, "r", "c", 6), PrefixEnd(100, Str("r"), Str("c")))
		if !c.Valid() || string(c.Val()) != "5" {
			t.Errorf("expected version 5 under 6, got %q", c.Val())
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Failed to commit: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("Failed to close: %v", err)
	}

	db = openTestKV(t, path)
	defer db.Close()
	if got := fmt.Sprint(versionsOf(t, db, 100, "r", "c")); got != "[9 5 3]" {
		t.Fatalf("versions after reopen %s, want [9 5 3]", got)
	}
}

func TestAbortedBatchLeavesNoTrace(t *testing.T) {
	path := filepath.Join(t.TempDir(), "abort.db")
	db := openTestKV(t, path)

	if err := db.Set(cellKey(100, "r", "c", 1), []byte("kept")); err != nil {
		t.Fatalf("Failed to set: %v", err)
	}
	total, free := db.Pages()

	boom := errors.New("conflict")
	err := db.Update(func(tx *KVTX) error {
		for v := uint64(2); v < 200; v++ {
			if err := tx.Set(cellKey(100, "r", "c", v), []byte("doomed")); err != nil {
				return err
			}
		}
		if !tx.Del(cellKey(100, "r", "c", 1)) {
			t.Error("expected the committed cell to be deletable inside the batch")
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected the batch error back, got %v", err)
	}

	if got := fmt.Sprint(versionsOf(t, db, 100, "r", "c")); got != "[1]" {
		t.Fatalf("versions after abort %s, want [1]", got)
	}
	if gotTotal, gotFree := db.Pages(); gotTotal != total || gotFree != free {
		t.Errorf("pages moved from (%d, %d) to (%d, %d)", total, free, gotTotal, gotFree)
	}

	// The lock is released and the store still writes
	if err := db.Set(cellKey(100, "r", "c", 2), []byte("after")); err != nil {
		t.Fatalf("Failed to set after abort: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("Failed to close: %v", err)
	}

	db = openTestKV(t, path)
	defer db.Close()
	if got := fmt.Sprint(versionsOf(t, db, 100, "r", "c")); got != "[2 1]" {
		t.Fatalf("versions after reopen %s, want [2 1]", got)
	}
}

func TestBatchDeletesMatchingVersionsAcrossRows(t *testing.T) {
	path := filepath.Join(t.TempDir(), "purge.db")
	db := openTestKV(t, path)

	// Two tables share the file; only the first is purged
	for _, prefix := range []uint32{100, 101} {
		for row := 0; row < 40; row++ {
			for v := uint64(1); v <= 6; v++ {
				key := cellKey(prefix, fmt.Sprintf("row%02d", row), "c", v)
				if err := db.Set(key, []byte("x")); err != nil {
					t.Fatalf("Failed to set: %v", err)
				}
			}
		}
	}

	invalid := map[uint64]bool{2: true, 5: true}
	deleted := 0
	err := db.Update(func(tx *KVTX) error {
		var doomed [][]byte
		for c := tx.Seek(EncodeKey(100), PrefixEnd(100)); c.Valid(); c.Next() {
			vals, err := KeyValues(c.Key())
			if err != nil {
				return err
			}
			if invalid[^vals[2].Uint] {
				doomed = append(doomed, append([]byte{}, c.Key()...))
			}
		}
		for _, key := range doomed {
			if tx.Del(key) {
				deleted++
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Failed to commit: %v", err)
	}
	if deleted != 80 {
		t.Fatalf("expected 80 deletes, got %d", deleted)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("Failed to close: %v", err)
	}

	db = openTestKV(t, path)
	defer db.Close()
	for row := 0; row < 40; row++ {
		name := fmt.Sprintf("row%02d", row)
		if got := fmt.Sprint(versionsOf(t, db, 100, name, "c")); got != "[6 4 3 1]" {
			t.Fatalf("%s in table 100: %s", name, got)
		}
		if got := fmt.Sprint(versionsOf(t, db, 101, name, "c")); got != "[6 5 4 3 2 1]" {
			t.Fatalf("%s in table 101: %s", name, got)
		}
	}
}

func TestBatchWithoutChangesSkipsTheFile(t *testing.T) {
	db := openTestKV(t, filepath.Join(t.TempDir(), "noop.db"))
	defer db.Close()

	if err := db.Set(cellKey(100, "r", "c", 1), []byte("v")); err != nil {
		t.Fatalf("Failed to set: %v", err)
	}
	total, free := db.Pages()

	err := db.Update(func(tx *KVTX) error {
		if tx.Del(cellKey(100, "r", "c", 7)) {
			t.Error("deleted a key that was never written")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Failed to commit: %v", err)
	}
	if gotTotal, gotFree := db.Pages(); gotTotal != total || gotFree != free {
		t.Errorf("empty batch moved pages from (%d, %d) to (%d, %d)", total, free, gotTotal, gotFree)
	}
}

func TestSeekOnClosedStore(t *testing.T) {
	db := openTestKV(t, filepath.Join(t.TempDir(), "closed.db"))
	if err := db.Close(); err != nil {
		t.Fatalf("Failed to close: %v", err)
	}
	err := db.Seek(nil, nil, func(*btree.Cursor) error { return nil })
	if !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}
