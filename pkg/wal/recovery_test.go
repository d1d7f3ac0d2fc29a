package wal

import (
	"errors"
	"testing"
)

func TestRecoveryEmptyWAL(t *testing.T) {
	w := openTestWAL(t, t.TempDir())
	defer w.Close()

	calls := 0
	stats, err := NewRecovery(w).Recover(func(*Entry) error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if calls != 0 || stats.TotalEntries != 0 {
		t.Errorf("expected nothing to replay, got %d calls", calls)
	}
}

func TestRecoveryReplaysEverythingWithoutCheckpoint(t *testing.T) {
	w := openTestWAL(t, t.TempDir())
	defer w.Close()

	w.Append(OpBegin, 1, nil, nil, false)
	w.Append(OpBegin, 2, nil, nil, false)
	w.Append(OpCommit, 1, []byte{3}, nil, false)
	w.Append(OpAbort, 2, nil, nil, true)

	var ops []OpType
	stats, err := NewRecovery(w).Recover(func(e *Entry) error {
		ops = append(ops, e.OpType)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	want := []OpType{OpBegin, OpBegin, OpCommit, OpAbort}
	if len(ops) != len(want) {
		t.Fatalf("expected %d entries, got %d", len(want), len(ops))
	}
	for i := range want {
		if ops[i] != want[i] {
			t.Errorf("entry %d: got %s, want %s", i, ops[i], want[i])
		}
	}
	if stats.Transactions != 2 {
		t.Errorf("expected 2 transactions, got %d", stats.Transactions)
	}
	if stats.LastLSN != 4 {
		t.Errorf("expected last LSN 4, got %d", stats.LastLSN)
	}
}

func TestRecoveryStartsAtLastCheckpoint(t *testing.T) {
	w := openTestWAL(t, t.TempDir())
	defer w.Close()

	w.Append(OpBegin, 1, nil, nil, false)
	w.Checkpoint([]byte("first"))
	w.Append(OpBegin, 2, nil, nil, false)
	w.Checkpoint([]byte("second"))
	w.Append(OpBegin, 3, nil, nil, false)

	var seen []*Entry
	stats, err := NewRecovery(w).Recover(func(e *Entry) error {
		seen = append(seen, e)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	if len(seen) != 2 {
		t.Fatalf("expected checkpoint + 1 entry, got %d", len(seen))
	}
	if seen[0].OpType != OpCheckpoint || string(seen[0].Value) != "second" {
		t.Errorf("expected latest checkpoint first, got %s", seen[0])
	}
	if seen[1].TxnID != 3 {
		t.Errorf("expected txn 3 after checkpoint, got %d", seen[1].TxnID)
	}
	if stats.LastCheckpointLSN != seen[0].LSN {
		t.Errorf("checkpoint LSN mismatch: %d vs %d", stats.LastCheckpointLSN, seen[0].LSN)
	}
}

func TestRecoveryPropagatesReplayError(t *testing.T) {
	w := openTestWAL(t, t.TempDir())
	defer w.Close()
	w.Append(OpBegin, 1, nil, nil, true)

	boom := errors.New("boom")
	_, err := NewRecovery(w).Recover(func(*Entry) error { return boom })
	if !errors.Is(err, boom) {
		t.Fatalf("expected replay error, got %v", err)
	}
}
