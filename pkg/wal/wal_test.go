package wal

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func openTestWAL(t *testing.T, dir string) *WAL {
	t.Helper()
	w := &WAL{Path: filepath.Join(dir, "oracle.wal")}
	if err := w.Open(); err != nil {
		t.Fatalf("open wal: %v", err)
	}
	return w
}

func TestEntryEncodeDecode(t *testing.T) {
	entry := &Entry{
		LSN:       42,
		TxnID:     100,
		OpType:    OpCommit,
		Key:       []byte{0, 0, 0, 0, 0, 0, 0, 101},
		Value:     []byte("rows"),
		Timestamp: time.Now(),
	}

	decoded, err := DecodeEntry(entry.Encode())
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}

	if decoded.LSN != entry.LSN {
		t.Errorf("LSN mismatch: got %d, want %d", decoded.LSN, entry.LSN)
	}
	if decoded.TxnID != entry.TxnID {
		t.Errorf("TxnID mismatch: got %d, want %d", decoded.TxnID, entry.TxnID)
	}
	if decoded.OpType != entry.OpType {
		t.Errorf("OpType mismatch: got %s, want %s", decoded.OpType, entry.OpType)
	}
	if string(decoded.Key) != string(entry.Key) {
		t.Errorf("Key mismatch: got %x, want %x", decoded.Key, entry.Key)
	}
	if string(decoded.Value) != string(entry.Value) {
		t.Errorf("Value mismatch: got %s, want %s", decoded.Value, entry.Value)
	}
	if !decoded.Timestamp.Equal(time.Unix(0, entry.Timestamp.UnixNano())) {
		t.Errorf("Timestamp mismatch: got %v", decoded.Timestamp)
	}
}

func TestDecodeEntryRejectsDamage(t *testing.T) {
	entry := &Entry{LSN: 1, TxnID: 7, OpType: OpBegin, Timestamp: time.Now()}
	data := entry.Encode()

	if _, err := DecodeEntry(data[:len(data)-2]); err != ErrTruncated {
		t.Errorf("expected ErrTruncated, got %v", err)
	}

	data[10] ^= 0xFF
	if _, err := DecodeEntry(data); err != ErrCorrupted {
		t.Errorf("expected ErrCorrupted, got %v", err)
	}
}

func TestWALAppendRead(t *testing.T) {
	dir := t.TempDir()
	w := openTestWAL(t, dir)

	for i := uint64(1); i <= 10; i++ {
		lsn, err := w.Append(OpBegin, i, nil, nil, false)
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
		if lsn != i {
			t.Errorf("expected LSN %d, got %d", i, lsn)
		}
	}
	if err := w.Fsync(); err != nil {
		t.Fatal(err)
	}
	w.Close()

	files, err := w.findLogFiles()
	if err != nil {
		t.Fatal(err)
	}
	entries, err := ReadAll(files)
	if err != nil {
		t.Fatalf("read all: %v", err)
	}
	if len(entries) != 10 {
		t.Fatalf("expected 10 entries, got %d", len(entries))
	}
	for i, e := range entries {
		if e.TxnID != uint64(i+1) || e.OpType != OpBegin {
			t.Errorf("entry %d: unexpected %s", i, e)
		}
	}
}

func TestWALClosed(t *testing.T) {
	w := openTestWAL(t, t.TempDir())
	w.Close()

	if _, err := w.Append(OpBegin, 1, nil, nil, false); err != ErrLogClosed {
		t.Errorf("expected ErrLogClosed, got %v", err)
	}
	if err := w.Close(); err != nil {
		t.Errorf("second close should be a no-op: %v", err)
	}
}

func TestWALRotationKeepsFilesUntilCheckpoint(t *testing.T) {
	dir := t.TempDir()
	w := &WAL{Path: filepath.Join(dir, "oracle.wal"), MaxFileSize: 256}
	if err := w.Open(); err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	value := make([]byte, 100)
	for i := uint64(1); i <= 20; i++ {
		if _, err := w.Append(OpCommit, i, nil, value, false); err != nil {
			t.Fatal(err)
		}
	}

	files, _ := w.Files()
	if len(files) < 5 {
		t.Fatalf("expected rotation to create several files, got %d", len(files))
	}

	if _, err := w.Checkpoint([]byte("state")); err != nil {
		t.Fatalf("checkpoint: %v", err)
	}

	files, _ = w.Files()
	if len(files) != 1 {
		t.Fatalf("expected only the checkpoint file to remain, got %d", len(files))
	}

	entries, err := ReadAll(files)
	if err != nil {
		t.Fatal(err)
	}
	last := entries[len(entries)-1]
	if last.OpType != OpCheckpoint || string(last.Value) != "state" {
		t.Errorf("expected checkpoint as last entry, got %s", last)
	}
}

func TestWALReopenContinuesLSN(t *testing.T) {
	dir := t.TempDir()
	w := openTestWAL(t, dir)
	for i := uint64(1); i <= 5; i++ {
		w.Append(OpBegin, i, nil, nil, true)
	}
	w.Close()

	w2 := openTestWAL(t, dir)
	defer w2.Close()
	if w2.LastLSN() != 5 {
		t.Fatalf("expected LSN 5 after reopen, got %d", w2.LastLSN())
	}
	lsn, err := w2.Append(OpAbort, 5, nil, nil, true)
	if err != nil {
		t.Fatal(err)
	}
	if lsn != 6 {
		t.Errorf("expected LSN 6, got %d", lsn)
	}
}

func TestWALTornTailIsTruncated(t *testing.T) {
	dir := t.TempDir()
	w := openTestWAL(t, dir)
	for i := uint64(1); i <= 3; i++ {
		w.Append(OpBegin, i, nil, []byte(fmt.Sprintf("payload-%d", i)), true)
	}
	w.Close()

	// Simulate a crash in the middle of the next write
	files, _ := w.findLogFiles()
	fd, err := os.OpenFile(files[0], os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		t.Fatal(err)
	}
	partial := (&Entry{LSN: 4, TxnID: 4, OpType: OpBegin, Timestamp: time.Now()}).Encode()
	fd.Write(partial[:20])
	fd.Close()

	w2 := openTestWAL(t, dir)
	if w2.LastLSN() != 3 {
		t.Fatalf("expected LSN 3, got %d", w2.LastLSN())
	}
	if _, err := w2.Append(OpBegin, 4, nil, nil, true); err != nil {
		t.Fatal(err)
	}
	w2.Close()

	entries, err := ReadAll(files)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 4 {
		t.Fatalf("expected 4 intact entries, got %d", len(entries))
	}
	if entries[3].TxnID != 4 {
		t.Errorf("expected appended entry after truncation, got %s", entries[3])
	}
}

func TestMultipleJournalsSameDirectory(t *testing.T) {
	dir := t.TempDir()

	a := &WAL{Path: filepath.Join(dir, "a.wal")}
	b := &WAL{Path: filepath.Join(dir, "b.wal")}
	if err := a.Open(); err != nil {
		t.Fatal(err)
	}
	if err := b.Open(); err != nil {
		t.Fatal(err)
	}

	a.Append(OpBegin, 1, nil, nil, true)
	b.Append(OpBegin, 2, nil, nil, true)
	b.Append(OpBegin, 3, nil, nil, true)
	a.Close()
	b.Close()

	filesA, _ := a.findLogFiles()
	filesB, _ := b.findLogFiles()
	entriesA, _ := ReadAll(filesA)
	entriesB, _ := ReadAll(filesB)

	if len(entriesA) != 1 || len(entriesB) != 2 {
		t.Errorf("journals leaked into each other: a=%d b=%d", len(entriesA), len(entriesB))
	}
}

func BenchmarkWALAppend(b *testing.B) {
	w := &WAL{Path: filepath.Join(b.TempDir(), "bench.wal")}
	if err := w.Open(); err != nil {
		b.Fatal(err)
	}
	defer w.Close()

	value := make([]byte, 64)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		w.Append(OpCommit, uint64(i), nil, value, false)
	}
}
