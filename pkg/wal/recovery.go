package wal

import (
	"fmt"
	"os"
)

// ReplayFunc is called for the last checkpoint and every entry after it
type ReplayFunc func(entry *Entry) error

// Recovery replays a WAL from its last checkpoint
type Recovery struct {
	wal *WAL
}

// NewRecovery creates a recovery manager
func NewRecovery(wal *WAL) *Recovery {
	return &Recovery{wal: wal}
}

// RecoveryStats summarizes a replay
type RecoveryStats struct {
	TotalEntries      int
	ReplayedEntries   int
	LastCheckpointLSN uint64
	LastLSN           uint64
	Transactions      int // Distinct transaction ids seen after the checkpoint
}

// Recover replays the log: the last checkpoint entry first (if any), then
// every later entry in LSN order
func (r *Recovery) Recover(replay ReplayFunc) (*RecoveryStats, error) {
	stats := &RecoveryStats{}

	files, err := r.wal.findLogFiles()
	if err != nil {
		if os.IsNotExist(err) {
			return stats, nil
		}
		return nil, err
	}

	entries, err := ReadAll(files)
	if err != nil {
		return nil, fmt.Errorf("failed to read WAL entries: %w", err)
	}
	stats.TotalEntries = len(entries)

	start := 0
	if idx := findLastCheckpoint(entries); idx >= 0 {
		start = idx
		stats.LastCheckpointLSN = entries[idx].LSN
	}

	txns := make(map[uint64]struct{})
	for _, entry := range entries[start:] {
		if err := replay(entry); err != nil {
			return stats, fmt.Errorf("replay failed at LSN %d: %w", entry.LSN, err)
		}
		stats.ReplayedEntries++
		stats.LastLSN = entry.LSN
		if entry.TxnID != 0 {
			txns[entry.TxnID] = struct{}{}
		}
	}
	stats.Transactions = len(txns)

	return stats, nil
}

// findLastCheckpoint returns the index of the last checkpoint entry or -1
func findLastCheckpoint(entries []*Entry) int {
	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i].OpType == OpCheckpoint {
			return i
		}
	}
	return -1
}
