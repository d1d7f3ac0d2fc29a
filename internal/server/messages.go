package server

import (
	"sort"

	"github.com/nainya/txstore/pkg/executor"
	"github.com/nainya/txstore/pkg/operation"
	"github.com/nainya/txstore/pkg/queue"
	"github.com/nainya/txstore/pkg/table"
	"github.com/nainya/txstore/pkg/txn"
)

// ========== Batches ==========

type ExecuteRequest struct {
	Operations []operation.WriteOperation `json:"operations"`
	// RetryAttempts reruns the batch on commit conflicts; 0 runs it once
	RetryAttempts int `json:"retry_attempts,omitempty"`
}

type ExecuteResponse struct {
	Committed   bool           `json:"committed"`
	TxID        uint64         `json:"tx_id"`
	State       string         `json:"state"`
	FailedIndex int            `json:"failed_index"`
	Reason      string         `json:"reason,omitempty"`
	Error       string         `json:"error,omitempty"`
	Orphans     int            `json:"orphans,omitempty"`
	Popped      []EntryMessage `json:"popped,omitempty"`
}

// WriteRequest is a single unbatched write; the service always rejects it
type WriteRequest struct {
	Operation operation.WriteOperation `json:"operation"`
}

type WriteResponse struct{}

type EntryMessage struct {
	Index int    `json:"index,omitempty"`
	Queue string `json:"queue"`
	ID    string `json:"id"`
	Data  []byte `json:"data"`
}

// ========== Reads ==========

type CellMessage struct {
	Row     []byte `json:"row"`
	Column  []byte `json:"column"`
	Version uint64 `json:"version"`
	Value   []byte `json:"value"`
}

type ReadRequest struct {
	Table       string           `json:"table"`
	Row         []byte           `json:"row"`
	StartColumn []byte           `json:"start_column,omitempty"`
	EndColumn   []byte           `json:"end_column,omitempty"`
	Limit       int              `json:"limit,omitempty"`
	Pointer     *txn.ReadPointer `json:"pointer,omitempty"`
}

type ReadResponse struct {
	Cells []CellMessage `json:"cells"`
}

type ReadCounterRequest struct {
	Table   string           `json:"table"`
	Row     []byte           `json:"row"`
	Column  []byte           `json:"column"`
	Pointer *txn.ReadPointer `json:"pointer,omitempty"`
}

type ReadCounterResponse struct {
	Value int64 `json:"value"`
}

type OrderedReadRequest struct {
	StartRow []byte           `json:"start_row,omitempty"`
	EndRow   []byte           `json:"end_row,omitempty"`
	Limit    int              `json:"limit,omitempty"`
	Pointer  *txn.ReadPointer `json:"pointer,omitempty"`
}

type ReadAllKeysRequest struct {
	Table  string `json:"table"`
	Offset int    `json:"offset,omitempty"`
	Limit  int    `json:"limit,omitempty"`
}

type ReadAllKeysResponse struct {
	Keys [][]byte `json:"keys"`
}

type PendingRequest struct {
	Queue string `json:"queue"`
	Group string `json:"group"`
	Limit int    `json:"limit,omitempty"`
}

type PendingResponse struct {
	Entries []EntryMessage `json:"entries"`
}

// ========== Status ==========

type SnapshotRequest struct{}

type SnapshotResponse struct {
	Pointer txn.ReadPointer `json:"pointer"`
}

type StatsRequest struct{}

type StatsResponse struct {
	Counter         uint64           `json:"counter"`
	MaxCommitted    uint64           `json:"max_committed"`
	Watermark       uint64           `json:"watermark"`
	InFlight        int              `json:"in_flight"`
	AbortPending    int              `json:"abort_pending"`
	Invalid         int              `json:"invalid"`
	CommitRecords   int              `json:"commit_records"`
	StorePages      uint64           `json:"store_pages,omitempty"`
	StoreFreePages  int              `json:"store_free_pages,omitempty"`
	UptimeSeconds   int64            `json:"uptime_seconds"`
	OperationCounts map[string]int64 `json:"operation_counts"`
}

type SweepRequest struct{}

type SweepResponse struct {
	Purged    int      `json:"purged"`
	Reclaimed []uint64 `json:"reclaimed"`
}

func toExecuteResponse(res *executor.Result) *ExecuteResponse {
	out := &ExecuteResponse{
		Committed:   res.Committed,
		TxID:        res.TxID,
		State:       res.State.String(),
		FailedIndex: res.FailedIndex,
		Reason:      string(res.Reason),
		Orphans:     res.Orphans,
	}
	if res.Err != nil {
		out.Error = res.Err.Error()
	}
	for idx, e := range res.Popped {
		msg := toEntryMessage(e)
		msg.Index = idx
		out.Popped = append(out.Popped, msg)
	}
	sort.Slice(out.Popped, func(i, j int) bool { return out.Popped[i].Index < out.Popped[j].Index })
	return out
}

func toEntryMessage(e queue.Entry) EntryMessage {
	return EntryMessage{Queue: e.Queue, ID: e.ID.String(), Data: e.Data}
}

func toCellMessages(cells []table.Cell) []CellMessage {
	out := make([]CellMessage, len(cells))
	for i, c := range cells {
		out[i] = CellMessage{Row: c.Row, Column: c.Column, Version: c.Version, Value: c.Value}
	}
	return out
}
