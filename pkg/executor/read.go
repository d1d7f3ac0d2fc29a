// ABOUTME: Read entry points over the three tables at a snapshot
// ABOUTME: Caller snapshots are normalized against the oracle before use

package executor

import (
	"context"

	"github.com/pkg/errors"

	"github.com/nainya/txstore/pkg/queue"
	"github.com/nainya/txstore/pkg/table"
	"github.com/nainya/txstore/pkg/txn"
)

// ReadRequest selects visible cells of one row
type ReadRequest struct {
	Table       string
	Row         []byte
	StartColumn []byte // inclusive, nil for the first column
	EndColumn   []byte // exclusive, nil for no bound
	Limit       int

	// Pointer reads at a snapshot; nil reads the latest committed state
	Pointer *txn.ReadPointer
}

// Snapshot returns the latest committed snapshot
func (e *Executor) Snapshot() txn.ReadPointer {
	return e.oracle.LatestReadPointer()
}

// pointer turns a caller's snapshot into one that cannot see uncommitted
// versions: it is capped at the latest committed id, drops own-write
// visibility, and excludes every id the oracle still considers unresolved.
// Ids excluded by the caller stay excluded, so the snapshot only shrinks.
func (e *Executor) pointer(rp *txn.ReadPointer) txn.ReadPointer {
	latest := e.oracle.LatestReadPointer()
	if rp == nil {
		return latest
	}
	maxVersion := min(rp.MaxVersion, latest.MaxVersion)
	excluded := make([]uint64, 0, len(rp.Excluded)+len(latest.Excluded))
	excluded = append(excluded, rp.Excluded...)
	excluded = append(excluded, latest.Excluded...)
	return txn.NewReadPointer(maxVersion, excluded, 0)
}

// Read returns the visible cells of a row, columns ascending
func (e *Executor) Read(ctx context.Context, req ReadRequest) ([]table.Cell, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t, err := e.tables.Lookup(req.Table)
	if err != nil {
		return nil, err
	}
	return t.GetRow(req.Row, req.StartColumn, req.EndColumn, e.pointer(req.Pointer), req.Limit)
}

// ReadCounter decodes a counter cell; absent reads as zero
func (e *Executor) ReadCounter(ctx context.Context, tableName string, row, column []byte, rp *txn.ReadPointer) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	t, err := e.tables.Lookup(tableName)
	if err != nil {
		return 0, err
	}
	raw, found, err := t.Get(row, column, e.pointer(rp))
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, nil
	}
	return table.DecodeCounter(raw)
}

// OrderedRead returns visible cells of rows in [startRow, endRow) of the
// ordered table
func (e *Executor) OrderedRead(ctx context.Context, startRow, endRow []byte, rp *txn.ReadPointer, limit int) ([]table.Cell, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return e.tables.Ordered.ScanRows(startRow, endRow, e.pointer(rp), limit)
}

// ScanRows is OrderedRead on any ordered table
func (e *Executor) ScanRows(ctx context.Context, tableName string, startRow, endRow []byte, rp *txn.ReadPointer, limit int) ([]table.Cell, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t, err := e.tables.Lookup(tableName)
	if err != nil {
		return nil, err
	}
	ot, ok := t.(table.OrderedTable)
	if !ok {
		return nil, errors.Wrapf(ErrNotOrdered, "%q", tableName)
	}
	return ot.ScanRows(startRow, endRow, e.pointer(rp), limit)
}

// ReadAllKeys pages through the rows of a table in ascending order
func (e *Executor) ReadAllKeys(ctx context.Context, tableName string, offset, limit int) ([][]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t, err := e.tables.Lookup(tableName)
	if err != nil {
		return nil, err
	}
	return t.Rows(e.oracle.LatestReadPointer(), offset, limit)
}

// Pending lists the committed entries of a queue the group has not acked
func (e *Executor) Pending(ctx context.Context, name, group string, limit int) ([]queue.Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return e.dispatcher.queue.Pending(name, group, e.oracle.LatestReadPointer(), limit)
}
