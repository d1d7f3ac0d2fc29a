package executor

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nainya/txstore/pkg/operation"
	"github.com/nainya/txstore/pkg/queue"
	"github.com/nainya/txstore/pkg/table"
	"github.com/nainya/txstore/pkg/txn"
)

func testScope(id uint64) *Scope {
	return NewScope(txn.Transaction{ID: id, Pointer: txn.NewReadPointer(id-1, []uint64{id}, id)})
}

func TestEveryKindHasAHandler(t *testing.T) {
	d := NewDispatcher(MemoryTables())
	for _, k := range operation.Kinds() {
		_, ok := d.handlers[k]
		require.True(t, ok, k.String())
	}
}

func TestCheckRejectsMalformedAck(t *testing.T) {
	d := NewDispatcher(MemoryTables())

	err := d.Check(operation.QueueAck("jobs", "g", "c", []byte{1, 2, 3}))
	require.ErrorIs(t, err, operation.ErrInvalidOperation)

	err = d.Check(operation.QueueAck("jobs", "g", "c", queue.NewEntryID(1, 0).Bytes()))
	require.NoError(t, err)
}

func TestApplyReportsUndoAndRows(t *testing.T) {
	tables := MemoryTables()
	d := NewDispatcher(tables)
	s := testScope(3)

	out, err := d.Apply(s, operation.Write(b("r"), b("c"), b("v")))
	require.NoError(t, err)
	require.True(t, out.OK)
	require.Equal(t, []Undo{{Kind: operation.KindWrite, Table: tables.Random, Row: b("r"), Column: b("c"), Version: 3}}, out.Undo)
	require.Equal(t, []txn.RowKey{{Table: TableRandom, Row: b("r")}}, out.Rows)

	out, err = d.Apply(s, operation.OrderedWrite(b("r"), b("c"), b("v")))
	require.NoError(t, err)
	require.Equal(t, TableOrdered, out.Rows[0].Table)
}

func TestPushesOfOneBatchGetDistinctIDs(t *testing.T) {
	d := NewDispatcher(MemoryTables())
	s := testScope(5)

	first, err := d.Apply(s, operation.QueuePush("jobs", b("a")))
	require.NoError(t, err)
	second, err := d.Apply(s, operation.QueuePush("jobs", b("b")))
	require.NoError(t, err)

	require.NotEqual(t, first.Undo[0].Column, second.Undo[0].Column)
	require.Equal(t, queue.NewEntryID(5, 1).Bytes(), second.Undo[0].Column)
	require.Equal(t, []byte("jobs"), first.Rows[0].Row)
}

func TestInverseIsIdempotent(t *testing.T) {
	tables := MemoryTables()
	d := NewDispatcher(tables)
	s := testScope(2)

	out, err := d.Apply(s, operation.Increment(b("r"), b("n"), 7))
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		require.NoError(t, d.Inverse(out.Undo[0]))
	}
	_, found, err := tables.Random.Get(b("r"), b("n"), s.Tx.Pointer)
	require.NoError(t, err)
	require.False(t, found)

	// Never applied at all
	require.NoError(t, d.Inverse(Undo{Kind: operation.KindWrite, Table: tables.Random, Row: b("x"), Column: b("y"), Version: 99}))
}

func TestFailedOperationsWriteNothing(t *testing.T) {
	tables := MemoryTables()
	d := NewDispatcher(tables)
	s := testScope(4)

	out, err := d.Apply(s, operation.CompareAndSwap(b("r"), b("c"), b("expected"), b("new")))
	require.NoError(t, err)
	require.False(t, out.OK)
	require.Empty(t, out.Undo)

	out, err = d.Apply(s, operation.QueuePop("none", "g", "c"))
	require.NoError(t, err)
	require.False(t, out.OK)

	out, err = d.Apply(s, operation.ReadModifyWrite(b("r"), b("c"), func([]byte, bool) ([]byte, error) {
		return nil, table.ErrNotCounter
	}))
	require.NoError(t, err)
	require.False(t, out.OK)
	require.ErrorIs(t, out.Cause, table.ErrNotCounter)

	rows, err := tables.Random.Rows(s.Tx.Pointer, 0, 0)
	require.NoError(t, err)
	require.Empty(t, rows)
}

func TestNilTransformResultDeletes(t *testing.T) {
	tables := MemoryTables()
	d := NewDispatcher(tables)

	require.NoError(t, tables.Random.Put(b("r"), b("c"), 1, b("v")))
	s := testScope(2)
	out, err := d.Apply(s, operation.ReadModifyWrite(b("r"), b("c"), func(cur []byte, found bool) ([]byte, error) {
		require.True(t, found)
		require.Equal(t, "v", string(cur))
		return nil, nil
	}))
	require.NoError(t, err)
	require.True(t, out.OK)

	_, found, err := tables.Random.Get(b("r"), b("c"), s.Tx.Pointer)
	require.NoError(t, err)
	require.False(t, found)
}
