// ABOUTME: Maps each operation kind to its check, apply and inverse
// ABOUTME: Apply reports the versions it wrote so the executor can undo them

package executor

import (
	"github.com/pkg/errors"

	"github.com/nainya/txstore/pkg/operation"
	"github.com/nainya/txstore/pkg/queue"
	"github.com/nainya/txstore/pkg/table"
	"github.com/nainya/txstore/pkg/txn"
)

// Undo names one version written by a transaction
type Undo struct {
	Kind    operation.Kind
	Table   table.Table
	Row     []byte
	Column  []byte
	Version uint64
}

// Outcome is the result of applying one operation
type Outcome struct {
	OK bool

	// Undo lists versions that may have been written, including by a write
	// that returned an error
	Undo []Undo

	// Rows are the rows to add to the transaction's row set
	Rows []txn.RowKey

	// Popped is set by a successful pop
	Popped *queue.Entry

	// Cause explains a failed operation when there is more to say
	Cause error
}

// Scope is the per-batch state handlers share
type Scope struct {
	Tx     txn.Transaction
	pushes uint32
}

// NewScope starts a scope for tx
func NewScope(tx txn.Transaction) *Scope {
	return &Scope{Tx: tx}
}

type handler struct {
	check   func(op operation.WriteOperation) error
	apply   func(s *Scope, op operation.WriteOperation) (Outcome, error)
	inverse func(u Undo) error
}

// Dispatcher routes operations to tables
type Dispatcher struct {
	tables   Tables
	queue    *queue.Queue
	handlers map[operation.Kind]handler
}

// NewDispatcher builds the handler table over tables
func NewDispatcher(tables Tables) *Dispatcher {
	d := &Dispatcher{
		tables: tables,
		queue:  queue.New(tables.Queues),
	}
	d.handlers = map[operation.Kind]handler{
		operation.KindWrite:           {check: noCheck, apply: d.write(tables.Random), inverse: deleteVersion},
		operation.KindOrderedWrite:    {check: noCheck, apply: d.write(tables.Ordered), inverse: deleteVersion},
		operation.KindReadModifyWrite: {check: noCheck, apply: d.readModifyWrite, inverse: deleteVersion},
		operation.KindIncrement:       {check: noCheck, apply: d.increment, inverse: deleteVersion},
		operation.KindCompareAndSwap:  {check: noCheck, apply: d.compareAndSwap, inverse: deleteVersion},
		operation.KindQueuePush:       {check: noCheck, apply: d.push, inverse: deleteVersion},
		operation.KindQueuePop:        {check: noCheck, apply: d.pop, inverse: deleteVersion},
		operation.KindQueueAck:        {check: checkEntryID, apply: d.ack, inverse: deleteVersion},
	}
	return d
}

// Check validates op before any transaction is started
func (d *Dispatcher) Check(op operation.WriteOperation) error {
	h, ok := d.handlers[op.Kind]
	if !ok {
		return errors.Wrapf(ErrNoHandler, "%s", op.Kind)
	}
	if err := op.Validate(); err != nil {
		return err
	}
	return h.check(op)
}

// Apply executes op under the scope's transaction
func (d *Dispatcher) Apply(s *Scope, op operation.WriteOperation) (Outcome, error) {
	h, ok := d.handlers[op.Kind]
	if !ok {
		return Outcome{}, errors.Wrapf(ErrNoHandler, "%s", op.Kind)
	}
	return h.apply(s, op)
}

// Inverse undoes one write. Undoing a version that is absent succeeds.
func (d *Dispatcher) Inverse(u Undo) error {
	h, ok := d.handlers[u.Kind]
	if !ok {
		return errors.Wrapf(ErrNoHandler, "%s", u.Kind)
	}
	return h.inverse(u)
}

func noCheck(operation.WriteOperation) error { return nil }

func checkEntryID(op operation.WriteOperation) error {
	if _, err := queue.ParseEntryID(op.EntryID); err != nil {
		return errors.Wrap(operation.ErrInvalidOperation, err.Error())
	}
	return nil
}

func deleteVersion(u Undo) error {
	return u.Table.DeleteVersion(u.Row, u.Column, u.Version)
}

// written describes a cell write by s's transaction
func written(t table.Table, s *Scope, kind operation.Kind, row, column []byte) Outcome {
	return Outcome{
		OK:   true,
		Undo: []Undo{{Kind: kind, Table: t, Row: row, Column: column, Version: s.Tx.ID}},
		Rows: []txn.RowKey{{Table: t.Name(), Row: row}},
	}
}

// failed turns errors the operation itself caused into operation failures
// and leaves the rest as storage errors
func failed(out Outcome, err error) (Outcome, error) {
	out.OK = false
	if errors.Is(err, table.ErrNotCounter) || errors.Is(err, table.ErrCellTooLarge) {
		out.Cause = err
		return out, nil
	}
	return out, err
}

func (d *Dispatcher) write(t table.Table) func(*Scope, operation.WriteOperation) (Outcome, error) {
	return func(s *Scope, op operation.WriteOperation) (Outcome, error) {
		out := written(t, s, op.Kind, op.Row, op.Column)
		var err error
		if op.Value == nil {
			err = t.Delete(op.Row, op.Column, s.Tx.ID)
		} else {
			err = t.Put(op.Row, op.Column, s.Tx.ID, op.Value)
		}
		if err != nil {
			return failed(out, err)
		}
		return out, nil
	}
}

func (d *Dispatcher) readModifyWrite(s *Scope, op operation.WriteOperation) (Outcome, error) {
	fn, err := op.ResolveTransform()
	if err != nil {
		return Outcome{Cause: err}, nil
	}
	t := d.tables.Random
	cur, found, err := t.Get(op.Row, op.Column, s.Tx.Pointer)
	if err != nil {
		return Outcome{}, err
	}
	next, err := fn(cur, found)
	if err != nil {
		return Outcome{Cause: err}, nil
	}

	out := written(t, s, op.Kind, op.Row, op.Column)
	if next == nil {
		err = t.Delete(op.Row, op.Column, s.Tx.ID)
	} else {
		err = t.Put(op.Row, op.Column, s.Tx.ID, next)
	}
	if err != nil {
		return failed(out, err)
	}
	return out, nil
}

func (d *Dispatcher) increment(s *Scope, op operation.WriteOperation) (Outcome, error) {
	t := d.tables.Random
	out := written(t, s, op.Kind, op.Row, op.Column)
	if _, _, err := t.Increment(op.Row, op.Column, s.Tx.ID, s.Tx.Pointer, op.Delta); err != nil {
		return failed(out, err)
	}
	return out, nil
}

func (d *Dispatcher) compareAndSwap(s *Scope, op operation.WriteOperation) (Outcome, error) {
	t := d.tables.Random
	out := written(t, s, op.Kind, op.Row, op.Column)
	ok, err := t.CompareAndSwap(op.Row, op.Column, s.Tx.ID, s.Tx.Pointer, op.Expected, op.Value)
	if err != nil {
		return failed(out, err)
	}
	if !ok {
		return Outcome{}, nil
	}
	return out, nil
}

func (d *Dispatcher) push(s *Scope, op operation.WriteOperation) (Outcome, error) {
	seq := s.pushes
	s.pushes++
	id := queue.NewEntryID(s.Tx.ID, seq)
	out := written(d.tables.Queues, s, op.Kind, queue.EntryRow(op.Queue), id.Bytes())
	if _, err := d.queue.Push(op.Queue, s.Tx.ID, seq, op.Value); err != nil {
		return failed(out, err)
	}
	return out, nil
}

func (d *Dispatcher) pop(s *Scope, op operation.WriteOperation) (Outcome, error) {
	entry, ok, err := d.queue.Pop(op.Queue, op.Group, op.Consumer, s.Tx.ID, s.Tx.Pointer)
	if err != nil {
		return failed(Outcome{}, err)
	}
	if !ok {
		return Outcome{}, nil
	}
	out := written(d.tables.Queues, s, op.Kind, queue.ClaimRow(op.Queue, op.Group), entry.ID.Bytes())
	out.Popped = &entry
	return out, nil
}

func (d *Dispatcher) ack(s *Scope, op operation.WriteOperation) (Outcome, error) {
	id, err := queue.ParseEntryID(op.EntryID)
	if err != nil {
		return Outcome{Cause: err}, nil
	}
	out := written(d.tables.Queues, s, op.Kind, queue.ClaimRow(op.Queue, op.Group), id.Bytes())
	ok, err := d.queue.Ack(op.Queue, op.Group, op.Consumer, id, s.Tx.ID, s.Tx.Pointer)
	if err != nil {
		return failed(out, err)
	}
	if !ok {
		return Outcome{}, nil
	}
	return out, nil
}
