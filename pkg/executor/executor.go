// ABOUTME: Batch state machine: start, dispatch, commit or roll back
// ABOUTME: Rollback failures leave the transaction invalid for the sweeper

package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/nainya/txstore/pkg/operation"
	"github.com/nainya/txstore/pkg/queue"
	"github.com/nainya/txstore/pkg/txn"
)

//go:generate mockgen -destination=mock_oracle_test.go -package=executor github.com/nainya/txstore/pkg/executor Oracle

// Oracle is the part of txn.Oracle the executor and sweeper use
type Oracle interface {
	StartTransaction(ctx context.Context) (txn.Transaction, error)
	Commit(ctx context.Context, tx txn.Transaction, rows *txn.RowSet) (bool, error)
	Abort(ctx context.Context, tx txn.Transaction) error
	Invalidate(ctx context.Context, txID uint64) error
	Reclaim(ctx context.Context, ids []uint64) error
	LatestReadPointer() txn.ReadPointer
	Invalid() []uint64
}

var _ Oracle = (*txn.Oracle)(nil)

// State is a batch's position in its lifecycle
type State int

const (
	StateStarted State = iota
	StateDispatching
	StateCommitting
	StateCommitted
	StateAborting
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateStarted:
		return "started"
	case StateDispatching:
		return "dispatching"
	case StateCommitting:
		return "committing"
	case StateCommitted:
		return "committed"
	case StateAborting:
		return "aborting"
	case StateAborted:
		return "aborted"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Reason says why a batch did not commit
type Reason string

const (
	ReasonNone            Reason = ""
	ReasonOperationFailed Reason = "operation_failed"
	ReasonConflict        Reason = "conflict"
	ReasonStorageError    Reason = "storage_error"
	ReasonCancelled       Reason = "cancelled"
)

// Result is the terminal outcome of a batch
type Result struct {
	Committed bool
	TxID      uint64
	State     State

	// FailedIndex is the first failing operation, or -1
	FailedIndex int
	Reason      Reason
	Err         error

	// Popped holds the entries claimed by pops, keyed by operation index
	Popped map[int]queue.Entry

	// Orphans counts versions the rollback could not remove
	Orphans int
}

func (r *Result) fail(index int, reason Reason, err error) {
	r.FailedIndex = index
	r.Reason = reason
	r.Err = err
}

// Observer receives executor events; internal/metrics implements it
type Observer interface {
	BatchFinished(res *Result, elapsed time.Duration)
	OperationApplied(kind operation.Kind, ok bool)
	RollbackFailed(table string)
	VersionsPurged(table string, n int)
}

type nopObserver struct{}

func (nopObserver) BatchFinished(*Result, time.Duration)  {}
func (nopObserver) OperationApplied(operation.Kind, bool) {}
func (nopObserver) RollbackFailed(string)                 {}
func (nopObserver) VersionsPurged(string, int)            {}

// Option configures an Executor
type Option func(*Executor)

// WithLogger sets the logger
func WithLogger(l zerolog.Logger) Option {
	return func(e *Executor) { e.log = l }
}

// WithObserver sets the event observer
func WithObserver(o Observer) Option {
	return func(e *Executor) { e.observer = o }
}

// Executor applies batches. It is safe for concurrent use; each batch runs
// on the caller's goroutine.
type Executor struct {
	oracle     Oracle
	tables     Tables
	dispatcher *Dispatcher
	log        zerolog.Logger
	observer   Observer
}

// New creates an executor over oracle and tables
func New(oracle Oracle, tables Tables, opts ...Option) (*Executor, error) {
	if err := tables.validate(); err != nil {
		return nil, err
	}
	e := &Executor{
		oracle:     oracle,
		tables:     tables,
		dispatcher: NewDispatcher(tables),
		log:        zerolog.Nop(),
		observer:   nopObserver{},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Tables returns the tables batches write to
func (e *Executor) Tables() Tables {
	return e.tables
}

// Apply rejects a write submitted outside a batch. Even a single write must
// go through Execute so that it is validated at commit.
func (e *Executor) Apply(_ context.Context, op operation.WriteOperation) error {
	return errors.Wrapf(ErrUnbatchedWrite, "%s", op.Kind)
}

// Execute runs ops as one transaction. Invalid batches return an error
// before a transaction is started; once started, every outcome is a Result.
func (e *Executor) Execute(ctx context.Context, ops []operation.WriteOperation) (*Result, error) {
	if len(ops) == 0 {
		return nil, ErrEmptyBatch
	}
	for i, op := range ops {
		if err := e.dispatcher.Check(op); err != nil {
			return nil, errors.Wrapf(err, "operation %d", i)
		}
	}

	started := time.Now()
	tx, err := e.oracle.StartTransaction(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "start transaction")
	}

	res := &Result{TxID: tx.ID, State: StateStarted, FailedIndex: -1}
	scope := NewScope(tx)
	rows := txn.NewRowSet()
	var undo []Undo

	res.State = StateDispatching
	for i, op := range ops {
		if err := ctx.Err(); err != nil {
			res.fail(i, ReasonCancelled, err)
			break
		}
		out, err := e.dispatcher.Apply(scope, op)
		undo = append(undo, out.Undo...)
		e.observer.OperationApplied(op.Kind, err == nil && out.OK)
		if err != nil {
			res.fail(i, ReasonStorageError, err)
			break
		}
		if !out.OK {
			res.fail(i, ReasonOperationFailed, out.Cause)
			break
		}
		for _, r := range out.Rows {
			rows.Add(r.Table, r.Row)
		}
		if out.Popped != nil {
			if res.Popped == nil {
				res.Popped = make(map[int]queue.Entry)
			}
			res.Popped[i] = *out.Popped
		}
	}

	resolved := false
	if res.Reason == ReasonNone {
		res.State = StateCommitting
		ok, err := e.oracle.Commit(ctx, tx, rows)
		switch {
		case err != nil && ctx.Err() != nil:
			res.fail(-1, ReasonCancelled, err)
		case err != nil:
			res.fail(-1, ReasonStorageError, err)
			// The oracle no longer tracks tx; only Invalidate keeps its
			// versions hidden
			resolved = errors.Is(err, txn.ErrTransactionNotInProgress)
		case !ok:
			res.fail(-1, ReasonConflict, nil)
		default:
			res.Committed = true
			res.State = StateCommitted
		}
	}

	if !res.Committed {
		res.Popped = nil
		e.abort(ctx, tx, undo, res, resolved)
	}

	e.observer.BatchFinished(res, time.Since(started))
	e.log.Debug().
		Uint64("tx_id", res.TxID).
		Int("operations", len(ops)).
		Bool("committed", res.Committed).
		Str("reason", string(res.Reason)).
		Int("failed_index", res.FailedIndex).
		Dur("duration", time.Since(started)).
		Msg("batch finished")

	return res, nil
}

// abort undoes every applied write in reverse order, then resolves tx
func (e *Executor) abort(ctx context.Context, tx txn.Transaction, undo []Undo, res *Result, resolved bool) {
	res.State = StateAborting
	ctx = context.WithoutCancel(ctx)

	for i := len(undo) - 1; i >= 0; i-- {
		u := undo[i]
		if err := e.dispatcher.Inverse(u); err != nil {
			res.Orphans++
			e.observer.RollbackFailed(u.Table.Name())
			e.log.Error().
				Err(err).
				Uint64("tx_id", tx.ID).
				Str("table", u.Table.Name()).
				Hex("row", u.Row).
				Hex("column", u.Column).
				Uint64("version", u.Version).
				Msg("rollback failed, version left for the sweeper")
		}
	}

	var err error
	if res.Orphans > 0 || resolved {
		err = e.oracle.Invalidate(ctx, tx.ID)
	} else {
		err = e.oracle.Abort(ctx, tx)
	}
	if err != nil {
		e.log.Error().Err(err).Uint64("tx_id", tx.ID).Msg("resolve aborted transaction")
	}
	res.State = StateAborted
}

// ExecuteWithRetry reruns the whole batch with a fresh transaction while it
// loses commit conflicts, up to attempts times
func (e *Executor) ExecuteWithRetry(ctx context.Context, ops []operation.WriteOperation, attempts int) (*Result, error) {
	if attempts < 1 {
		attempts = 1
	}
	var (
		res *Result
		err error
	)
	for i := 0; i < attempts; i++ {
		res, err = e.Execute(ctx, ops)
		if err != nil || res.Reason != ReasonConflict {
			return res, err
		}
		e.log.Debug().Uint64("tx_id", res.TxID).Int("attempt", i+1).Msg("batch conflicted, retrying")
	}
	return res, nil
}
