// ABOUTME: Single-instance transaction oracle for optimistic concurrency
// ABOUTME: Allocates ids, issues snapshots and validates commits under one lock

package txn

import (
	"context"
	"sort"
	"sync"

	"github.com/pkg/errors"
)

// State is the durable part of the oracle, written at checkpoints and
// rebuilt by recovery
type State struct {
	Counter      uint64   // Last allocated id
	MaxCommitted uint64   // Highest committed transaction id
	InFlight     []uint64 // Started, unresolved
	Invalid      []uint64 // Resolved without a clean rollback, not yet reclaimed
}

// Stats is a point-in-time view of oracle bookkeeping
type Stats struct {
	Counter       uint64
	MaxCommitted  uint64
	Watermark     uint64
	InFlight      int
	AbortPending  int
	Invalid       int
	CommitRecords int
}

// Oracle is the only shared mutable state of the system. Snapshot
// computation, id allocation, the conflict scan and record insertion all
// happen inside mu.
type Oracle struct {
	mu sync.Mutex

	counter      uint64
	maxCommitted uint64

	inProgress map[uint64]struct{}
	aborted    map[uint64]struct{} // clean aborts still excluded
	invalid    map[uint64]struct{}

	conflicts ConflictIndex
	journal   Journal
	closed    bool
}

// Option configures an Oracle
type Option func(*Oracle)

// WithJournal makes the oracle log every state transition
func WithJournal(j Journal) Option {
	return func(o *Oracle) { o.journal = j }
}

// WithConflictIndex replaces the in-memory commit record index
func WithConflictIndex(c ConflictIndex) Option {
	return func(o *Oracle) { o.conflicts = c }
}

// WithState seeds the oracle from recovered state. Transactions that were
// in flight become invalid: their writes may still be in the tables.
func WithState(s State) Option {
	return func(o *Oracle) {
		o.counter = s.Counter
		o.maxCommitted = s.MaxCommitted
		for _, id := range s.InFlight {
			o.invalid[id] = struct{}{}
		}
		for _, id := range s.Invalid {
			o.invalid[id] = struct{}{}
		}
	}
}

// NewOracle creates an oracle. Without options it is purely in-memory.
func NewOracle(opts ...Option) *Oracle {
	o := &Oracle{
		inProgress: make(map[uint64]struct{}),
		aborted:    make(map[uint64]struct{}),
		invalid:    make(map[uint64]struct{}),
		conflicts:  NewMemoryConflictIndex(),
		journal:    NopJournal{},
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// StartTransaction allocates a new id and the snapshot it reads from
func (o *Oracle) StartTransaction(ctx context.Context) (Transaction, error) {
	if err := ctx.Err(); err != nil {
		return Transaction{}, err
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return Transaction{}, ErrOracleClosed
	}

	id := o.counter + 1
	if err := o.journal.Begin(id); err != nil {
		return Transaction{}, errors.Wrap(err, "journal begin")
	}
	o.counter = id

	rp := NewReadPointer(o.maxCommitted, o.excludedLocked(), id)
	o.inProgress[id] = struct{}{}

	return Transaction{ID: id, Pointer: rp}, nil
}

// Commit validates tx against every transaction that committed after its
// snapshot. A false result leaves shared state untouched; the caller must
// roll back and Abort.
func (o *Oracle) Commit(ctx context.Context, tx Transaction, rows *RowSet) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if rows == nil {
		rows = NewRowSet()
	}
	rows.Seal()

	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return false, ErrOracleClosed
	}
	if _, ok := o.inProgress[tx.ID]; !ok {
		return false, ErrTransactionNotInProgress
	}

	if _, conflict := o.conflicts.QueryConflicts(tx.StartPoint(), rows); conflict {
		return false, nil
	}

	commitID := o.counter + 1
	if err := o.journal.Commit(tx.ID, commitID, rows); err != nil {
		return false, errors.Wrap(err, "journal commit")
	}
	o.counter = commitID

	if rows.Len() > 0 {
		o.conflicts.RecordCommit(CommitRecord{TxID: tx.ID, CommitID: commitID, Rows: rows})
	}
	delete(o.inProgress, tx.ID)
	if tx.ID > o.maxCommitted {
		o.maxCommitted = tx.ID
	}
	o.pruneLocked()

	return true, nil
}

// Abort resolves tx without committing. The caller asserts that every
// version tx wrote has been removed; use Invalidate otherwise.
func (o *Oracle) Abort(ctx context.Context, tx Transaction) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return ErrOracleClosed
	}
	if _, ok := o.inProgress[tx.ID]; !ok {
		return nil
	}
	if err := o.journal.Abort(tx.ID); err != nil {
		return errors.Wrap(err, "journal abort")
	}

	delete(o.inProgress, tx.ID)
	o.aborted[tx.ID] = struct{}{}
	o.pruneLocked()
	return nil
}

// Invalidate resolves txID without committing while its versions may still
// exist. The id stays excluded from every snapshot until reclaimed.
func (o *Oracle) Invalidate(ctx context.Context, txID uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return ErrOracleClosed
	}
	if txID == 0 || txID > o.counter {
		return ErrUnknownTransaction
	}
	if _, ok := o.invalid[txID]; ok {
		return nil
	}
	// Committed ids and aborts already pruned from the excluded set must
	// stay visible or absent as they are
	_, running := o.inProgress[txID]
	_, aborted := o.aborted[txID]
	if !running && !aborted {
		return errors.Wrapf(ErrTransactionNotInProgress, "invalidate %d", txID)
	}
	if err := o.journal.Invalidate(txID); err != nil {
		return errors.Wrap(err, "journal invalidate")
	}

	delete(o.inProgress, txID)
	delete(o.aborted, txID)
	o.invalid[txID] = struct{}{}
	o.pruneLocked()
	return nil
}

// Reclaim forgets invalid ids whose versions have been purged
func (o *Oracle) Reclaim(ctx context.Context, ids []uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return ErrOracleClosed
	}

	known := make([]uint64, 0, len(ids))
	for _, id := range ids {
		if _, ok := o.invalid[id]; ok {
			known = append(known, id)
		}
	}
	if len(known) == 0 {
		return nil
	}
	if err := o.journal.Reclaim(known); err != nil {
		return errors.Wrap(err, "journal reclaim")
	}
	for _, id := range known {
		delete(o.invalid, id)
	}
	return nil
}

// LatestReadPointer returns a read-only snapshot of the committed state
// without allocating an id
func (o *Oracle) LatestReadPointer() ReadPointer {
	o.mu.Lock()
	defer o.mu.Unlock()
	return NewReadPointer(o.maxCommitted, o.excludedLocked(), 0)
}

// Invalid returns the invalid ids in ascending order
func (o *Oracle) Invalid() []uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return sortedKeys(o.invalid)
}

// Stats returns bookkeeping counters
func (o *Oracle) Stats() Stats {
	o.mu.Lock()
	defer o.mu.Unlock()
	return Stats{
		Counter:       o.counter,
		MaxCommitted:  o.maxCommitted,
		Watermark:     o.watermarkLocked(),
		InFlight:      len(o.inProgress),
		AbortPending:  len(o.aborted),
		Invalid:       len(o.invalid),
		CommitRecords: o.conflicts.Len(),
	}
}

// State snapshots the durable state
func (o *Oracle) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.stateLocked()
}

// Checkpoint writes the current state to the journal atomically with
// respect to every other oracle operation
func (o *Oracle) Checkpoint(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return ErrOracleClosed
	}
	return errors.Wrap(o.journal.Checkpoint(o.stateLocked()), "journal checkpoint")
}

// Close closes the journal; later calls fail with ErrOracleClosed
func (o *Oracle) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return nil
	}
	o.closed = true
	return o.journal.Close()
}

func (o *Oracle) stateLocked() State {
	return State{
		Counter:      o.counter,
		MaxCommitted: o.maxCommitted,
		InFlight:     sortedKeys(o.inProgress),
		Invalid:      sortedKeys(o.invalid),
	}
}

// excludedLocked is every id a new snapshot must not observe
func (o *Oracle) excludedLocked() []uint64 {
	out := make([]uint64, 0, len(o.inProgress)+len(o.aborted)+len(o.invalid))
	for id := range o.inProgress {
		out = append(out, id)
	}
	for id := range o.aborted {
		out = append(out, id)
	}
	for id := range o.invalid {
		out = append(out, id)
	}
	return out
}

// watermarkLocked is the smallest in-flight id, or the next id when idle.
// No in-flight transaction can need a record committed below it.
func (o *Oracle) watermarkLocked() uint64 {
	min := o.counter + 1
	for id := range o.inProgress {
		if id < min {
			min = id
		}
	}
	return min
}

func (o *Oracle) pruneLocked() {
	watermark := o.watermarkLocked()
	o.conflicts.Prune(watermark)

	// An aborted id leaves the excluded set once every transaction that
	// started before it has resolved
	for id := range o.aborted {
		if id < watermark {
			delete(o.aborted, id)
		}
	}
}

func sortedKeys(m map[uint64]struct{}) []uint64 {
	out := make([]uint64, 0, len(m))
	for id := range m {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
