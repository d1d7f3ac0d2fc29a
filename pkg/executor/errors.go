// Package executor runs batches of write operations as optimistic
// transactions: dispatch against versioned tables, commit through the
// oracle, and undo every applied write when the batch does not commit.
package executor

import "github.com/pkg/errors"

var (
	// ErrUnbatchedWrite is returned for any write that bypasses Execute
	ErrUnbatchedWrite = errors.New("executor: writes must be submitted as a batch")

	// ErrEmptyBatch is returned by Execute for a batch with no operations
	ErrEmptyBatch = errors.New("executor: empty batch")

	// ErrUnknownTable is returned by reads naming a table that does not exist
	ErrUnknownTable = errors.New("executor: unknown table")

	// ErrNoHandler is returned for an operation kind without a handler
	ErrNoHandler = errors.New("executor: no handler for operation kind")

	// ErrNotOrdered is returned for a range read on an unordered table
	ErrNotOrdered = errors.New("executor: table is not ordered")
)
