// Package txn implements the transaction oracle: id allocation, snapshot
// read pointers and commit-time write-write conflict detection.
package txn

import "github.com/pkg/errors"

var (
	// ErrTransactionNotInProgress is returned when committing an id that is
	// unknown to the oracle or already resolved
	ErrTransactionNotInProgress = errors.New("txn: transaction not in progress")

	// ErrUnknownTransaction is returned for ids the oracle never allocated
	ErrUnknownTransaction = errors.New("txn: unknown transaction")

	// ErrOracleClosed indicates an operation on a closed oracle
	ErrOracleClosed = errors.New("txn: oracle closed")

	// ErrCorruptState indicates an undecodable checkpoint or journal payload
	ErrCorruptState = errors.New("txn: corrupt oracle state")
)
