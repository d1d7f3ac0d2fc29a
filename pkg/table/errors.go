// Package table implements multi-version cell tables. Every write is
// stamped with the writing transaction's id and every read filters
// versions through a txn.ReadPointer.
package table

import "github.com/pkg/errors"

var (
	// ErrNotCounter is returned when incrementing a cell that does not
	// hold an 8-byte big-endian integer
	ErrNotCounter = errors.New("table: value is not a counter")

	// ErrCellTooLarge is returned when a cell does not fit the storage
	// engine's key or value limits
	ErrCellTooLarge = errors.New("table: cell too large")

	// ErrInvalidVersion is returned for writes stamped with version 0
	ErrInvalidVersion = errors.New("table: invalid version")
)
