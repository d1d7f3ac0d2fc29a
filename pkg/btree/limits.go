// ABOUTME: Size limits for keys and values stored in one leaf
// ABOUTME: Checked before any page is touched

package btree

import "github.com/pkg/errors"

var (
	// ErrKeyTooLarge is returned for keys above MaxKeySize
	ErrKeyTooLarge = errors.New("btree: key too large")

	// ErrValueTooLarge is returned for values above MaxValueSize
	ErrValueTooLarge = errors.New("btree: value too large")
)

// CheckLimits reports whether a pair fits in a single leaf. Empty keys are
// reserved for the sentinel.
func CheckLimits(key, val []byte) error {
	if len(key) == 0 || len(key) > MaxKeySize {
		return errors.Wrapf(ErrKeyTooLarge, "%d bytes", len(key))
	}
	if len(val) > MaxValueSize {
		return errors.Wrapf(ErrValueTooLarge, "%d bytes", len(val))
	}
	return nil
}
