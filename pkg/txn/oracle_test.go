package txn

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func rows(pairs ...string) *RowSet {
	s := NewRowSet()
	for i := 0; i < len(pairs); i += 2 {
		s.Add(pairs[i], []byte(pairs[i+1]))
	}
	return s
}

func TestReadPointerVisibility(t *testing.T) {
	rp := NewReadPointer(10, []uint64{7, 3}, 12)

	require.Equal(t, []uint64{3, 7}, rp.Excluded)
	require.True(t, rp.IsVisible(1))
	require.True(t, rp.IsVisible(10))
	require.False(t, rp.IsVisible(3), "excluded id")
	require.False(t, rp.IsVisible(7), "excluded id")
	require.False(t, rp.IsVisible(11), "above max")
	require.True(t, rp.IsVisible(12), "own writes")
	require.Equal(t, uint64(12), rp.UpperBound())

	ro := rp.ReadOnly()
	require.False(t, ro.IsVisible(12))
	require.Equal(t, uint64(10), ro.UpperBound())
	require.True(t, ro.IsVisible(10))
}

func TestStartTransactionAllocatesMonotoneIDs(t *testing.T) {
	ctx := context.Background()
	o := NewOracle()

	t1, err := o.StartTransaction(ctx)
	require.NoError(t, err)
	t2, err := o.StartTransaction(ctx)
	require.NoError(t, err)

	require.Less(t, t1.ID, t2.ID)
	require.Equal(t, t2.ID, t2.Pointer.WriteVersion)
	require.True(t, t2.Pointer.IsExcluded(t1.ID), "in-flight transaction must be excluded")
	require.False(t, t2.Pointer.IsVisible(t1.ID))
}

func TestCommitMakesWritesVisibleToLaterSnapshots(t *testing.T) {
	ctx := context.Background()
	o := NewOracle()

	t1, _ := o.StartTransaction(ctx)
	t2, _ := o.StartTransaction(ctx)

	ok, err := o.Commit(ctx, t1, rows("random", "a"))
	require.NoError(t, err)
	require.True(t, ok)

	// t2 took its snapshot before t1 committed
	require.False(t, t2.Pointer.IsVisible(t1.ID))

	t3, _ := o.StartTransaction(ctx)
	require.True(t, t3.Pointer.IsVisible(t1.ID))
	require.False(t, t3.Pointer.IsVisible(t2.ID))

	latest := o.LatestReadPointer()
	require.True(t, latest.IsVisible(t1.ID))
	require.Zero(t, latest.WriteVersion)
}

func TestCommitConflictOnOverlappingRows(t *testing.T) {
	ctx := context.Background()
	o := NewOracle()

	t1, _ := o.StartTransaction(ctx)
	t2, _ := o.StartTransaction(ctx)

	ok, err := o.Commit(ctx, t1, rows("random", "k"))
	require.NoError(t, err)
	require.True(t, ok)

	before := o.Stats()
	ok, err = o.Commit(ctx, t2, rows("random", "k", "random", "other"))
	require.NoError(t, err)
	require.False(t, ok)

	// Rejection leaves shared state untouched
	after := o.Stats()
	require.Equal(t, before, after)

	// The loser still has to resolve
	require.NoError(t, o.Abort(ctx, t2))
	require.Zero(t, o.Stats().InFlight)
}

func TestNoFalseConflicts(t *testing.T) {
	ctx := context.Background()
	o := NewOracle()

	t.Run("disjoint rows", func(t *testing.T) {
		t1, _ := o.StartTransaction(ctx)
		t2, _ := o.StartTransaction(ctx)
		ok, _ := o.Commit(ctx, t1, rows("random", "a"))
		require.True(t, ok)
		ok, _ = o.Commit(ctx, t2, rows("random", "b"))
		require.True(t, ok)
	})

	t.Run("same row in another table", func(t *testing.T) {
		t1, _ := o.StartTransaction(ctx)
		t2, _ := o.StartTransaction(ctx)
		ok, _ := o.Commit(ctx, t1, rows("random", "x"))
		require.True(t, ok)
		ok, _ = o.Commit(ctx, t2, rows("ordered", "x"))
		require.True(t, ok)
	})

	t.Run("commit before snapshot", func(t *testing.T) {
		t1, _ := o.StartTransaction(ctx)
		ok, _ := o.Commit(ctx, t1, rows("random", "y"))
		require.True(t, ok)

		t2, _ := o.StartTransaction(ctx)
		ok, _ = o.Commit(ctx, t2, rows("random", "y"))
		require.True(t, ok)
	})
}

func TestCommitUnknownTransaction(t *testing.T) {
	ctx := context.Background()
	o := NewOracle()

	tx, _ := o.StartTransaction(ctx)
	ok, err := o.Commit(ctx, tx, nil)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = o.Commit(ctx, tx, nil)
	require.ErrorIs(t, err, ErrTransactionNotInProgress)

	_, err = o.Commit(ctx, Transaction{ID: 999}, nil)
	require.ErrorIs(t, err, ErrTransactionNotInProgress)
}

func TestCommitSealsRowSet(t *testing.T) {
	ctx := context.Background()
	o := NewOracle()

	tx, _ := o.StartTransaction(ctx)
	rs := rows("random", "a")
	_, err := o.Commit(ctx, tx, rs)
	require.NoError(t, err)

	require.True(t, rs.Sealed())
	require.Panics(t, func() { rs.Add("random", []byte("b")) })
}

func TestCommitRecordsArePrunedBelowWatermark(t *testing.T) {
	ctx := context.Background()
	o := NewOracle()

	old, _ := o.StartTransaction(ctx)
	for i := 0; i < 5; i++ {
		tx, _ := o.StartTransaction(ctx)
		ok, err := o.Commit(ctx, tx, rows("random", "r"))
		require.NoError(t, err)
		require.True(t, ok)
	}

	// The old transaction may still conflict with every record
	require.Equal(t, 5, o.Stats().CommitRecords)
	require.Equal(t, old.ID, o.Stats().Watermark)

	ok, err := o.Commit(ctx, old, rows("random", "other"))
	require.NoError(t, err)
	require.True(t, ok)

	stats := o.Stats()
	require.Zero(t, stats.CommitRecords)
	require.Equal(t, stats.Counter+1, stats.Watermark)
}

func TestAbortedIDsStayExcludedUntilOlderTransactionsResolve(t *testing.T) {
	ctx := context.Background()
	o := NewOracle()

	t1, _ := o.StartTransaction(ctx)
	t2, _ := o.StartTransaction(ctx)
	t3, _ := o.StartTransaction(ctx)

	require.NoError(t, o.Abort(ctx, t2))
	ok, _ := o.Commit(ctx, t3, rows("random", "a"))
	require.True(t, ok)

	// t1 is still in flight, so t2 stays excluded even though max > t2
	t4, _ := o.StartTransaction(ctx)
	require.True(t, t4.Pointer.IsExcluded(t2.ID))
	require.False(t, t4.Pointer.IsVisible(t2.ID))
	require.Equal(t, 1, o.Stats().AbortPending)

	ok, _ = o.Commit(ctx, t1, nil)
	require.True(t, ok)
	require.NoError(t, o.Abort(ctx, t4))

	require.Zero(t, o.Stats().AbortPending)
}

func TestAbortIsIdempotent(t *testing.T) {
	ctx := context.Background()
	o := NewOracle()

	tx, _ := o.StartTransaction(ctx)
	require.NoError(t, o.Abort(ctx, tx))
	require.NoError(t, o.Abort(ctx, tx))
	require.NoError(t, o.Abort(ctx, Transaction{ID: 42}))

	_, err := o.Commit(ctx, tx, nil)
	require.ErrorIs(t, err, ErrTransactionNotInProgress)
}

func TestInvalidateAndReclaim(t *testing.T) {
	ctx := context.Background()
	o := NewOracle()

	bad, _ := o.StartTransaction(ctx)
	require.NoError(t, o.Invalidate(ctx, bad.ID))
	require.NoError(t, o.Invalidate(ctx, bad.ID))
	require.Equal(t, []uint64{bad.ID}, o.Invalid())

	// Invalid ids stay excluded from every later snapshot
	for i := 0; i < 3; i++ {
		tx, _ := o.StartTransaction(ctx)
		require.True(t, tx.Pointer.IsExcluded(bad.ID))
		ok, _ := o.Commit(ctx, tx, nil)
		require.True(t, ok)
	}
	require.True(t, o.LatestReadPointer().IsExcluded(bad.ID))

	require.ErrorIs(t, o.Invalidate(ctx, 10_000), ErrUnknownTransaction)

	require.NoError(t, o.Reclaim(ctx, []uint64{bad.ID, 12345}))
	require.Empty(t, o.Invalid())
	require.False(t, o.LatestReadPointer().IsExcluded(bad.ID))
}

func TestInvalidateOnlyUnresolvedOrAbortedIDs(t *testing.T) {
	ctx := context.Background()
	o := NewOracle()

	done, _ := o.StartTransaction(ctx)
	ok, err := o.Commit(ctx, done, rows("random", "a"))
	require.NoError(t, err)
	require.True(t, ok)

	require.ErrorIs(t, o.Invalidate(ctx, done.ID), ErrTransactionNotInProgress)
	require.Empty(t, o.Invalid())
	require.True(t, o.LatestReadPointer().IsVisible(done.ID), "committed data stays visible")

	// An abort still excluded because an older transaction is running
	older, _ := o.StartTransaction(ctx)
	aborted, _ := o.StartTransaction(ctx)
	require.NoError(t, o.Abort(ctx, aborted))
	require.NoError(t, o.Invalidate(ctx, aborted.ID))
	require.Equal(t, []uint64{aborted.ID}, o.Invalid())

	// Once the abort is pruned there is nothing left to invalidate
	pruned, _ := o.StartTransaction(ctx)
	require.NoError(t, o.Abort(ctx, pruned))
	require.NoError(t, o.Abort(ctx, older))
	require.ErrorIs(t, o.Invalidate(ctx, pruned.ID), ErrTransactionNotInProgress)
}

func TestCancelledContext(t *testing.T) {
	o := NewOracle()
	ctx, cancel := context.WithCancel(context.Background())
	tx, err := o.StartTransaction(ctx)
	require.NoError(t, err)

	cancel()
	_, err = o.StartTransaction(ctx)
	require.ErrorIs(t, err, context.Canceled)
	_, err = o.Commit(ctx, tx, nil)
	require.ErrorIs(t, err, context.Canceled)
}

func TestClosedOracle(t *testing.T) {
	ctx := context.Background()
	o := NewOracle()
	require.NoError(t, o.Close())
	require.NoError(t, o.Close())

	_, err := o.StartTransaction(ctx)
	require.ErrorIs(t, err, ErrOracleClosed)
}

func TestWithStateTurnsInFlightIntoInvalid(t *testing.T) {
	o := NewOracle(WithState(State{
		Counter:      20,
		MaxCommitted: 18,
		InFlight:     []uint64{15, 19},
		Invalid:      []uint64{7},
	}))

	require.Equal(t, []uint64{7, 15, 19}, o.Invalid())

	tx, err := o.StartTransaction(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(21), tx.ID)
	require.Equal(t, uint64(18), tx.Pointer.MaxVersion)
	require.True(t, tx.Pointer.IsExcluded(15))
}

// Concurrent increments of a shared row: each winner's snapshot must have
// seen every earlier winner, so the winners form a serial chain.
func TestConcurrentCommitsOnSharedRow(t *testing.T) {
	ctx := context.Background()
	o := NewOracle()

	var (
		mu      sync.Mutex
		winners []Transaction
	)

	var g errgroup.Group
	for i := 0; i < 32; i++ {
		g.Go(func() error {
			tx, err := o.StartTransaction(ctx)
			if err != nil {
				return err
			}
			ok, err := o.Commit(ctx, tx, rows("random", "counter"))
			if err != nil {
				return err
			}
			if !ok {
				return o.Abort(ctx, tx)
			}
			mu.Lock()
			winners = append(winners, tx)
			mu.Unlock()
			return nil
		})
	}
	require.NoError(t, g.Wait())
	require.NotEmpty(t, winners)

	for i, a := range winners {
		for j, b := range winners {
			if i == j || a.ID > b.ID {
				continue
			}
			// a started before b; b must have seen a's commit
			require.True(t, b.Pointer.IsVisible(a.ID), "winner %d did not see %d", b.ID, a.ID)
		}
	}

	stats := o.Stats()
	require.Zero(t, stats.InFlight)
	require.Zero(t, stats.CommitRecords)
}

func TestRowSetEncodeRoundTrip(t *testing.T) {
	rs := rows("random", "a\x00b", "queues", "q\x00group", "random", "")
	decoded, err := DecodeRowSet(rs.Encode())
	require.NoError(t, err)

	require.Equal(t, rs.Rows(), decoded.Rows())
	require.True(t, decoded.Sealed())
	require.True(t, decoded.Contains("queues", []byte("q\x00group")))
	require.False(t, decoded.Contains("random", []byte("q\x00group")))
}
