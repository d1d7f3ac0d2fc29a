package metrics

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/nainya/txstore/pkg/executor"
	"github.com/nainya/txstore/pkg/operation"
	"github.com/nainya/txstore/pkg/txn"
)

func TestBatchOutcomes(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.BatchFinished(&executor.Result{Committed: true}, time.Millisecond)
	m.BatchFinished(&executor.Result{Reason: executor.ReasonConflict}, time.Millisecond)
	m.BatchFinished(&executor.Result{Reason: executor.ReasonConflict, Orphans: 2}, time.Millisecond)

	require.Equal(t, 1.0, testutil.ToFloat64(m.BatchesTotal.WithLabelValues("committed")))
	require.Equal(t, 2.0, testutil.ToFloat64(m.BatchesTotal.WithLabelValues("conflict")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.OrphanVersionsTotal))
}

func TestOperationAndRollbackCounters(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.OperationApplied(operation.KindIncrement, true)
	m.OperationApplied(operation.KindCompareAndSwap, false)
	m.RollbackFailed("random")
	m.VersionsPurged("random", 3)

	require.Equal(t, 1.0, testutil.ToFloat64(m.OperationsTotal.WithLabelValues("increment", "ok")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.OperationsTotal.WithLabelValues("compare_and_swap", "failed")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.RollbackFailures.WithLabelValues("random")))
	require.Equal(t, 3.0, testutil.ToFloat64(m.PurgedVersionsTotal.WithLabelValues("random")))
}

func TestOracleGauges(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	o := txn.NewOracle()
	m.TrackOracle(o.Stats)

	_, err := o.StartTransaction(context.Background())
	require.NoError(t, err)

	expected := `
# HELP txstore_oracle_in_flight Transactions started and not resolved
# TYPE txstore_oracle_in_flight gauge
txstore_oracle_in_flight 1
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "txstore_oracle_in_flight"))
}

func TestObserverWiring(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	e, err := executor.New(txn.NewOracle(), executor.MemoryTables(), executor.WithObserver(m))
	require.NoError(t, err)
	res, err := e.Execute(context.Background(), []operation.WriteOperation{
		operation.Write([]byte("a"), []byte("x"), []byte("1")),
	})
	require.NoError(t, err)
	require.True(t, res.Committed)

	require.Equal(t, 1.0, testutil.ToFloat64(m.OperationsTotal.WithLabelValues("write", "ok")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.BatchesTotal.WithLabelValues("committed")))
}
