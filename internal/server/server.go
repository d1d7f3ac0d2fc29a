// Package server implements the gRPC TxStore service
package server

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/nainya/txstore/internal/config"
	"github.com/nainya/txstore/internal/logger"
	"github.com/nainya/txstore/internal/metrics"
	"github.com/nainya/txstore/pkg/executor"
	"github.com/nainya/txstore/pkg/operation"
	"github.com/nainya/txstore/pkg/queue"
	"github.com/nainya/txstore/pkg/storage"
	"github.com/nainya/txstore/pkg/txn"
	"github.com/nainya/txstore/pkg/wal"
)

const (
	walFile = "oracle.wal"
	dbFile  = "txstore.db"
)

// Server implements TxStoreServer
type Server struct {
	exec         *executor.Executor
	oracle       *txn.Oracle
	sweeper      *executor.Sweeper
	checkpointer *wal.Checkpointer
	kv           *storage.KV

	log       *logger.Logger
	startTime time.Time
	closed    atomic.Bool

	mu       sync.Mutex
	opCounts map[string]int64
}

var _ TxStoreServer = (*Server)(nil)

// NewServer recovers the oracle, opens the tables and starts the
// background sweeper and checkpointer. m may be nil.
func NewServer(cfg config.Config, log *logger.Logger, m *metrics.Metrics) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = logger.Nop()
	}

	s := &Server{
		log:       log,
		startTime: time.Now(),
		opCounts:  make(map[string]int64),
	}

	if cfg.Durable() {
		w := &wal.WAL{
			Path:        filepath.Join(cfg.WALDir(), walFile),
			MaxFileSize: cfg.Oracle.MaxLogFileSize,
		}
		if err := w.Open(); err != nil {
			return nil, errors.Wrap(err, "open oracle journal")
		}
		oracle, stats, err := txn.RecoverOracle(w, cfg.Oracle.SyncCommits)
		if err != nil {
			w.Close()
			return nil, errors.Wrap(err, "recover oracle")
		}
		st := oracle.Stats()
		log.OracleLogger().LogRecovery(stats.ReplayedEntries, stats.LastCheckpointLSN, stats.LastLSN, st.Counter, st.Invalid)
		s.oracle = oracle
	} else {
		s.oracle = txn.NewOracle()
	}

	var tables executor.Tables
	if cfg.Storage.Engine == config.EngineDisk {
		s.kv = &storage.KV{Path: filepath.Join(cfg.Storage.DataDir, dbFile)}
		if err := s.kv.Open(); err != nil {
			s.oracle.Close()
			return nil, errors.Wrap(err, "open table store")
		}
		var err error
		if tables, err = executor.DiskTables(s.kv); err != nil {
			s.Close()
			return nil, err
		}
	} else {
		tables = executor.MemoryTables()
	}

	opts := []executor.Option{executor.WithLogger(log.ExecutorLogger().Zerolog())}
	if m != nil {
		opts = append(opts, executor.WithObserver(m))
		m.TrackOracle(s.oracle.Stats)
	}
	exec, err := executor.New(s.oracle, tables, opts...)
	if err != nil {
		s.Close()
		return nil, err
	}
	s.exec = exec

	sweepOpts := []executor.Option{executor.WithLogger(log.SweeperLogger().Zerolog())}
	if m != nil {
		sweepOpts = append(sweepOpts, executor.WithObserver(m))
	}
	s.sweeper = executor.NewSweeper(s.oracle, tables, cfg.Sweeper.Interval.Duration, sweepOpts...)
	s.sweeper.Start()

	if cfg.Durable() {
		s.checkpointer = wal.NewCheckpointer(func() error {
			return s.oracle.Checkpoint(context.Background())
		})
		if cfg.Oracle.CheckpointInterval.Duration > 0 {
			s.checkpointer.SetInterval(cfg.Oracle.CheckpointInterval.Duration)
		}
		s.checkpointer.OnError(func(err error) {
			log.OracleLogger().Error("checkpoint failed").Err(err).Send()
		})
		s.checkpointer.Start()
	}

	return s, nil
}

// Executor exposes the batch executor
func (s *Server) Executor() *executor.Executor {
	return s.exec
}

// Ready reports whether the server has not been closed
func (s *Server) Ready() bool {
	return !s.closed.Load()
}

// Close stops background work, then closes the oracle and the table store
func (s *Server) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	if s.sweeper != nil {
		s.sweeper.Stop()
	}
	if s.checkpointer != nil {
		s.checkpointer.Stop()
	}
	err := s.oracle.Close()
	if s.kv != nil {
		if kerr := s.kv.Close(); err == nil {
			err = kerr
		}
	}
	return err
}

func (s *Server) count(method string) {
	s.mu.Lock()
	s.opCounts[method]++
	s.mu.Unlock()
}

// ========== Batches ==========

func (s *Server) Execute(ctx context.Context, req *ExecuteRequest) (*ExecuteResponse, error) {
	s.count("Execute")

	res, err := s.exec.ExecuteWithRetry(ctx, req.Operations, req.RetryAttempts+1)
	if err != nil {
		return nil, toStatus(err, "operations")
	}
	return toExecuteResponse(res), nil
}

// Write rejects every single write; clients must batch
func (s *Server) Write(ctx context.Context, req *WriteRequest) (*WriteResponse, error) {
	s.count("Write")

	if err := req.Operation.Validate(); err != nil {
		return nil, toStatus(err, "operation")
	}
	return nil, toStatus(s.exec.Apply(ctx, req.Operation), "operation")
}

// ========== Reads ==========

func (s *Server) Read(ctx context.Context, req *ReadRequest) (*ReadResponse, error) {
	s.count("Read")

	cells, err := s.exec.Read(ctx, executor.ReadRequest{
		Table:       req.Table,
		Row:         req.Row,
		StartColumn: req.StartColumn,
		EndColumn:   req.EndColumn,
		Limit:       req.Limit,
		Pointer:     req.Pointer,
	})
	if err != nil {
		return nil, toStatus(err, "table")
	}
	return &ReadResponse{Cells: toCellMessages(cells)}, nil
}

func (s *Server) ReadCounter(ctx context.Context, req *ReadCounterRequest) (*ReadCounterResponse, error) {
	s.count("ReadCounter")

	v, err := s.exec.ReadCounter(ctx, req.Table, req.Row, req.Column, req.Pointer)
	if err != nil {
		return nil, toStatus(err, "table")
	}
	return &ReadCounterResponse{Value: v}, nil
}

func (s *Server) OrderedRead(ctx context.Context, req *OrderedReadRequest) (*ReadResponse, error) {
	s.count("OrderedRead")

	cells, err := s.exec.OrderedRead(ctx, req.StartRow, req.EndRow, req.Pointer, req.Limit)
	if err != nil {
		return nil, toStatus(err, "start_row")
	}
	return &ReadResponse{Cells: toCellMessages(cells)}, nil
}

func (s *Server) ReadAllKeys(ctx context.Context, req *ReadAllKeysRequest) (*ReadAllKeysResponse, error) {
	s.count("ReadAllKeys")

	keys, err := s.exec.ReadAllKeys(ctx, req.Table, req.Offset, req.Limit)
	if err != nil {
		return nil, toStatus(err, "table")
	}
	return &ReadAllKeysResponse{Keys: keys}, nil
}

func (s *Server) Pending(ctx context.Context, req *PendingRequest) (*PendingResponse, error) {
	s.count("Pending")

	entries, err := s.exec.Pending(ctx, req.Queue, req.Group, req.Limit)
	if err != nil {
		return nil, toStatus(err, "queue")
	}
	out := &PendingResponse{Entries: make([]EntryMessage, len(entries))}
	for i, e := range entries {
		out.Entries[i] = toEntryMessage(e)
	}
	return out, nil
}

// ========== Health & Status ==========

func (s *Server) Snapshot(ctx context.Context, req *SnapshotRequest) (*SnapshotResponse, error) {
	s.count("Snapshot")
	return &SnapshotResponse{Pointer: s.exec.Snapshot()}, nil
}

func (s *Server) Stats(ctx context.Context, req *StatsRequest) (*StatsResponse, error) {
	st := s.oracle.Stats()

	s.mu.Lock()
	counts := make(map[string]int64, len(s.opCounts))
	for k, v := range s.opCounts {
		counts[k] = v
	}
	s.mu.Unlock()

	out := &StatsResponse{
		Counter:         st.Counter,
		MaxCommitted:    st.MaxCommitted,
		Watermark:       st.Watermark,
		InFlight:        st.InFlight,
		AbortPending:    st.AbortPending,
		Invalid:         st.Invalid,
		CommitRecords:   st.CommitRecords,
		UptimeSeconds:   int64(time.Since(s.startTime).Seconds()),
		OperationCounts: counts,
	}
	if s.kv != nil {
		out.StorePages, out.StoreFreePages = s.kv.Pages()
	}
	return out, nil
}

// Sweep runs one reclamation pass now
func (s *Server) Sweep(ctx context.Context, req *SweepRequest) (*SweepResponse, error) {
	s.count("Sweep")

	stats, err := s.sweeper.SweepOnce(ctx)
	if err != nil {
		return nil, toStatus(err, "")
	}
	return &SweepResponse{Purged: stats.Purged, Reclaimed: stats.Reclaimed}, nil
}

// toStatus maps domain errors to gRPC codes. Caller mistakes carry a
// BadRequest detail naming field.
func toStatus(err error, field string) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, txn.ErrOracleClosed):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, executor.ErrUnbatchedWrite):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, operation.ErrInvalidOperation),
		errors.Is(err, executor.ErrEmptyBatch),
		errors.Is(err, executor.ErrUnknownTable),
		errors.Is(err, executor.ErrNoHandler),
		errors.Is(err, executor.ErrNotOrdered),
		errors.Is(err, queue.ErrBadEntryID):
		return invalidArgument(field, err)
	}
	return status.Error(codes.Internal, err.Error())
}

func invalidArgument(field string, err error) error {
	st := status.New(codes.InvalidArgument, err.Error())
	detailed, derr := st.WithDetails(&errdetails.BadRequest{
		FieldViolations: []*errdetails.BadRequest_FieldViolation{
			{Field: field, Description: err.Error()},
		},
	})
	if derr != nil {
		return st.Err()
	}
	return detailed.Err()
}
