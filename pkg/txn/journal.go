// ABOUTME: Durable log of oracle transitions on top of the write-ahead log
// ABOUTME: Recovery rebuilds counter, commit horizon and invalid ids

package txn

import (
	"encoding/binary"
	"sort"

	"github.com/pkg/errors"

	"github.com/nainya/txstore/pkg/storage"
	"github.com/nainya/txstore/pkg/wal"
)

// Journal receives every oracle transition before it takes effect in
// memory. Calls are serialized by the oracle mutex.
type Journal interface {
	Begin(txID uint64) error
	Commit(txID, commitID uint64, rows *RowSet) error
	Abort(txID uint64) error
	Invalidate(txID uint64) error
	Reclaim(ids []uint64) error
	Checkpoint(s State) error
	Close() error
}

// NopJournal keeps the oracle purely in memory
type NopJournal struct{}

func (NopJournal) Begin(uint64) error                   { return nil }
func (NopJournal) Commit(uint64, uint64, *RowSet) error { return nil }
func (NopJournal) Abort(uint64) error                   { return nil }
func (NopJournal) Invalidate(uint64) error              { return nil }
func (NopJournal) Reclaim([]uint64) error               { return nil }
func (NopJournal) Checkpoint(State) error               { return nil }
func (NopJournal) Close() error                         { return nil }

// WALJournal appends oracle transitions to a WAL. With syncCommits every
// begin, commit, invalidate and reclaim is fsynced before the oracle
// proceeds, so a durable table can never hold a version whose id recovery
// would hand out again. Abort entries ride along with the next sync.
type WALJournal struct {
	wal         *wal.WAL
	syncCommits bool
}

// NewWALJournal wraps an opened WAL
func NewWALJournal(w *wal.WAL, syncCommits bool) *WALJournal {
	return &WALJournal{wal: w, syncCommits: syncCommits}
}

func (j *WALJournal) Begin(txID uint64) error {
	_, err := j.wal.Append(wal.OpBegin, txID, nil, nil, j.syncCommits)
	return err
}

func (j *WALJournal) Commit(txID, commitID uint64, rows *RowSet) error {
	var key [8]byte
	binary.BigEndian.PutUint64(key[:], commitID)
	_, err := j.wal.Append(wal.OpCommit, txID, key[:], rows.Encode(), j.syncCommits)
	return err
}

func (j *WALJournal) Abort(txID uint64) error {
	_, err := j.wal.Append(wal.OpAbort, txID, nil, nil, false)
	return err
}

func (j *WALJournal) Invalidate(txID uint64) error {
	_, err := j.wal.Append(wal.OpInvalidate, txID, nil, nil, j.syncCommits)
	return err
}

func (j *WALJournal) Reclaim(ids []uint64) error {
	_, err := j.wal.Append(wal.OpReclaim, 0, nil, encodeIDs(ids), j.syncCommits)
	return err
}

func (j *WALJournal) Checkpoint(s State) error {
	_, err := j.wal.Checkpoint(encodeState(s))
	return err
}

func (j *WALJournal) Close() error {
	return j.wal.Close()
}

// RecoverState replays the WAL into the oracle's durable state. Commit
// records are not restored: every transaction alive at crash time comes
// back invalid, so no recovered snapshot can need one.
func RecoverState(w *wal.WAL) (State, *wal.RecoveryStats, error) {
	var (
		counter      uint64
		maxCommitted uint64
		inFlight     = make(map[uint64]struct{})
		invalid      = make(map[uint64]struct{})
	)

	bump := func(id uint64) {
		if id > counter {
			counter = id
		}
	}

	stats, err := wal.NewRecovery(w).Recover(func(e *wal.Entry) error {
		switch e.OpType {
		case wal.OpCheckpoint:
			s, err := decodeState(e.Value)
			if err != nil {
				return err
			}
			counter, maxCommitted = s.Counter, s.MaxCommitted
			inFlight = make(map[uint64]struct{})
			invalid = make(map[uint64]struct{})
			for _, id := range s.InFlight {
				inFlight[id] = struct{}{}
			}
			for _, id := range s.Invalid {
				invalid[id] = struct{}{}
			}

		case wal.OpBegin:
			bump(e.TxnID)
			inFlight[e.TxnID] = struct{}{}

		case wal.OpCommit:
			if len(e.Key) != 8 {
				return errors.Wrapf(ErrCorruptState, "commit entry at LSN %d", e.LSN)
			}
			bump(binary.BigEndian.Uint64(e.Key))
			delete(inFlight, e.TxnID)
			if e.TxnID > maxCommitted {
				maxCommitted = e.TxnID
			}

		case wal.OpAbort:
			delete(inFlight, e.TxnID)

		case wal.OpInvalidate:
			delete(inFlight, e.TxnID)
			invalid[e.TxnID] = struct{}{}

		case wal.OpReclaim:
			ids, err := decodeIDs(e.Value)
			if err != nil {
				return err
			}
			for _, id := range ids {
				delete(invalid, id)
			}
		}
		return nil
	})
	if err != nil {
		return State{}, nil, errors.Wrap(err, "recover oracle state")
	}

	return State{
		Counter:      counter,
		MaxCommitted: maxCommitted,
		InFlight:     sortedKeys(inFlight),
		Invalid:      sortedKeys(invalid),
	}, stats, nil
}

// RecoverOracle replays w and returns an oracle journaling to it
func RecoverOracle(w *wal.WAL, syncCommits bool, opts ...Option) (*Oracle, *wal.RecoveryStats, error) {
	state, stats, err := RecoverState(w)
	if err != nil {
		return nil, nil, err
	}
	opts = append([]Option{WithState(state), WithJournal(NewWALJournal(w, syncCommits))}, opts...)
	return NewOracle(opts...), stats, nil
}

// encodeState lays out a state as
// counter, maxCommitted, len(inFlight), inFlight..., invalid...
func encodeState(s State) []byte {
	vals := make([]storage.Value, 0, 3+len(s.InFlight)+len(s.Invalid))
	vals = append(vals,
		storage.Uint(s.Counter),
		storage.Uint(s.MaxCommitted),
		storage.Uint(uint64(len(s.InFlight))),
	)
	for _, id := range s.InFlight {
		vals = append(vals, storage.Uint(id))
	}
	for _, id := range s.Invalid {
		vals = append(vals, storage.Uint(id))
	}
	return storage.EncodeValues(vals...)
}

func decodeState(data []byte) (State, error) {
	ids, err := decodeIDs(data)
	if err != nil {
		return State{}, err
	}
	if len(ids) < 3 || uint64(len(ids)-3) < ids[2] {
		return State{}, errors.Wrap(ErrCorruptState, "checkpoint payload")
	}

	n := int(ids[2])
	s := State{
		Counter:      ids[0],
		MaxCommitted: ids[1],
		InFlight:     append([]uint64(nil), ids[3:3+n]...),
		Invalid:      append([]uint64(nil), ids[3+n:]...),
	}
	sort.Slice(s.InFlight, func(i, j int) bool { return s.InFlight[i] < s.InFlight[j] })
	sort.Slice(s.Invalid, func(i, j int) bool { return s.Invalid[i] < s.Invalid[j] })
	return s, nil
}

func encodeIDs(ids []uint64) []byte {
	vals := make([]storage.Value, len(ids))
	for i, id := range ids {
		vals[i] = storage.Uint(id)
	}
	return storage.EncodeValues(vals...)
}

func decodeIDs(data []byte) ([]uint64, error) {
	vals, err := storage.DecodeValues(data)
	if err != nil {
		return nil, errors.Wrap(ErrCorruptState, err.Error())
	}
	ids := make([]uint64, len(vals))
	for i, v := range vals {
		if v.Tag != storage.TagUint64 {
			return nil, errors.Wrap(ErrCorruptState, "expected uint64 id")
		}
		ids[i] = v.Uint
	}
	return ids, nil
}
