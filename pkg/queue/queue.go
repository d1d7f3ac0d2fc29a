// Package queue implements transactional queues with consumer groups on
// top of a versioned table. Entries and claims are ordinary cells, so
// push, pop and ack are versioned writes that roll back like any other.
package queue

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"

	"github.com/pkg/errors"

	"github.com/nainya/txstore/pkg/table"
	"github.com/nainya/txstore/pkg/txn"
)

// EntryIDSize is the encoded size of an entry id
const EntryIDSize = 12

var (
	// ErrBadEntryID is returned when decoding an id of the wrong size
	ErrBadEntryID = errors.New("queue: malformed entry id")

	// ErrBadClaim is returned for an undecodable claim cell
	ErrBadClaim = errors.New("queue: malformed claim")
)

// EntryID orders entries by the pushing transaction, then by the push's
// position inside that transaction
type EntryID [EntryIDSize]byte

// NewEntryID builds the id of the seq-th push of transaction txID
func NewEntryID(txID uint64, seq uint32) EntryID {
	var id EntryID
	binary.BigEndian.PutUint64(id[:8], txID)
	binary.BigEndian.PutUint32(id[8:], seq)
	return id
}

// ParseEntryID decodes a raw id
func ParseEntryID(b []byte) (EntryID, error) {
	var id EntryID
	if len(b) != EntryIDSize {
		return id, errors.Wrapf(ErrBadEntryID, "%d bytes", len(b))
	}
	copy(id[:], b)
	return id, nil
}

// ParseEntryIDString decodes the hex form produced by String
func ParseEntryIDString(s string) (EntryID, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return EntryID{}, errors.Wrap(ErrBadEntryID, err.Error())
	}
	return ParseEntryID(b)
}

func (id EntryID) TxID() uint64  { return binary.BigEndian.Uint64(id[:8]) }
func (id EntryID) Seq() uint32   { return binary.BigEndian.Uint32(id[8:]) }
func (id EntryID) Bytes() []byte { return append([]byte(nil), id[:]...) }
func (id EntryID) String() string {
	return hex.EncodeToString(id[:])
}

// Entry is a queued payload
type Entry struct {
	Queue string
	ID    EntryID
	Data  []byte
}

// ClaimState is the progress of an entry within a consumer group
type ClaimState byte

const (
	Claimed ClaimState = 1
	Acked   ClaimState = 2
)

// Claim is the visible claim cell of an entry
type Claim struct {
	State    ClaimState
	Consumer string
	Version  uint64 // transaction that wrote the claim
}

func encodeClaim(state ClaimState, consumer string) []byte {
	return append([]byte{byte(state)}, consumer...)
}

func decodeClaim(cell table.Cell) (Claim, error) {
	if len(cell.Value) == 0 {
		return Claim{}, ErrBadClaim
	}
	state := ClaimState(cell.Value[0])
	if state != Claimed && state != Acked {
		return Claim{}, errors.Wrapf(ErrBadClaim, "state %d", state)
	}
	return Claim{State: state, Consumer: string(cell.Value[1:]), Version: cell.Version}, nil
}

// EntryRow is the row holding the entries of a queue
func EntryRow(name string) []byte {
	return []byte(name)
}

// ClaimRow is the row holding a consumer group's claims. Queue names must
// not contain a zero byte.
func ClaimRow(name, group string) []byte {
	row := make([]byte, 0, len(name)+1+len(group))
	row = append(row, name...)
	row = append(row, 0)
	return append(row, group...)
}

// Queue stores every queue in one table
type Queue struct {
	table table.Table
}

// New wraps t
func New(t table.Table) *Queue {
	return &Queue{table: t}
}

// Push appends data to the queue under version. seq distinguishes pushes
// of the same transaction.
func (q *Queue) Push(name string, version uint64, seq uint32, data []byte) (EntryID, error) {
	if bytes.IndexByte([]byte(name), 0) >= 0 {
		return EntryID{}, errors.Errorf("queue: name %q contains a zero byte", name)
	}
	id := NewEntryID(version, seq)
	if err := q.table.Put(EntryRow(name), id[:], version, data); err != nil {
		return EntryID{}, errors.Wrap(err, "push")
	}
	return id, nil
}

// Pop claims the first visible entry, in push order, that the group has not
// claimed. An entry claimed by the same consumer in an earlier transaction
// and never acked is delivered again. Claims written by this transaction are
// skipped so one batch never pops an entry twice.
func (q *Queue) Pop(name, group, consumer string, version uint64, rp txn.ReadPointer) (Entry, bool, error) {
	entries, err := q.table.GetRow(EntryRow(name), nil, nil, rp, 0)
	if err != nil {
		return Entry{}, false, errors.Wrap(err, "read entries")
	}
	claims, err := q.claims(name, group, rp)
	if err != nil {
		return Entry{}, false, err
	}

	for _, cell := range entries {
		id, err := ParseEntryID(cell.Column)
		if err != nil {
			return Entry{}, false, err
		}
		if c, ok := claims[id]; ok {
			redeliver := c.State == Claimed && c.Consumer == consumer && c.Version != version
			if !redeliver {
				continue
			}
		}

		if err := q.table.Put(ClaimRow(name, group), id[:], version, encodeClaim(Claimed, consumer)); err != nil {
			return Entry{}, false, errors.Wrap(err, "claim")
		}
		return Entry{Queue: name, ID: id, Data: cell.Value}, true, nil
	}
	return Entry{}, false, nil
}

// Ack marks an entry consumed. It fails unless the entry is visibly claimed
// by consumer and not yet acked.
func (q *Queue) Ack(name, group, consumer string, id EntryID, version uint64, rp txn.ReadPointer) (bool, error) {
	row := ClaimRow(name, group)
	raw, found, err := q.table.Get(row, id[:], rp)
	if err != nil {
		return false, errors.Wrap(err, "read claim")
	}
	if !found {
		return false, nil
	}
	c, err := decodeClaim(table.Cell{Value: raw})
	if err != nil {
		return false, err
	}
	if c.State != Claimed || c.Consumer != consumer {
		return false, nil
	}

	if err := q.table.Put(row, id[:], version, encodeClaim(Acked, consumer)); err != nil {
		return false, errors.Wrap(err, "ack")
	}
	return true, nil
}

// Pending returns the visible entries the group has not acked, in push order
func (q *Queue) Pending(name, group string, rp txn.ReadPointer, limit int) ([]Entry, error) {
	entries, err := q.table.GetRow(EntryRow(name), nil, nil, rp, 0)
	if err != nil {
		return nil, errors.Wrap(err, "read entries")
	}
	claims, err := q.claims(name, group, rp)
	if err != nil {
		return nil, err
	}

	var out []Entry
	for _, cell := range entries {
		id, err := ParseEntryID(cell.Column)
		if err != nil {
			return nil, err
		}
		if c, ok := claims[id]; ok && c.State == Acked {
			continue
		}
		out = append(out, Entry{Queue: name, ID: id, Data: cell.Value})
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (q *Queue) claims(name, group string, rp txn.ReadPointer) (map[EntryID]Claim, error) {
	cells, err := q.table.GetRow(ClaimRow(name, group), nil, nil, rp, 0)
	if err != nil {
		return nil, errors.Wrap(err, "read claims")
	}
	out := make(map[EntryID]Claim, len(cells))
	for _, cell := range cells {
		id, err := ParseEntryID(cell.Column)
		if err != nil {
			return nil, err
		}
		c, err := decodeClaim(cell)
		if err != nil {
			return nil, err
		}
		out[id] = c
	}
	return out, nil
}
