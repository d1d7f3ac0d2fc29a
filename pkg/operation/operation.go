// Package operation defines the closed set of write operations a batch can
// carry. Each operation is a tagged value: Kind selects which fields apply.
package operation

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// ErrInvalidOperation is returned by Validate
var ErrInvalidOperation = errors.New("operation: invalid")

// Kind tags a WriteOperation
type Kind uint8

const (
	KindWrite Kind = iota + 1
	KindOrderedWrite
	KindReadModifyWrite
	KindIncrement
	KindCompareAndSwap
	KindQueuePush
	KindQueuePop
	KindQueueAck
)

var kindNames = map[Kind]string{
	KindWrite:           "write",
	KindOrderedWrite:    "ordered_write",
	KindReadModifyWrite: "read_modify_write",
	KindIncrement:       "increment",
	KindCompareAndSwap:  "compare_and_swap",
	KindQueuePush:       "queue_push",
	KindQueuePop:        "queue_pop",
	KindQueueAck:        "queue_ack",
}

// Kinds lists every kind in declaration order
func Kinds() []Kind {
	return []Kind{
		KindWrite, KindOrderedWrite, KindReadModifyWrite, KindIncrement,
		KindCompareAndSwap, KindQueuePush, KindQueuePop, KindQueueAck,
	}
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// ParseKind accepts the names produced by String
func ParseKind(s string) (Kind, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for k, name := range kindNames {
		if name == s {
			return k, nil
		}
	}
	return 0, errors.Wrapf(ErrInvalidOperation, "unknown kind %q", s)
}

func (k Kind) MarshalText() ([]byte, error) {
	if _, ok := kindNames[k]; !ok {
		return nil, errors.Wrapf(ErrInvalidOperation, "unknown kind %d", uint8(k))
	}
	return []byte(k.String()), nil
}

func (k *Kind) UnmarshalText(b []byte) error {
	parsed, err := ParseKind(string(b))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// Transform computes a new value from the visible one. found is false when
// the cell is absent.
type Transform func(current []byte, found bool) ([]byte, error)

// WriteOperation is one entry of a batch
type WriteOperation struct {
	Kind   Kind   `json:"kind"`
	Row    []byte `json:"row,omitempty"`
	Column []byte `json:"column,omitempty"`

	// Value is the written value for writes, the new value for
	// compare-and-swap, the payload for pushes and the modifier argument
	// for read-modify-write. A nil Value on a write deletes the cell.
	Value []byte `json:"value"`

	// Expected is the compare-and-swap expectation; nil means absent
	Expected []byte `json:"expected"`

	Delta int64 `json:"delta,omitempty"`

	// Transform is an in-process read-modify-write function; Modifier
	// names a registered one and is what remote callers use
	Transform Transform `json:"-"`
	Modifier  string    `json:"modifier,omitempty"`

	Queue    string `json:"queue,omitempty"`
	Group    string `json:"group,omitempty"`
	Consumer string `json:"consumer,omitempty"`
	EntryID  []byte `json:"entry_id,omitempty"`
}

func Write(row, column, value []byte) WriteOperation {
	return WriteOperation{Kind: KindWrite, Row: row, Column: column, Value: value}
}

func OrderedWrite(row, column, value []byte) WriteOperation {
	return WriteOperation{Kind: KindOrderedWrite, Row: row, Column: column, Value: value}
}

func ReadModifyWrite(row, column []byte, fn Transform) WriteOperation {
	return WriteOperation{Kind: KindReadModifyWrite, Row: row, Column: column, Transform: fn}
}

// ReadModifyWriteWith applies a registered modifier with arg
func ReadModifyWriteWith(row, column []byte, modifier string, arg []byte) WriteOperation {
	return WriteOperation{Kind: KindReadModifyWrite, Row: row, Column: column, Modifier: modifier, Value: arg}
}

func Increment(row, column []byte, delta int64) WriteOperation {
	return WriteOperation{Kind: KindIncrement, Row: row, Column: column, Delta: delta}
}

func CompareAndSwap(row, column, expected, value []byte) WriteOperation {
	return WriteOperation{Kind: KindCompareAndSwap, Row: row, Column: column, Expected: expected, Value: value}
}

func QueuePush(queue string, data []byte) WriteOperation {
	return WriteOperation{Kind: KindQueuePush, Queue: queue, Value: data}
}

func QueuePop(queue, group, consumer string) WriteOperation {
	return WriteOperation{Kind: KindQueuePop, Queue: queue, Group: group, Consumer: consumer}
}

func QueueAck(queue, group, consumer string, entryID []byte) WriteOperation {
	return WriteOperation{Kind: KindQueueAck, Queue: queue, Group: group, Consumer: consumer, EntryID: entryID}
}

// Validate checks that the fields Kind needs are present
func (op WriteOperation) Validate() error {
	switch op.Kind {
	case KindWrite, KindOrderedWrite, KindIncrement, KindCompareAndSwap:
		if len(op.Row) == 0 {
			return errors.Wrapf(ErrInvalidOperation, "%s: empty row", op.Kind)
		}
	case KindReadModifyWrite:
		if len(op.Row) == 0 {
			return errors.Wrapf(ErrInvalidOperation, "%s: empty row", op.Kind)
		}
		if op.Transform == nil {
			if op.Modifier == "" {
				return errors.Wrapf(ErrInvalidOperation, "%s: no transform or modifier", op.Kind)
			}
			if _, ok := LookupModifier(op.Modifier); !ok {
				return errors.Wrapf(ErrInvalidOperation, "%s: unknown modifier %q", op.Kind, op.Modifier)
			}
		}
	case KindQueuePush:
		if err := validQueueName(op.Queue); err != nil {
			return err
		}
	case KindQueuePop:
		if err := validQueueName(op.Queue); err != nil {
			return err
		}
		if op.Group == "" || op.Consumer == "" {
			return errors.Wrapf(ErrInvalidOperation, "%s: group and consumer required", op.Kind)
		}
	case KindQueueAck:
		if err := validQueueName(op.Queue); err != nil {
			return err
		}
		if op.Group == "" || op.Consumer == "" {
			return errors.Wrapf(ErrInvalidOperation, "%s: group and consumer required", op.Kind)
		}
		if len(op.EntryID) == 0 {
			return errors.Wrapf(ErrInvalidOperation, "%s: entry id required", op.Kind)
		}
	default:
		return errors.Wrapf(ErrInvalidOperation, "unknown kind %d", uint8(op.Kind))
	}
	return nil
}

func validQueueName(name string) error {
	if name == "" {
		return errors.Wrap(ErrInvalidOperation, "empty queue name")
	}
	if strings.IndexByte(name, 0) >= 0 {
		return errors.Wrapf(ErrInvalidOperation, "queue name %q contains a zero byte", name)
	}
	return nil
}

func (op WriteOperation) String() string {
	switch op.Kind {
	case KindQueuePush, KindQueuePop, KindQueueAck:
		return fmt.Sprintf("%s(queue=%s group=%s)", op.Kind, op.Queue, op.Group)
	default:
		return fmt.Sprintf("%s(row=%q col=%q)", op.Kind, op.Row, op.Column)
	}
}
