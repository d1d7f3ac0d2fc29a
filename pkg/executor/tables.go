// ABOUTME: The three tables batches write to and how to open them
// ABOUTME: Memory tables for tests and single-node runs, KV tables for disk

package executor

import (
	"github.com/pkg/errors"

	"github.com/nainya/txstore/pkg/storage"
	"github.com/nainya/txstore/pkg/table"
)

const (
	TableRandom  = "random"
	TableOrdered = "ordered"
	TableQueues  = "queues"
)

// Tables groups the tables operations are routed to
type Tables struct {
	Random  table.Table
	Ordered table.OrderedTable
	Queues  table.Table
}

// MemoryTables creates empty in-memory tables
func MemoryTables() Tables {
	return Tables{
		Random:  table.NewHashTable(TableRandom),
		Ordered: table.NewMemoryOrderedTable(TableOrdered),
		Queues:  table.NewHashTable(TableQueues),
	}
}

// DiskTables opens the tables inside db
func DiskTables(db *storage.KV) (Tables, error) {
	var (
		t   Tables
		err error
	)
	if t.Random, err = table.NewKVTable(db, TableRandom); err != nil {
		return Tables{}, err
	}
	if t.Ordered, err = table.NewKVTable(db, TableOrdered); err != nil {
		return Tables{}, err
	}
	if t.Queues, err = table.NewKVTable(db, TableQueues); err != nil {
		return Tables{}, err
	}
	return t, nil
}

// All returns every table
func (t Tables) All() []table.Table {
	return []table.Table{t.Random, t.Ordered, t.Queues}
}

// Lookup finds a table by name
func (t Tables) Lookup(name string) (table.Table, error) {
	for _, tbl := range t.All() {
		if tbl.Name() == name {
			return tbl, nil
		}
	}
	return nil, errors.Wrapf(ErrUnknownTable, "%q", name)
}

func (t Tables) validate() error {
	if t.Random == nil || t.Ordered == nil || t.Queues == nil {
		return errors.New("executor: random, ordered and queues tables are required")
	}
	seen := make(map[string]bool, 3)
	for _, tbl := range t.All() {
		if seen[tbl.Name()] {
			return errors.Errorf("executor: duplicate table name %q", tbl.Name())
		}
		seen[tbl.Name()] = true
	}
	return nil
}
