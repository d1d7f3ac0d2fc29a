// ABOUTME: Table catalog stored in the KV file under the reserved prefix 0
// ABOUTME: Gives every named table its own 4-byte key prefix

package storage

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

const (
	// CatalogPrefix is reserved for catalog entries
	CatalogPrefix uint32 = 0

	// FirstTablePrefix is the first prefix handed to a table
	FirstTablePrefix uint32 = 100
)

var catalogNextKey = EncodeKey(CatalogPrefix, Str("next"))

func catalogTableKey(name string) []byte {
	return EncodeKey(CatalogPrefix, Str("table"), Str(name))
}

// TablePrefix returns the prefix allocated to name, allocating and
// persisting a new one on first use
func (db *KV) TablePrefix(name string) (uint32, error) {
	key := catalogTableKey(name)
	if val, ok := db.Get(key); ok {
		return decodePrefix(val)
	}

	var prefix uint32
	err := db.Update(func(tx *KVTX) error {
		// Another caller may have allocated it between Get and Begin
		if val, ok := tx.Get(key); ok {
			p, err := decodePrefix(val)
			prefix = p
			return err
		}

		prefix = FirstTablePrefix
		if val, ok := tx.Get(catalogNextKey); ok {
			p, err := decodePrefix(val)
			if err != nil {
				return err
			}
			prefix = p
		}

		var buf [4]byte
		binary.BigEndian.PutUint32(buf[:], prefix)
		if err := tx.Set(key, buf[:]); err != nil {
			return err
		}
		binary.BigEndian.PutUint32(buf[:], prefix+1)
		return tx.Set(catalogNextKey, buf[:])
	})
	return prefix, err
}

// Tables lists catalog entries by name
func (db *KV) Tables() (map[string]uint32, error) {
	start := EncodeKey(CatalogPrefix, Str("table"))
	end := PrefixEnd(CatalogPrefix, Str("table"))

	out := make(map[string]uint32)
	var decodeErr error
	db.ScanRange(start, end, func(key, val []byte) bool {
		vals, err := KeyValues(key)
		if err != nil || len(vals) != 2 {
			decodeErr = errors.Errorf("bad catalog key %x", key)
			return false
		}
		prefix, err := decodePrefix(val)
		if err != nil {
			decodeErr = err
			return false
		}
		out[string(vals[1].Bytes)] = prefix
		return true
	})
	return out, decodeErr
}

func decodePrefix(val []byte) (uint32, error) {
	if len(val) != 4 {
		return 0, errors.Errorf("bad catalog prefix of %d bytes", len(val))
	}
	return binary.BigEndian.Uint32(val), nil
}
