// ABOUTME: Order-preserving encoding of tuples of byte strings and integers
// ABOUTME: Keys are a 4-byte key-space prefix followed by the encoded tuple

package storage

import (
	"bytes"
	"encoding/binary"

	"github.com/pkg/errors"
)

// Tag identifies the type of one encoded tuple element. Tags stay below
// 0xFF so that PrefixEnd sorts after every key sharing the prefix.
type Tag uint8

const (
	TagBytes  Tag = 1
	TagUint64 Tag = 2
)

// ErrBadEncoding is returned when a tuple cannot be decoded
var ErrBadEncoding = errors.New("bad tuple encoding")

// Value is one tuple element
type Value struct {
	Tag   Tag
	Bytes []byte
	Uint  uint64
}

// Bytes makes a byte string element
func Bytes(b []byte) Value {
	return Value{Tag: TagBytes, Bytes: b}
}

// Uint makes an unsigned integer element
func Uint(u uint64) Value {
	return Value{Tag: TagUint64, Uint: u}
}

// Str makes a byte string element from s
func Str(s string) Value {
	return Bytes([]byte(s))
}

// EncodeValues appends each element's tag and body. Byte strings are
// escaped and terminated by 0x00, integers are fixed-width big endian.
func EncodeValues(vals ...Value) []byte {
	out := make([]byte, 0, 64)
	for _, v := range vals {
		out = append(out, byte(v.Tag))
		switch v.Tag {
		case TagBytes:
			out = appendEscaped(out, v.Bytes)
			out = append(out, 0)
		case TagUint64:
			out = binary.BigEndian.AppendUint64(out, v.Uint)
		default:
			panic(errors.Errorf("unknown tag %d", v.Tag))
		}
	}
	return out
}

// appendEscaped writes 0x00 as 0x01 0x01 and 0x01 as 0x01 0x02, so the
// terminator sorts below every continuation
func appendEscaped(out, s []byte) []byte {
	for _, b := range s {
		if b <= 1 {
			out = append(out, 0x01, b+1)
			continue
		}
		out = append(out, b)
	}
	return out
}

func unescape(s []byte) []byte {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == 0x01 && i+1 < len(s) {
			i++
			out = append(out, s[i]-1)
			continue
		}
		out = append(out, s[i])
	}
	return out
}

// DecodeValues is the inverse of EncodeValues
func DecodeValues(data []byte) ([]Value, error) {
	var vals []Value
	for pos := 0; pos < len(data); {
		tag := Tag(data[pos])
		pos++
		switch tag {
		case TagBytes:
			end := bytes.IndexByte(data[pos:], 0)
			if end < 0 {
				return nil, errors.Wrapf(ErrBadEncoding, "unterminated string at %d", pos)
			}
			vals = append(vals, Bytes(unescape(data[pos:pos+end])))
			pos += end + 1
		case TagUint64:
			if pos+8 > len(data) {
				return nil, errors.Wrapf(ErrBadEncoding, "short integer at %d", pos)
			}
			vals = append(vals, Uint(binary.BigEndian.Uint64(data[pos:])))
			pos += 8
		default:
			return nil, errors.Wrapf(ErrBadEncoding, "tag %d at %d", tag, pos-1)
		}
	}
	return vals, nil
}

// EncodeKey encodes vals under a key-space prefix
func EncodeKey(prefix uint32, vals ...Value) []byte {
	out := binary.BigEndian.AppendUint32(make([]byte, 0, 64), prefix)
	return append(out, EncodeValues(vals...)...)
}

// PrefixEnd returns a key above every key that starts with
// EncodeKey(prefix, vals...) and below every key that does not
func PrefixEnd(prefix uint32, vals ...Value) []byte {
	return append(EncodeKey(prefix, vals...), 0xFF)
}

// KeyPrefix returns the key-space prefix of key
func KeyPrefix(key []byte) uint32 {
	if len(key) < 4 {
		return 0
	}
	return binary.BigEndian.Uint32(key)
}

// KeyValues decodes the tuple of key
func KeyValues(key []byte) ([]Value, error) {
	if len(key) < 4 {
		return nil, errors.Wrap(ErrBadEncoding, "key shorter than its prefix")
	}
	return DecodeValues(key[4:])
}
