package bsonval

import (
	"encoding/binary"
	"errors"
)

// IndexKey is a tuple of values ordered lexicographically by component
// (spec §4.6). Most indexes in this package are single-field, so an
// IndexKey usually has length 1, but compound indexes project more than
// one field into the same key.
type IndexKey []Value

// CompareKeys orders two IndexKeys lexicographically, comparing
// component by component with Compare and falling back to length when
// one is a strict prefix of the other.
func CompareKeys(a, b IndexKey) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if c := Compare(a[i], b[i]); c != 0 {
			return c
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	default:
		return 0
	}
}

// MinKey and MaxKey are single-component sentinel keys bounding a full
// range scan (spec §4.6's MinValue/MaxValue).
func MinKey() IndexKey { return IndexKey{MinValue()} }
func MaxKey() IndexKey { return IndexKey{MaxValue()} }

// Encode serializes an IndexKey to bytes for storage in a B+ tree leaf,
// as [count:uint16] then [kind:byte][value bytes] per component.
func (k IndexKey) Encode() ([]byte, error) {
	buf := make([]byte, 2, 32)
	binary.LittleEndian.PutUint16(buf, uint16(len(k)))
	for _, v := range k {
		buf = append(buf, byte(v.Kind))
		vb, err := encodeValue(v)
		if err != nil {
			return nil, err
		}
		buf = append(buf, vb...)
	}
	return buf, nil
}

// DecodeIndexKey is the inverse of IndexKey.Encode, returning the number
// of bytes consumed.
func DecodeIndexKey(data []byte) (IndexKey, int, error) {
	if len(data) < 2 {
		return nil, 0, errors.New("bsonval: truncated index key count")
	}
	n := int(binary.LittleEndian.Uint16(data))
	off := 2
	key := make(IndexKey, 0, n)
	for i := 0; i < n; i++ {
		if off >= len(data) {
			return nil, 0, errors.New("bsonval: truncated index key component kind")
		}
		kind := Kind(data[off])
		off++
		v, consumed, err := decodeValue(kind, data[off:])
		if err != nil {
			return nil, 0, err
		}
		off += consumed
		key = append(key, v)
	}
	return key, off, nil
}
