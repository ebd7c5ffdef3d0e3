package bsonval

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/arlowright/stratadb/objectid"
)

func timeFromUnixNano(ns int64) time.Time {
	return time.Unix(0, ns).UTC()
}

// Field is a single named element of a Document.
type Field struct {
	Name  string
	Value Value
}

// Document is a self-describing, ordered sequence of typed fields
// (spec §3). Every persisted document carries "_id" and "_collection".
type Document struct {
	Fields []Field
}

// New creates an empty document.
func New() *Document { return &Document{} }

// Set adds or replaces a field.
func (d *Document) Set(name string, v Value) {
	for i := range d.Fields {
		if d.Fields[i].Name == name {
			d.Fields[i].Value = v
			return
		}
	}
	d.Fields = append(d.Fields, Field{Name: name, Value: v})
}

// Get returns a field's value.
func (d *Document) Get(name string) (Value, bool) {
	for _, f := range d.Fields {
		if f.Name == name {
			return f.Value, true
		}
	}
	return Value{}, false
}

// GetPath resolves a path through nested documents, given as its
// already-split segments ([]string{"a", "b", "c"} for "a.b.c").
func (d *Document) GetPath(path []string) (Value, bool) {
	if len(path) == 0 {
		return Value{}, false
	}
	v, ok := d.Get(path[0])
	if !ok {
		return Value{}, false
	}
	if len(path) == 1 {
		return v, true
	}
	if v.Kind != KindDocument || v.Doc == nil {
		return Value{}, false
	}
	return v.Doc.GetPath(path[1:])
}

// ID returns the document's "_id" field as an ObjectID, or the zero
// value and false if absent or not an ObjectID.
func (d *Document) ID() (objectid.ObjectID, bool) {
	v, ok := d.Get("_id")
	if !ok || v.Kind != KindObjectID {
		return objectid.ObjectID{}, false
	}
	return v.OID, true
}

// Collection returns the document's "_collection" tag.
func (d *Document) Collection() (string, bool) {
	v, ok := d.Get("_collection")
	if !ok || v.Kind != KindString {
		return "", false
	}
	return v.Str, true
}

// ---------- binary encoding ----------
//
// [fieldCount:uint16] then per field:
//   [nameLen:uint16][name][kind:byte][value bytes...]

// Encode serializes the document to its on-disk byte representation.
func (d *Document) Encode() ([]byte, error) {
	buf := make([]byte, 0, 256)
	var tmp [8]byte

	binary.LittleEndian.PutUint16(tmp[:2], uint16(len(d.Fields)))
	buf = append(buf, tmp[:2]...)

	for _, f := range d.Fields {
		nameBytes := []byte(f.Name)
		if len(nameBytes) > math.MaxUint16 {
			return nil, fmt.Errorf("bsonval: field name too long: %s", f.Name)
		}
		binary.LittleEndian.PutUint16(tmp[:2], uint16(len(nameBytes)))
		buf = append(buf, tmp[:2]...)
		buf = append(buf, nameBytes...)
		buf = append(buf, byte(f.Value.Kind))

		vb, err := encodeValue(f.Value)
		if err != nil {
			return nil, err
		}
		buf = append(buf, vb...)
	}
	return buf, nil
}

// Decode deserializes a Document previously produced by Encode.
func Decode(data []byte) (*Document, error) {
	if len(data) < 2 {
		return nil, errors.New("bsonval: document data too short")
	}
	doc := New()
	off := 0
	n := int(binary.LittleEndian.Uint16(data[off:]))
	off += 2

	for i := 0; i < n; i++ {
		if off+2 > len(data) {
			return nil, errors.New("bsonval: truncated field name length")
		}
		nameLen := int(binary.LittleEndian.Uint16(data[off:]))
		off += 2
		if off+nameLen > len(data) {
			return nil, errors.New("bsonval: truncated field name")
		}
		name := string(data[off : off+nameLen])
		off += nameLen
		if off >= len(data) {
			return nil, errors.New("bsonval: truncated field kind")
		}
		kind := Kind(data[off])
		off++
		v, consumed, err := decodeValue(kind, data[off:])
		if err != nil {
			return nil, err
		}
		off += consumed
		doc.Fields = append(doc.Fields, Field{Name: name, Value: v})
	}
	return doc, nil
}

func encodeValue(v Value) ([]byte, error) {
	switch v.Kind {
	case KindNull:
		return nil, nil
	case KindBool:
		if v.Bool {
			return []byte{1}, nil
		}
		return []byte{0}, nil
	case KindInt32:
		buf := make([]byte, 4)
		binary.LittleEndian.PutUint32(buf, uint32(int32(v.Int)))
		return buf, nil
	case KindInt64:
		buf := make([]byte, 8)
		binary.LittleEndian.PutUint64(buf, uint64(v.Int))
		return buf, nil
	case KindFloat64:
		buf := make([]byte, 8)
		binary.LittleEndian.PutUint64(buf, math.Float64bits(v.Float))
		return buf, nil
	case KindDecimal:
		buf := make([]byte, 9)
		binary.LittleEndian.PutUint64(buf[0:8], uint64(v.Dec.Unscaled))
		buf[8] = v.Dec.Scale
		return buf, nil
	case KindString:
		return lengthPrefixed([]byte(v.Str)), nil
	case KindDateTime:
		buf := make([]byte, 8)
		binary.LittleEndian.PutUint64(buf, uint64(v.Time.UnixNano()))
		return buf, nil
	case KindObjectID:
		return append([]byte{}, v.OID[:]...), nil
	case KindBinary:
		return lengthPrefixed(v.Bin), nil
	case KindDocument:
		sub, err := v.Doc.Encode()
		if err != nil {
			return nil, err
		}
		return lengthPrefixed(sub), nil
	case KindArray:
		arrBuf := make([]byte, 0, 64)
		var tmp [2]byte
		binary.LittleEndian.PutUint16(tmp[:], uint16(len(v.Arr)))
		arrBuf = append(arrBuf, tmp[:]...)
		for _, elem := range v.Arr {
			arrBuf = append(arrBuf, byte(elem.Kind))
			eb, err := encodeValue(elem)
			if err != nil {
				return nil, err
			}
			arrBuf = append(arrBuf, eb...)
		}
		return lengthPrefixed(arrBuf), nil
	default:
		return nil, fmt.Errorf("bsonval: unknown kind %d", v.Kind)
	}
}

func lengthPrefixed(b []byte) []byte {
	buf := make([]byte, 4+len(b))
	binary.LittleEndian.PutUint32(buf, uint32(len(b)))
	copy(buf[4:], b)
	return buf
}

func decodeValue(k Kind, data []byte) (Value, int, error) {
	switch k {
	case KindNull:
		return Null(), 0, nil
	case KindBool:
		if len(data) < 1 {
			return Value{}, 0, errors.New("bsonval: truncated bool")
		}
		return Bool(data[0] != 0), 1, nil
	case KindInt32:
		if len(data) < 4 {
			return Value{}, 0, errors.New("bsonval: truncated int32")
		}
		return Int32(int32(binary.LittleEndian.Uint32(data))), 4, nil
	case KindInt64:
		if len(data) < 8 {
			return Value{}, 0, errors.New("bsonval: truncated int64")
		}
		return Int64(int64(binary.LittleEndian.Uint64(data))), 8, nil
	case KindFloat64:
		if len(data) < 8 {
			return Value{}, 0, errors.New("bsonval: truncated float64")
		}
		return Float64(math.Float64frombits(binary.LittleEndian.Uint64(data))), 8, nil
	case KindDecimal:
		if len(data) < 9 {
			return Value{}, 0, errors.New("bsonval: truncated decimal")
		}
		unscaled := int64(binary.LittleEndian.Uint64(data[0:8]))
		return DecimalValue(DecimalFromParts(unscaled, data[8])), 9, nil
	case KindString:
		s, n, err := decodeLengthPrefixed(data)
		if err != nil {
			return Value{}, 0, err
		}
		return String(string(s)), n, nil
	case KindDateTime:
		if len(data) < 8 {
			return Value{}, 0, errors.New("bsonval: truncated datetime")
		}
		ns := int64(binary.LittleEndian.Uint64(data))
		return DateTime(timeFromUnixNano(ns)), 8, nil
	case KindObjectID:
		if len(data) < objectid.Size {
			return Value{}, 0, errors.New("bsonval: truncated objectid")
		}
		id, err := objectid.FromBytes(data[:objectid.Size])
		if err != nil {
			return Value{}, 0, err
		}
		return ObjectIDValue(id), objectid.Size, nil
	case KindBinary:
		b, n, err := decodeLengthPrefixed(data)
		if err != nil {
			return Value{}, 0, err
		}
		return Binary(b), n, nil
	case KindDocument:
		b, n, err := decodeLengthPrefixed(data)
		if err != nil {
			return Value{}, 0, err
		}
		sub, err := Decode(b)
		if err != nil {
			return Value{}, 0, err
		}
		return DocumentValue(sub), n, nil
	case KindArray:
		b, n, err := decodeLengthPrefixed(data)
		if err != nil {
			return Value{}, 0, err
		}
		if len(b) < 2 {
			return Array(nil), n, nil
		}
		count := int(binary.LittleEndian.Uint16(b))
		off := 2
		arr := make([]Value, 0, count)
		for i := 0; i < count; i++ {
			if off >= len(b) {
				return Value{}, 0, errors.New("bsonval: truncated array element kind")
			}
			ek := Kind(b[off])
			off++
			ev, consumed, err := decodeValue(ek, b[off:])
			if err != nil {
				return Value{}, 0, err
			}
			off += consumed
			arr = append(arr, ev)
		}
		return Array(arr), n, nil
	default:
		return Value{}, 0, fmt.Errorf("bsonval: unknown kind %d", k)
	}
}

func decodeLengthPrefixed(data []byte) ([]byte, int, error) {
	if len(data) < 4 {
		return nil, 0, errors.New("bsonval: truncated length prefix")
	}
	n := int(binary.LittleEndian.Uint32(data))
	if len(data) < 4+n {
		return nil, 0, errors.New("bsonval: truncated payload")
	}
	out := make([]byte, n)
	copy(out, data[4:4+n])
	return out, 4 + n, nil
}
