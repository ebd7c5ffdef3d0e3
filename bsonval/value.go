// Package bsonval defines the typed value model used by documents and by
// B+ tree index keys: a BSON-like tagged union (spec §3) plus the total
// order over values required for index key comparison (spec §4.6).
package bsonval

import (
	"fmt"
	"math/big"
	"time"

	"github.com/arlowright/stratadb/objectid"
)

// Kind tags the dynamic type carried by a Value.
type Kind byte

const (
	KindNull Kind = iota
	KindBool
	KindInt32
	KindInt64
	KindFloat64
	KindDecimal
	KindString
	KindDateTime
	KindObjectID
	KindBinary
	KindDocument
	KindArray

	// kindMin and kindMax are sentinel kinds used only as IndexKey range
	// bounds (spec §4.6 "MinValue/MaxValue"); they never appear in a
	// stored document and are ordered strictly below/above every real
	// kind.
	kindMin
	kindMax
)

// typeOrder gives the relative rank of each Kind per spec §4.6:
// Null < Boolean < Numeric < String < DateTime < ObjectId < Binary <
// Document < Array. Int32/Int64/Float64/Decimal all share the Numeric
// rank and are compared as reals within it.
func typeOrder(k Kind) int {
	switch k {
	case kindMin:
		return -1
	case KindNull:
		return 0
	case KindBool:
		return 1
	case KindInt32, KindInt64, KindFloat64, KindDecimal:
		return 2
	case KindString:
		return 3
	case KindDateTime:
		return 4
	case KindObjectID:
		return 5
	case KindBinary:
		return 6
	case KindDocument:
		return 7
	case KindArray:
		return 8
	case kindMax:
		return 9
	default:
		return 100
	}
}

// Value is a single typed BSON-like value.
type Value struct {
	Kind    Kind
	Bool    bool
	Int     int64 // backs KindInt32 and KindInt64
	Float   float64
	Dec     Decimal
	Str     string
	Bin     []byte
	Time    time.Time
	OID     objectid.ObjectID
	Doc     *Document
	Arr     []Value
}

// Null returns the Null value; it is a valid index key and sorts smallest.
func Null() Value { return Value{Kind: KindNull} }

// MinValue is the sentinel that compares strictly less than any real key.
func MinValue() Value { return Value{Kind: kindMin} }

// MaxValue is the sentinel that compares strictly greater than any real key.
func MaxValue() Value { return Value{Kind: kindMax} }

func Bool(b bool) Value           { return Value{Kind: KindBool, Bool: b} }
func Int32(v int32) Value         { return Value{Kind: KindInt32, Int: int64(v)} }
func Int64(v int64) Value         { return Value{Kind: KindInt64, Int: v} }
func Float64(v float64) Value     { return Value{Kind: KindFloat64, Float: v} }
func DecimalValue(d Decimal) Value { return Value{Kind: KindDecimal, Dec: d} }
func String(s string) Value       { return Value{Kind: KindString, Str: s} }
func DateTime(t time.Time) Value  { return Value{Kind: KindDateTime, Time: t.UTC()} }
func ObjectIDValue(id objectid.ObjectID) Value {
	return Value{Kind: KindObjectID, OID: id}
}
func Binary(b []byte) Value {
	cp := make([]byte, len(b))
	copy(cp, b)
	return Value{Kind: KindBinary, Bin: cp}
}
func DocumentValue(d *Document) Value { return Value{Kind: KindDocument, Doc: d} }
func Array(vs []Value) Value          { return Value{Kind: KindArray, Arr: vs} }

// asFloat returns a best-effort real approximation of a numeric value,
// used only when neither operand of a comparison is a Decimal.
func (v Value) asFloat() float64 {
	switch v.Kind {
	case KindInt32, KindInt64:
		return float64(v.Int)
	case KindFloat64:
		return v.Float
	case KindDecimal:
		return v.Dec.Float64()
	default:
		return 0
	}
}

func (v Value) asDecimal() Decimal {
	if v.Kind == KindDecimal {
		return v.Dec
	}
	return DecimalFromFloat(v.asFloat())
}

// Compare implements the total order of spec §4.6. It returns -1, 0, or 1.
func Compare(a, b Value) int {
	ta, tb := typeOrder(a.Kind), typeOrder(b.Kind)
	if ta != tb {
		if ta < tb {
			return -1
		}
		return 1
	}
	switch a.Kind {
	case kindMin, kindMax, KindNull:
		return 0
	case KindBool:
		if a.Bool == b.Bool {
			return 0
		}
		if !a.Bool {
			return -1
		}
		return 1
	case KindInt32, KindInt64, KindFloat64, KindDecimal:
		// Numeric: compared as reals, except decimal takes precedence
		// (exact decimal comparison) when either operand is a Decimal.
		if a.Kind == KindDecimal || b.Kind == KindDecimal {
			return a.asDecimal().Cmp(b.asDecimal())
		}
		af, bf := a.asFloat(), b.asFloat()
		switch {
		case af < bf:
			return -1
		case af > bf:
			return 1
		default:
			return 0
		}
	case KindString:
		switch {
		case a.Str < b.Str:
			return -1
		case a.Str > b.Str:
			return 1
		default:
			return 0
		}
	case KindDateTime:
		switch {
		case a.Time.Before(b.Time):
			return -1
		case a.Time.After(b.Time):
			return 1
		default:
			return 0
		}
	case KindObjectID:
		return objectid.Compare(a.OID, b.OID)
	case KindBinary:
		return compareBytes(a.Bin, b.Bin)
	case KindDocument:
		return compareDocuments(a.Doc, b.Doc)
	case KindArray:
		return compareArrays(a.Arr, b.Arr)
	default:
		return 0
	}
}

func compareBytes(a, b []byte) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
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

func compareDocuments(a, b *Document) int {
	if a == nil || b == nil {
		if a == b {
			return 0
		}
		if a == nil {
			return -1
		}
		return 1
	}
	n := len(a.Fields)
	if len(b.Fields) < n {
		n = len(b.Fields)
	}
	for i := 0; i < n; i++ {
		if c := compareBytes([]byte(a.Fields[i].Name), []byte(b.Fields[i].Name)); c != 0 {
			return c
		}
		if c := Compare(a.Fields[i].Value, b.Fields[i].Value); c != 0 {
			return c
		}
	}
	switch {
	case len(a.Fields) < len(b.Fields):
		return -1
	case len(a.Fields) > len(b.Fields):
		return 1
	default:
		return 0
	}
}

func compareArrays(a, b []Value) int {
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

// Equal reports whether a and b compare equal.
func Equal(a, b Value) bool { return Compare(a, b) == 0 }

func (v Value) String() string {
	switch v.Kind {
	case KindNull:
		return "null"
	case KindBool:
		return fmt.Sprintf("%t", v.Bool)
	case KindInt32, KindInt64:
		return fmt.Sprintf("%d", v.Int)
	case KindFloat64:
		return fmt.Sprintf("%g", v.Float)
	case KindDecimal:
		return v.Dec.String()
	case KindString:
		return v.Str
	case KindDateTime:
		return v.Time.Format(time.RFC3339Nano)
	case KindObjectID:
		return v.OID.Hex()
	case KindBinary:
		return fmt.Sprintf("bin(%d)", len(v.Bin))
	case KindDocument:
		return "document"
	case KindArray:
		return "array"
	default:
		return "?"
	}
}

// big10 is reused by Decimal for exact scaling.
var big10 = big.NewInt(10)
