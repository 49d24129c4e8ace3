// Package bsonkit implements the binary document format described in
// spec.md §3 and §4.A: an ordered sequence of (name, typed-value) pairs,
// length-prefixed and little-endian on the wire.
package bsonkit

import "fmt"

// Kind tags the dynamic type of a Value.
type Kind uint8

const (
	KindNull Kind = iota
	KindBool
	KindInt32
	KindInt64
	KindDouble
	KindDecimal128
	KindString
	KindDocument
	KindArray
	KindBinary
	KindObjectID
	KindDateTime
	KindRegex
	KindTimestamp
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindInt32:
		return "int32"
	case KindInt64:
		return "int64"
	case KindDouble:
		return "double"
	case KindDecimal128:
		return "decimal128"
	case KindString:
		return "string"
	case KindDocument:
		return "document"
	case KindArray:
		return "array"
	case KindBinary:
		return "binary"
	case KindObjectID:
		return "objectId"
	case KindDateTime:
		return "date"
	case KindRegex:
		return "regex"
	case KindTimestamp:
		return "timestamp"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// ObjectID is a 12-byte identifier: 4-byte timestamp, 5-byte random process
// identifier, 3-byte counter — the reference server's default _id shape.
type ObjectID [12]byte

// Regex is a pattern plus flag string (subset: i, m, s, x).
type Regex struct {
	Pattern string
	Flags   string
}

// Decimal128 stores a high-precision decimal as its 16-byte IEEE-754-2008
// representation; OxideDB does not decode the mantissa/exponent beyond what
// is needed to round-trip and to compare for numeric equality via ToFloat64.
type Decimal128 struct {
	Hi, Lo uint64
}

// ClusterTimestamp is the composite (seconds, increment) timestamp type used
// internally by the reference server for replication bookkeeping.
type ClusterTimestamp struct {
	Seconds   uint32
	Increment uint32
}

// Value is a tagged union over every BSON kind OxideDB understands. Only the
// field matching Kind is meaningful; this mirrors the "tagged-variant sum
// type" design note in spec.md §9 rather than using reflection or interface{}
// for dynamic dispatch.
type Value struct {
	Kind Kind

	Bool    bool
	Int32   int32
	Int64   int64
	Double  float64
	Decimal Decimal128
	Str     string
	Doc     *Document
	Arr     []Value
	Bin     []byte
	BinSub  byte
	OID     ObjectID
	DateMs  int64
	Rgx     Regex
	TS      ClusterTimestamp
}

// Null is the distinguished explicit-null value.
func Null() Value { return Value{Kind: KindNull} }

// IsMissing reports whether v represents the absence of a field, as opposed
// to an explicit null. OxideDB represents "missing" as the Go zero Value
// pointer (nil *Value) wherever that distinction matters — see path.go.
func IsMissing(v *Value) bool { return v == nil }

// Equal implements type-strict equality: the default comparison semantics
// required by spec.md §4.A — 2 (int32) and 2.0 (double) are distinct.
func (v Value) Equal(other Value) bool {
	if v.Kind != other.Kind {
		return false
	}
	switch v.Kind {
	case KindNull:
		return true
	case KindBool:
		return v.Bool == other.Bool
	case KindInt32:
		return v.Int32 == other.Int32
	case KindInt64:
		return v.Int64 == other.Int64
	case KindDouble:
		return v.Double == other.Double
	case KindDecimal128:
		return v.Decimal == other.Decimal
	case KindString:
		return v.Str == other.Str
	case KindObjectID:
		return v.OID == other.OID
	case KindDateTime:
		return v.DateMs == other.DateMs
	case KindRegex:
		return v.Rgx == other.Rgx
	case KindTimestamp:
		return v.TS == other.TS
	case KindBinary:
		if len(v.Bin) != len(other.Bin) || v.BinSub != other.BinSub {
			return false
		}
		for i := range v.Bin {
			if v.Bin[i] != other.Bin[i] {
				return false
			}
		}
		return true
	case KindArray:
		if len(v.Arr) != len(other.Arr) {
			return false
		}
		for i := range v.Arr {
			if !v.Arr[i].Equal(other.Arr[i]) {
				return false
			}
		}
		return true
	case KindDocument:
		return v.Doc.Equal(other.Doc)
	default:
		return false
	}
}
