package bsonkit

import "testing"

func TestRoundTripScalarTypes(t *testing.T) {
	doc := NewDocument(
		Pair{Key: "_id", Val: Value{Kind: KindObjectID, OID: ObjectID{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12}}},
		Pair{Key: "name", Val: Value{Kind: KindString, Str: "alice"}},
		Pair{Key: "age", Val: Value{Kind: KindInt32, Int32: 30}},
		Pair{Key: "score", Val: Value{Kind: KindDouble, Double: 3.5}},
		Pair{Key: "active", Val: Value{Kind: KindBool, Bool: true}},
		Pair{Key: "nothing", Val: Null()},
		Pair{Key: "big", Val: Value{Kind: KindInt64, Int64: 9999999999}},
	)

	encoded := Encode(doc)
	decoded, n, err := Decode(encoded)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if n != len(encoded) {
		t.Fatalf("expected to consume %d bytes, consumed %d", len(encoded), n)
	}
	if !doc.Equal(decoded) {
		t.Fatalf("round trip mismatch: got %+v", decoded)
	}

	reencoded := Encode(decoded)
	if len(reencoded) != len(encoded) {
		t.Fatalf("re-encoded length mismatch: %d vs %d", len(reencoded), len(encoded))
	}
	for i := range encoded {
		if encoded[i] != reencoded[i] {
			t.Fatalf("re-encoded bytes differ at offset %d", i)
		}
	}
}

func TestRoundTripNestedDocAndArray(t *testing.T) {
	inner := NewDocument(Pair{Key: "x", Val: Value{Kind: KindInt32, Int32: 1}})
	doc := NewDocument(
		Pair{Key: "nested", Val: Value{Kind: KindDocument, Doc: inner}},
		Pair{Key: "list", Val: Value{Kind: KindArray, Arr: []Value{
			{Kind: KindInt32, Int32: 1},
			{Kind: KindString, Str: "two"},
			{Kind: KindNull},
		}}},
	)

	encoded := Encode(doc)
	decoded, _, err := Decode(encoded)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if !doc.Equal(decoded) {
		t.Fatalf("nested round trip mismatch: got %+v", decoded)
	}
}

func TestDecodeTruncatedFails(t *testing.T) {
	doc := NewDocument(Pair{Key: "a", Val: Value{Kind: KindInt32, Int32: 1}})
	encoded := Encode(doc)
	_, _, err := Decode(encoded[:len(encoded)-2])
	if err == nil {
		t.Fatalf("expected malformed error for truncated input")
	}
	if _, ok := err.(*MalformedDoc); !ok {
		t.Fatalf("expected *MalformedDoc, got %T", err)
	}
}

func TestDecodeUnknownTagFails(t *testing.T) {
	doc := NewDocument(Pair{Key: "a", Val: Value{Kind: KindInt32, Int32: 1}})
	encoded := Encode(doc)
	// Corrupt the element's type tag (first byte after the 4-byte length).
	encoded[4] = 0x7F
	_, _, err := Decode(encoded)
	if err == nil {
		t.Fatalf("expected error for unknown type tag")
	}
}

func TestNullVsMissingAreDistinct(t *testing.T) {
	doc := NewDocument(Pair{Key: "p", Val: Null()})
	if IsMissing(doc.Get("p")) {
		t.Fatalf("explicit null should not be reported missing")
	}
	if !IsMissing(doc.Get("q")) {
		t.Fatalf("absent field should be reported missing")
	}
}

func TestNumericEqualVsStrictEquality(t *testing.T) {
	i2 := Value{Kind: KindInt32, Int32: 2}
	f2 := Value{Kind: KindDouble, Double: 2.0}
	if i2.Equal(f2) {
		t.Fatalf("strict equality must treat int32(2) and double(2.0) as distinct")
	}
	if !NumericEqual(i2, f2) {
		t.Fatalf("NumericEqual must treat int32(2) and double(2.0) as equal")
	}
}
