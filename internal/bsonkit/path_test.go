package bsonkit

import "testing"

func TestGetDottedPath(t *testing.T) {
	c := NewDocument(Pair{Key: "c", Val: Value{Kind: KindInt32, Int32: 7}})
	b := NewDocument(Pair{Key: "b", Val: Value{Kind: KindDocument, Doc: c}})
	doc := NewDocument(Pair{Key: "a", Val: Value{Kind: KindDocument, Doc: b}})

	v := Get(doc, "a.b.c")
	if v == nil || v.Kind != KindInt32 || v.Int32 != 7 {
		t.Fatalf("expected a.b.c == 7, got %+v", v)
	}

	if Get(doc, "a.b.missing") != nil {
		t.Fatalf("expected missing path to return nil")
	}
}

func TestGetArrayIndex(t *testing.T) {
	doc := NewDocument(Pair{Key: "arr", Val: Value{Kind: KindArray, Arr: []Value{
		{Kind: KindInt32, Int32: 10},
		{Kind: KindInt32, Int32: 20},
	}}})

	v := Get(doc, "arr.1")
	if v == nil || v.Int32 != 20 {
		t.Fatalf("expected arr.1 == 20, got %+v", v)
	}
}

func TestSetAndUnsetDottedPath(t *testing.T) {
	doc := &Document{}
	Set(doc, "a.b.c", Value{Kind: KindInt32, Int32: 5})

	v := Get(doc, "a.b.c")
	if v == nil || v.Int32 != 5 {
		t.Fatalf("expected a.b.c == 5 after Set, got %+v", v)
	}

	Unset(doc, "a.b.c")
	if Get(doc, "a.b.c") != nil {
		t.Fatalf("expected a.b.c to be gone after Unset")
	}
}
