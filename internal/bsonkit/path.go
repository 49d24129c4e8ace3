package bsonkit

import "strings"

// Get performs dotted-path access (spec.md §4.A: get(doc, "a.b.c")). It
// returns nil when any segment is missing or when a non-document/array is
// indexed further, which is the Missing sentinel used throughout the
// translator to distinguish "absent" from explicit null (spec.md §4.C.6).
func Get(d *Document, path string) *Value {
	if d == nil {
		return nil
	}
	segments := strings.Split(path, ".")
	var cur *Value
	doc := d
	for i, seg := range segments {
		if doc != nil {
			cur = doc.Get(seg)
		} else if cur != nil && cur.Kind == KindArray {
			cur = arrayIndex(cur.Arr, seg)
		} else {
			return nil
		}
		if cur == nil {
			return nil
		}
		last := i == len(segments)-1
		if !last {
			switch cur.Kind {
			case KindDocument:
				doc = cur.Doc
			case KindArray:
				doc = nil
			default:
				return nil
			}
		}
	}
	return cur
}

func arrayIndex(arr []Value, seg string) *Value {
	idx := 0
	for _, c := range seg {
		if c < '0' || c > '9' {
			return nil
		}
		idx = idx*10 + int(c-'0')
	}
	if idx < 0 || idx >= len(arr) {
		return nil
	}
	return &arr[idx]
}

// Set assigns a value at a dotted path, creating intermediate documents as
// needed. Used by the update compiler's set/$rename support at the Go level
// (e.g. for computing engine-fallback projections).
func Set(d *Document, path string, v Value) {
	segments := strings.Split(path, ".")
	cur := d
	for i, seg := range segments {
		if i == len(segments)-1 {
			cur.Set(seg, v)
			return
		}
		existing := cur.Get(seg)
		if existing == nil || existing.Kind != KindDocument {
			cur.Set(seg, Value{Kind: KindDocument, Doc: &Document{}})
			existing = cur.Get(seg)
		}
		cur = existing.Doc
	}
}

// Unset removes a dotted path if present.
func Unset(d *Document, path string) {
	segments := strings.Split(path, ".")
	cur := d
	for i, seg := range segments {
		if i == len(segments)-1 {
			cur.Unset(seg)
			return
		}
		existing := cur.Get(seg)
		if existing == nil || existing.Kind != KindDocument {
			return
		}
		cur = existing.Doc
	}
}
