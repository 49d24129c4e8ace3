package bsonkit

import "encoding/hex"

// FromNative converts a decoded-JSONB value (as produced by pgx's jsonb
// scan path: map[string]interface{}, []interface{}, string, float64, bool,
// nil) back into a Document, the inverse of ToNative. Used by the
// aggregation pipeline and any other SQL path that projects through a
// jsonb column rather than returning doc_bson verbatim.
func FromNative(m map[string]interface{}) *Document {
	if m == nil {
		return NewDocument()
	}
	d := &Document{}
	for k, v := range m {
		d.Pairs = append(d.Pairs, Pair{Key: k, Val: valueFromNative(v)})
	}
	return d
}

// ValueFromNative converts a single plain Go value (as produced by a CEL
// program's computed-projection result, or a jsonb scalar) into a Value.
func ValueFromNative(v interface{}) Value { return valueFromNative(v) }

func valueFromNative(v interface{}) Value {
	switch t := v.(type) {
	case nil:
		return Null()
	case bool:
		return Value{Kind: KindBool, Bool: t}
	case float64:
		return Value{Kind: KindDouble, Double: t}
	case int64:
		return Value{Kind: KindInt64, Int64: t}
	case int32:
		return Value{Kind: KindInt32, Int32: t}
	case string:
		return Value{Kind: KindString, Str: t}
	case []interface{}:
		arr := make([]Value, len(t))
		for i, e := range t {
			arr[i] = valueFromNative(e)
		}
		return Value{Kind: KindArray, Arr: arr}
	case map[string]interface{}:
		return Value{Kind: KindDocument, Doc: FromNative(t)}
	default:
		return Null()
	}
}

// ToNative converts a Document into plain Go values (map[string]interface{},
// []interface{}, string, float64, bool, int64, nil) for consumption by
// CEL's dynamic type system, grounded on the teacher's RuleContext shape in
// bundoc/rules.Evaluate, which also takes map[string]interface{} activations.
func ToNative(d *Document) map[string]interface{} {
	if d == nil {
		return map[string]interface{}{}
	}
	out := make(map[string]interface{}, len(d.Pairs))
	for _, p := range d.Pairs {
		out[p.Key] = valueToNative(p.Val)
	}
	return out
}

func valueToNative(v Value) interface{} {
	switch v.Kind {
	case KindNull:
		return nil
	case KindBool:
		return v.Bool
	case KindInt32:
		return int64(v.Int32)
	case KindInt64:
		return v.Int64
	case KindDouble:
		return v.Double
	case KindString:
		return v.Str
	case KindDocument:
		return ToNative(v.Doc)
	case KindArray:
		arr := make([]interface{}, len(v.Arr))
		for i, e := range v.Arr {
			arr[i] = valueToNative(e)
		}
		return arr
	case KindBinary:
		return hex.EncodeToString(v.Bin)
	case KindObjectID:
		return hex.EncodeToString(v.OID[:])
	case KindDateTime:
		return v.DateMs
	case KindRegex:
		return v.Rgx.Pattern
	case KindTimestamp:
		return int64(v.TS.Seconds)
	case KindDecimal128:
		f, _ := ToFloat64(v)
		return f
	default:
		return nil
	}
}
