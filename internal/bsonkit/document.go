package bsonkit

// Pair is one (name, value) entry of a Document. Order is preserved on
// round trip, per spec.md §3/§8.
type Pair struct {
	Key string
	Val Value
}

// Document is an ordered sequence of key/value pairs — the unit of storage
// described in spec.md §3. Lookup by key is O(n); documents in this system
// are small command/record payloads, not a general-purpose map replacement,
// so the teacher's Collection code (which uses plain Go maps for its own
// smaller documents) is generalized here to an ordered slice instead of a
// map, since byte-exact round trip requires preserving key order.
type Document struct {
	Pairs []Pair
}

// NewDocument builds a Document from key/value pairs, in the given order.
func NewDocument(pairs ...Pair) *Document {
	return &Document{Pairs: pairs}
}

// Get returns the value for key at the top level, or nil if absent.
func (d *Document) Get(key string) *Value {
	if d == nil {
		return nil
	}
	for i := range d.Pairs {
		if d.Pairs[i].Key == key {
			return &d.Pairs[i].Val
		}
	}
	return nil
}

// Set inserts or replaces the value for key, preserving the position of an
// existing key and appending new keys at the end.
func (d *Document) Set(key string, v Value) {
	for i := range d.Pairs {
		if d.Pairs[i].Key == key {
			d.Pairs[i].Val = v
			return
		}
	}
	d.Pairs = append(d.Pairs, Pair{Key: key, Val: v})
}

// Unset removes key if present.
func (d *Document) Unset(key string) {
	for i := range d.Pairs {
		if d.Pairs[i].Key == key {
			d.Pairs = append(d.Pairs[:i], d.Pairs[i+1:]...)
			return
		}
	}
}

// Keys returns the ordered list of top-level keys.
func (d *Document) Keys() []string {
	keys := make([]string, len(d.Pairs))
	for i, p := range d.Pairs {
		keys[i] = p.Key
	}
	return keys
}

// FirstKey returns the first key, used by the dispatcher to identify the
// command name per spec.md §4.G ("first key of the section-0 document").
func (d *Document) FirstKey() (string, bool) {
	if d == nil || len(d.Pairs) == 0 {
		return "", false
	}
	return d.Pairs[0].Key, true
}

// Clone performs a deep copy.
func (d *Document) Clone() *Document {
	if d == nil {
		return nil
	}
	out := &Document{Pairs: make([]Pair, len(d.Pairs))}
	for i, p := range d.Pairs {
		out.Pairs[i] = Pair{Key: p.Key, Val: cloneValue(p.Val)}
	}
	return out
}

func cloneValue(v Value) Value {
	switch v.Kind {
	case KindDocument:
		v.Doc = v.Doc.Clone()
	case KindArray:
		arr := make([]Value, len(v.Arr))
		for i, e := range v.Arr {
			arr[i] = cloneValue(e)
		}
		v.Arr = arr
	case KindBinary:
		b := make([]byte, len(v.Bin))
		copy(b, v.Bin)
		v.Bin = b
	}
	return v
}

// Equal compares two documents for structural, order-sensitive equality —
// used by the codec round-trip property in spec.md §8.
func (d *Document) Equal(other *Document) bool {
	if d == nil || other == nil {
		return d == other
	}
	if len(d.Pairs) != len(other.Pairs) {
		return false
	}
	for i := range d.Pairs {
		if d.Pairs[i].Key != other.Pairs[i].Key {
			return false
		}
		if !d.Pairs[i].Val.Equal(other.Pairs[i].Val) {
			return false
		}
	}
	return true
}

// ObjectIDValue extracts the document's "_id" as raw bytes suitable for use
// as the storage adapter's primary-key column, per spec.md §3's invariant
// that the _id encoded inside doc_bson equals the binary `id` column.
func (d *Document) ObjectIDValue() (Value, bool) {
	v := d.Get("_id")
	if v == nil {
		return Value{}, false
	}
	return *v, true
}
