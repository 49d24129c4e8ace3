package bsonkit

import (
	"encoding/binary"
	"fmt"
	"math"
	"unicode/utf8"
)

// Wire type tags, matching the reference server's BSON type codes so that
// OxideDB's on-the-wire documents are byte-compatible with real drivers.
const (
	tagDouble     = 0x01
	tagString     = 0x02
	tagDocument   = 0x03
	tagArray      = 0x04
	tagBinary     = 0x05
	tagObjectID   = 0x07
	tagBool       = 0x08
	tagDateTime   = 0x09
	tagNull       = 0x0A
	tagRegex      = 0x0B
	tagInt32      = 0x10
	tagTimestamp  = 0x11
	tagInt64      = 0x12
	tagDecimal128 = 0x13
)

// MalformedDoc is returned by Decode for any structurally invalid input:
// truncated buffers, unknown type tags, invalid UTF-8, or a length prefix
// that disagrees with the actual element count (spec.md §4.A).
type MalformedDoc struct {
	Reason string
}

func (e *MalformedDoc) Error() string { return "malformed document: " + e.Reason }

func malformed(format string, args ...interface{}) error {
	return &MalformedDoc{Reason: fmt.Sprintf(format, args...)}
}

// Encode serializes a Document to its length-prefixed binary form,
// preserving insertion order (spec.md §4.A, §8 round-trip property).
func Encode(d *Document) []byte {
	body := encodeElements(d)
	total := 4 + len(body) + 1
	out := make([]byte, total)
	binary.LittleEndian.PutUint32(out, uint32(total))
	copy(out[4:], body)
	out[total-1] = 0x00
	return out
}

func encodeElements(d *Document) []byte {
	var buf []byte
	if d == nil {
		return buf
	}
	for _, p := range d.Pairs {
		buf = append(buf, encodeElement(p.Key, p.Val)...)
	}
	return buf
}

func encodeElement(key string, v Value) []byte {
	var buf []byte
	buf = append(buf, elementTag(v))
	buf = append(buf, cstring(key)...)
	buf = append(buf, encodeValue(v)...)
	return buf
}

func elementTag(v Value) byte {
	switch v.Kind {
	case KindDouble:
		return tagDouble
	case KindString:
		return tagString
	case KindDocument:
		return tagDocument
	case KindArray:
		return tagArray
	case KindBinary:
		return tagBinary
	case KindObjectID:
		return tagObjectID
	case KindBool:
		return tagBool
	case KindDateTime:
		return tagDateTime
	case KindNull:
		return tagNull
	case KindRegex:
		return tagRegex
	case KindInt32:
		return tagInt32
	case KindTimestamp:
		return tagTimestamp
	case KindInt64:
		return tagInt64
	case KindDecimal128:
		return tagDecimal128
	default:
		return tagNull
	}
}

func cstring(s string) []byte {
	return append([]byte(s), 0x00)
}

func encodeValue(v Value) []byte {
	switch v.Kind {
	case KindDouble:
		buf := make([]byte, 8)
		binary.LittleEndian.PutUint64(buf, math.Float64bits(v.Double))
		return buf
	case KindString:
		return encodeString(v.Str)
	case KindDocument:
		return Encode(v.Doc)
	case KindArray:
		return Encode(arrayToDocument(v.Arr))
	case KindBinary:
		buf := make([]byte, 5)
		binary.LittleEndian.PutUint32(buf, uint32(len(v.Bin)))
		buf[4] = v.BinSub
		return append(buf, v.Bin...)
	case KindObjectID:
		return v.OID[:]
	case KindBool:
		if v.Bool {
			return []byte{1}
		}
		return []byte{0}
	case KindDateTime:
		buf := make([]byte, 8)
		binary.LittleEndian.PutUint64(buf, uint64(v.DateMs))
		return buf
	case KindNull:
		return nil
	case KindRegex:
		return append(cstring(v.Rgx.Pattern), cstring(v.Rgx.Flags)...)
	case KindInt32:
		buf := make([]byte, 4)
		binary.LittleEndian.PutUint32(buf, uint32(v.Int32))
		return buf
	case KindTimestamp:
		buf := make([]byte, 8)
		binary.LittleEndian.PutUint32(buf[0:4], v.TS.Increment)
		binary.LittleEndian.PutUint32(buf[4:8], v.TS.Seconds)
		return buf
	case KindInt64:
		buf := make([]byte, 8)
		binary.LittleEndian.PutUint64(buf, uint64(v.Int64))
		return buf
	case KindDecimal128:
		buf := make([]byte, 16)
		binary.LittleEndian.PutUint64(buf[0:8], v.Decimal.Lo)
		binary.LittleEndian.PutUint64(buf[8:16], v.Decimal.Hi)
		return buf
	default:
		return nil
	}
}

func encodeString(s string) []byte {
	buf := make([]byte, 4)
	payload := append([]byte(s), 0x00)
	binary.LittleEndian.PutUint32(buf, uint32(len(payload)))
	return append(buf, payload...)
}

func arrayToDocument(arr []Value) *Document {
	d := &Document{Pairs: make([]Pair, len(arr))}
	for i, v := range arr {
		d.Pairs[i] = Pair{Key: fmt.Sprintf("%d", i), Val: v}
	}
	return d
}

// Decode parses a length-prefixed document from the start of buf, returning
// the document and the number of bytes consumed. It fails with
// *MalformedDoc on truncated input, an unknown type tag, invalid UTF-8 in a
// string/cstring, or a length prefix that does not match the terminator
// position.
func Decode(buf []byte) (*Document, int, error) {
	if len(buf) < 5 {
		return nil, 0, malformed("buffer shorter than minimum document size")
	}
	total := int(binary.LittleEndian.Uint32(buf))
	if total < 5 || total > len(buf) {
		return nil, 0, malformed("length prefix %d out of range (buffer %d)", total, len(buf))
	}
	if buf[total-1] != 0x00 {
		return nil, 0, malformed("missing document terminator")
	}
	doc, pos, err := decodeElements(buf[4 : total-1])
	if err != nil {
		return nil, 0, err
	}
	if pos != total-5 {
		return nil, 0, malformed("trailing garbage inside document body")
	}
	return doc, total, nil
}

func decodeElements(buf []byte) (*Document, int, error) {
	d := &Document{}
	pos := 0
	for pos < len(buf) {
		tag := buf[pos]
		pos++
		key, n, err := readCString(buf[pos:])
		if err != nil {
			return nil, 0, err
		}
		pos += n
		val, n, err := decodeValue(tag, buf[pos:])
		if err != nil {
			return nil, 0, err
		}
		pos += n
		d.Pairs = append(d.Pairs, Pair{Key: key, Val: val})
	}
	return d, pos, nil
}

func readCString(buf []byte) (string, int, error) {
	for i, b := range buf {
		if b == 0x00 {
			s := string(buf[:i])
			if !utf8.ValidString(s) {
				return "", 0, malformed("invalid UTF-8 in key")
			}
			return s, i + 1, nil
		}
	}
	return "", 0, malformed("unterminated cstring")
}

func decodeValue(tag byte, buf []byte) (Value, int, error) {
	switch tag {
	case tagDouble:
		if len(buf) < 8 {
			return Value{}, 0, malformed("truncated double")
		}
		bits := binary.LittleEndian.Uint64(buf[:8])
		return Value{Kind: KindDouble, Double: math.Float64frombits(bits)}, 8, nil
	case tagString:
		s, n, err := decodeString(buf)
		if err != nil {
			return Value{}, 0, err
		}
		return Value{Kind: KindString, Str: s}, n, nil
	case tagDocument:
		doc, n, err := Decode(buf)
		if err != nil {
			return Value{}, 0, err
		}
		return Value{Kind: KindDocument, Doc: doc}, n, nil
	case tagArray:
		doc, n, err := Decode(buf)
		if err != nil {
			return Value{}, 0, err
		}
		arr := make([]Value, len(doc.Pairs))
		for i, p := range doc.Pairs {
			arr[i] = p.Val
		}
		return Value{Kind: KindArray, Arr: arr}, n, nil
	case tagBinary:
		if len(buf) < 5 {
			return Value{}, 0, malformed("truncated binary header")
		}
		ln := int(binary.LittleEndian.Uint32(buf[:4]))
		sub := buf[4]
		if ln < 0 || 5+ln > len(buf) {
			return Value{}, 0, malformed("truncated binary payload")
		}
		data := make([]byte, ln)
		copy(data, buf[5:5+ln])
		return Value{Kind: KindBinary, Bin: data, BinSub: sub}, 5 + ln, nil
	case tagObjectID:
		if len(buf) < 12 {
			return Value{}, 0, malformed("truncated objectId")
		}
		var oid ObjectID
		copy(oid[:], buf[:12])
		return Value{Kind: KindObjectID, OID: oid}, 12, nil
	case tagBool:
		if len(buf) < 1 {
			return Value{}, 0, malformed("truncated bool")
		}
		if buf[0] > 1 {
			return Value{}, 0, malformed("invalid bool byte %d", buf[0])
		}
		return Value{Kind: KindBool, Bool: buf[0] == 1}, 1, nil
	case tagDateTime:
		if len(buf) < 8 {
			return Value{}, 0, malformed("truncated date")
		}
		ms := int64(binary.LittleEndian.Uint64(buf[:8]))
		return Value{Kind: KindDateTime, DateMs: ms}, 8, nil
	case tagNull:
		return Value{Kind: KindNull}, 0, nil
	case tagRegex:
		pattern, n1, err := readCString(buf)
		if err != nil {
			return Value{}, 0, err
		}
		flags, n2, err := readCString(buf[n1:])
		if err != nil {
			return Value{}, 0, err
		}
		return Value{Kind: KindRegex, Rgx: Regex{Pattern: pattern, Flags: flags}}, n1 + n2, nil
	case tagInt32:
		if len(buf) < 4 {
			return Value{}, 0, malformed("truncated int32")
		}
		return Value{Kind: KindInt32, Int32: int32(binary.LittleEndian.Uint32(buf[:4]))}, 4, nil
	case tagTimestamp:
		if len(buf) < 8 {
			return Value{}, 0, malformed("truncated timestamp")
		}
		inc := binary.LittleEndian.Uint32(buf[0:4])
		sec := binary.LittleEndian.Uint32(buf[4:8])
		return Value{Kind: KindTimestamp, TS: ClusterTimestamp{Seconds: sec, Increment: inc}}, 8, nil
	case tagInt64:
		if len(buf) < 8 {
			return Value{}, 0, malformed("truncated int64")
		}
		return Value{Kind: KindInt64, Int64: int64(binary.LittleEndian.Uint64(buf[:8]))}, 8, nil
	case tagDecimal128:
		if len(buf) < 16 {
			return Value{}, 0, malformed("truncated decimal128")
		}
		lo := binary.LittleEndian.Uint64(buf[0:8])
		hi := binary.LittleEndian.Uint64(buf[8:16])
		return Value{Kind: KindDecimal128, Decimal: Decimal128{Hi: hi, Lo: lo}}, 16, nil
	default:
		return Value{}, 0, malformed("unknown type tag 0x%02x", tag)
	}
}

func decodeString(buf []byte) (string, int, error) {
	if len(buf) < 4 {
		return "", 0, malformed("truncated string length")
	}
	ln := int(binary.LittleEndian.Uint32(buf[:4]))
	if ln < 1 || 4+ln > len(buf) {
		return "", 0, malformed("truncated string payload")
	}
	if buf[4+ln-1] != 0x00 {
		return "", 0, malformed("string missing terminator")
	}
	s := string(buf[4 : 4+ln-1])
	if !utf8.ValidString(s) {
		return "", 0, malformed("invalid UTF-8 in string")
	}
	return s, 4 + ln, nil
}
