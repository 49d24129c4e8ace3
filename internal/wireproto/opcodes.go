// Package wireproto implements the length-prefixed wire framing described
// in spec.md §4.B: header parsing/emission, the modern request-reply
// envelope, the legacy query envelope, and the compressed wrapper — while
// keeping request/response identifiers paired end to end.
//
// The header shape (length, request id, response-to, opcode) mirrors the
// teacher's bundoc/wire.Header (5-byte OpCode+Length header), generalized
// here to the reference server's 16-byte header and multi-opcode envelope
// set.
package wireproto

// OpCode identifies the shape of a message body.
type OpCode int32

const (
	OpReply      OpCode = 1    // legacy reply, write path only (spec.md §6)
	OpQuery      OpCode = 2004 // legacy query envelope
	OpCompressed OpCode = 2012 // compressed wrapper around OpMsg/OpQuery
	OpMsg        OpCode = 2013 // modern request-reply envelope
)

func (op OpCode) String() string {
	switch op {
	case OpReply:
		return "OP_REPLY"
	case OpQuery:
		return "OP_QUERY"
	case OpCompressed:
		return "OP_COMPRESSED"
	case OpMsg:
		return "OP_MSG"
	default:
		return "OP_UNKNOWN"
	}
}

// HeaderSize is the fixed 16-byte MsgHeader length: four int32 fields.
const HeaderSize = 16

// MaxDocumentSize is the default cap on a single message body, matching the
// reference server's 16 MiB maxBsonObjectSize (spec.md §4.B, §8).
const MaxDocumentSize = 16 * 1024 * 1024

// MsgHeader is the fixed-size envelope header common to every opcode.
type MsgHeader struct {
	MessageLength int32
	RequestID     int32
	ResponseTo    int32
	OpCode        OpCode
}
