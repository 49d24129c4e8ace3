package wireproto

import "github.com/fcoury/oxidedb/internal/bsonkit"

// Section kinds for OP_MSG, per spec.md §4.B: type 0 carries the single
// command document, type 1 carries a named array of documents ("payload
// sequence").
const (
	SectionBody          = 0
	SectionDocumentArray = 1
)

// Section is one OP_MSG section.
type Section struct {
	Kind int
	// Body is set for SectionBody.
	Body *bsonkit.Document
	// Identifier and Docs are set for SectionDocumentArray.
	Identifier string
	Docs       []*bsonkit.Document
}

// MsgFlags are the OP_MSG flag bits OxideDB understands.
type MsgFlags uint32

const (
	FlagChecksumPresent MsgFlags = 1 << 0
	FlagMoreToCome      MsgFlags = 1 << 1
	FlagExhaustAllowed  MsgFlags = 1 << 16
)

// OpMsgMessage is the modern request-reply envelope.
type OpMsgMessage struct {
	Header   MsgHeader
	Flags    MsgFlags
	Sections []Section
	Checksum uint32
}

// Command returns the single command document from the first section-0
// entry, which is where spec.md §4.G says the command body lives.
func (m *OpMsgMessage) Command() *bsonkit.Document {
	for _, s := range m.Sections {
		if s.Kind == SectionBody {
			return s.Body
		}
	}
	return nil
}

// DocumentSequence returns the payload sequence with the given identifier
// (e.g. "documents" for insert, "deletes" for delete), or nil.
func (m *OpMsgMessage) DocumentSequence(identifier string) []*bsonkit.Document {
	for _, s := range m.Sections {
		if s.Kind == SectionDocumentArray && s.Identifier == identifier {
			return s.Docs
		}
	}
	return nil
}

// OpQueryMessage is the legacy query envelope.
type OpQueryMessage struct {
	Header               MsgHeader
	Flags                int32
	FullCollectionName   string
	NumberToSkip         int32
	NumberToReturn       int32
	Query                *bsonkit.Document
	ReturnFieldsSelector *bsonkit.Document
}

// OpReplyMessage is the legacy reply envelope (write path only, per
// spec.md §6).
type OpReplyMessage struct {
	Header         MsgHeader
	ResponseFlags  int32
	CursorID       int64
	StartingFrom   int32
	NumberReturned int32
	Documents      []*bsonkit.Document
}

// CompressionID identifies the compression algorithm of an OP_COMPRESSED
// envelope.
type CompressionID byte

const (
	CompressionNoop   CompressionID = 0
	CompressionSnappy CompressionID = 1
	CompressionZlib   CompressionID = 2
	CompressionZstd   CompressionID = 3
)

// OpCompressedMessage wraps an inner opcode's raw (post-header) bytes under
// one of the supported compression algorithms (spec.md §4.B).
type OpCompressedMessage struct {
	Header          MsgHeader
	OriginalOpCode  OpCode
	UncompressedLen int32
	CompressorID    CompressionID
	CompressedBytes []byte
}

// Message is any decoded envelope. ReadMessage returns an *OpMsgMessage,
// *OpQueryMessage or *OpReplyMessage, or, for OP_COMPRESSED, a value that
// implements Compressed; *OpCompressedMessage also implements Message.
type Message interface {
	GetHeader() MsgHeader
}

// Compressed is implemented by ReadMessage's internal OP_COMPRESSED wrapper,
// letting callers outside this package unwrap the inner message and learn
// which algorithm to reply with, without exposing the wrapper's concrete
// type.
type Compressed interface {
	Message
	Inner() Message
	CompressorID() CompressionID
}

func (m *OpMsgMessage) GetHeader() MsgHeader        { return m.Header }
func (m *OpQueryMessage) GetHeader() MsgHeader      { return m.Header }
func (m *OpReplyMessage) GetHeader() MsgHeader      { return m.Header }
func (m *OpCompressedMessage) GetHeader() MsgHeader { return m.Header }
