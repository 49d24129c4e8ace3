package wireproto

import (
	"encoding/binary"
	"io"

	"github.com/fcoury/oxidedb/internal/bsonkit"
	"github.com/fcoury/oxidedb/internal/oxerr"
)

// ReadMessage reads one complete message from r: header, then body. The
// cap check happens against the header's declared length before the body
// buffer is allocated, so a message claiming to exceed MaxDocumentSize
// aborts before any large allocation — the back-pressure rule in
// spec.md §4.B/§5.
func ReadMessage(r io.Reader) (Message, error) {
	header, err := readHeader(r)
	if err != nil {
		return nil, err
	}

	bodyLen := int(header.MessageLength) - HeaderSize
	if bodyLen < 0 {
		return nil, oxerr.New(oxerr.KindTruncatedMessage, "message length shorter than header")
	}
	if bodyLen > MaxDocumentSize {
		return nil, oxerr.New(oxerr.KindDocTooLarge, "message body exceeds maximum size")
	}

	body := make([]byte, bodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, oxerr.Wrap(oxerr.KindTruncatedMessage, "short read on message body", err)
	}

	return decodeBody(header, body)
}

func readHeader(r io.Reader) (MsgHeader, error) {
	buf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return MsgHeader{}, err
	}
	return MsgHeader{
		MessageLength: int32(binary.LittleEndian.Uint32(buf[0:4])),
		RequestID:     int32(binary.LittleEndian.Uint32(buf[4:8])),
		ResponseTo:    int32(binary.LittleEndian.Uint32(buf[8:12])),
		OpCode:        OpCode(binary.LittleEndian.Uint32(buf[12:16])),
	}, nil
}

func decodeBody(header MsgHeader, body []byte) (Message, error) {
	switch header.OpCode {
	case OpMsg:
		return decodeOpMsg(header, body)
	case OpQuery:
		return decodeOpQuery(header, body)
	case OpReply:
		return decodeOpReply(header, body)
	case OpCompressed:
		return decodeOpCompressed(header, body)
	default:
		return nil, oxerr.New(oxerr.KindUnknownOpcode, header.OpCode.String())
	}
}

func decodeOpMsg(header MsgHeader, body []byte) (*OpMsgMessage, error) {
	if len(body) < 4 {
		return nil, oxerr.New(oxerr.KindTruncatedMessage, "OP_MSG missing flag bits")
	}
	flags := MsgFlags(binary.LittleEndian.Uint32(body[0:4]))
	pos := 4

	hasChecksum := flags&FlagChecksumPresent != 0
	end := len(body)
	if hasChecksum {
		end -= 4
		if end < pos {
			return nil, oxerr.New(oxerr.KindTruncatedMessage, "OP_MSG missing checksum")
		}
	}

	var sections []Section
	for pos < end {
		kind := body[pos]
		pos++
		switch kind {
		case SectionBody:
			doc, n, err := bsonkit.Decode(body[pos:end])
			if err != nil {
				return nil, toMalformed(err)
			}
			pos += n
			sections = append(sections, Section{Kind: SectionBody, Body: doc})
		case SectionDocumentArray:
			if pos+4 > end {
				return nil, oxerr.New(oxerr.KindTruncatedMessage, "OP_MSG section 1 missing size")
			}
			size := int(binary.LittleEndian.Uint32(body[pos : pos+4]))
			if size < 4 || pos+size > end {
				return nil, oxerr.New(oxerr.KindTruncatedMessage, "OP_MSG section 1 size out of range")
			}
			sectionEnd := pos + size
			pos += 4
			identifier, n, err := readCString(body[pos:sectionEnd])
			if err != nil {
				return nil, toMalformed(err)
			}
			pos += n
			var docs []*bsonkit.Document
			for pos < sectionEnd {
				doc, n, err := bsonkit.Decode(body[pos:sectionEnd])
				if err != nil {
					return nil, toMalformed(err)
				}
				pos += n
				docs = append(docs, doc)
			}
			sections = append(sections, Section{Kind: SectionDocumentArray, Identifier: identifier, Docs: docs})
		default:
			return nil, oxerr.New(oxerr.KindMalformedDoc, "unknown OP_MSG section kind")
		}
	}

	msg := &OpMsgMessage{Header: header, Flags: flags, Sections: sections}
	if hasChecksum {
		msg.Checksum = binary.LittleEndian.Uint32(body[end:])
	}
	return msg, nil
}

func decodeOpQuery(header MsgHeader, body []byte) (*OpQueryMessage, error) {
	if len(body) < 4 {
		return nil, oxerr.New(oxerr.KindTruncatedMessage, "OP_QUERY missing flags")
	}
	flags := int32(binary.LittleEndian.Uint32(body[0:4]))
	pos := 4

	name, n, err := readCString(body[pos:])
	if err != nil {
		return nil, toMalformed(err)
	}
	pos += n

	if pos+8 > len(body) {
		return nil, oxerr.New(oxerr.KindTruncatedMessage, "OP_QUERY missing skip/return counts")
	}
	skip := int32(binary.LittleEndian.Uint32(body[pos : pos+4]))
	ret := int32(binary.LittleEndian.Uint32(body[pos+4 : pos+8]))
	pos += 8

	query, n, err := bsonkit.Decode(body[pos:])
	if err != nil {
		return nil, toMalformed(err)
	}
	pos += n

	msg := &OpQueryMessage{
		Header:             header,
		Flags:               flags,
		FullCollectionName: name,
		NumberToSkip:       skip,
		NumberToReturn:     ret,
		Query:              query,
	}

	if pos < len(body) {
		selector, _, err := bsonkit.Decode(body[pos:])
		if err != nil {
			return nil, toMalformed(err)
		}
		msg.ReturnFieldsSelector = selector
	}
	return msg, nil
}

func decodeOpReply(header MsgHeader, body []byte) (*OpReplyMessage, error) {
	if len(body) < 20 {
		return nil, oxerr.New(oxerr.KindTruncatedMessage, "OP_REPLY header truncated")
	}
	flags := int32(binary.LittleEndian.Uint32(body[0:4]))
	cursorID := int64(binary.LittleEndian.Uint64(body[4:12]))
	startingFrom := int32(binary.LittleEndian.Uint32(body[12:16]))
	numberReturned := int32(binary.LittleEndian.Uint32(body[16:20]))

	pos := 20
	docs := make([]*bsonkit.Document, 0, numberReturned)
	for pos < len(body) {
		doc, n, err := bsonkit.Decode(body[pos:])
		if err != nil {
			return nil, toMalformed(err)
		}
		pos += n
		docs = append(docs, doc)
	}

	return &OpReplyMessage{
		Header:         header,
		ResponseFlags:  flags,
		CursorID:       cursorID,
		StartingFrom:   startingFrom,
		NumberReturned: numberReturned,
		Documents:      docs,
	}, nil
}

func decodeOpCompressed(header MsgHeader, body []byte) (Message, error) {
	if len(body) < 9 {
		return nil, oxerr.New(oxerr.KindTruncatedMessage, "OP_COMPRESSED header truncated")
	}
	originalOp := OpCode(binary.LittleEndian.Uint32(body[0:4]))
	uncompressedLen := int32(binary.LittleEndian.Uint32(body[4:8]))
	compressorID := CompressionID(body[8])
	compressed := body[9:]

	if uncompressedLen > int32(MaxDocumentSize) {
		return nil, oxerr.New(oxerr.KindDocTooLarge, "decompressed OP_COMPRESSED payload exceeds maximum size")
	}

	inner, err := Decompress(compressorID, compressed, int(uncompressedLen))
	if err != nil {
		return nil, err
	}

	// Re-enter decoding as if the inner opcode arrived directly, per
	// spec.md §4.B: "re-enters the dispatcher as if the inner opcode
	// arrived directly".
	innerHeader := MsgHeader{
		MessageLength: int32(HeaderSize + len(inner)),
		RequestID:     header.RequestID,
		ResponseTo:    header.ResponseTo,
		OpCode:        originalOp,
	}
	msg, err := decodeBody(innerHeader, inner)
	if err != nil {
		return nil, err
	}

	// Wrap so the caller (dispatcher) knows to reply compressed too.
	return &decodedCompressed{inner: msg, compressorID: compressorID, header: header}, nil
}

// decodedCompressed carries the inner decoded message plus the compression
// metadata needed to compress the reply symmetrically (spec.md §4.B
// invariant: reply opcode=compressed iff request opcode=compressed, with
// the same algorithm).
type decodedCompressed struct {
	inner        Message
	compressorID CompressionID
	header       MsgHeader
}

func (d *decodedCompressed) GetHeader() MsgHeader { return d.header }

// Inner returns the decoded message carried inside the compressed envelope.
func (d *decodedCompressed) Inner() Message { return d.inner }

// CompressorID returns the algorithm the request used, for symmetric reply
// compression.
func (d *decodedCompressed) CompressorID() CompressionID { return d.compressorID }

func readCString(buf []byte) (string, int, error) {
	for i, b := range buf {
		if b == 0x00 {
			return string(buf[:i]), i + 1, nil
		}
	}
	return "", 0, oxerr.New(oxerr.KindMalformedDoc, "unterminated cstring in wire message")
}

func toMalformed(err error) error {
	if _, ok := err.(*bsonkit.MalformedDoc); ok {
		return oxerr.Wrap(oxerr.KindMalformedDoc, "invalid document in message body", err)
	}
	return err
}
