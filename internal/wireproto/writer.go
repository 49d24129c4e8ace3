package wireproto

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/fcoury/oxidedb/internal/bsonkit"
	"github.com/fcoury/oxidedb/internal/oxerr"
)

// WriteMessage frames and writes msg to w. The header's response-to is
// whatever the caller already set on msg — spec.md §8's invariant
// reply(m).response-to = m.request-id is the caller's responsibility when
// building the reply, not this function's.
func WriteMessage(w io.Writer, msg Message) error {
	body, err := encodeBody(msg)
	if err != nil {
		return err
	}

	header := msg.GetHeader()
	header.MessageLength = int32(HeaderSize + len(body))

	buf := make([]byte, HeaderSize+len(body))
	putHeader(buf, header)
	copy(buf[HeaderSize:], body)

	_, err = w.Write(buf)
	return err
}

// WriteCompressed compresses body under id and writes it as an OP_COMPRESSED
// envelope wrapping originalOpCode, pairing requestID/responseTo per
// spec.md §4.B ("a compressed reply mirrors a compressed request using the
// same algorithm").
func WriteCompressed(w io.Writer, originalOpCode OpCode, requestID, responseTo int32, id CompressionID, body []byte) error {
	compressed, err := Compress(id, body)
	if err != nil {
		return err
	}

	payload := make([]byte, 9+len(compressed))
	binary.LittleEndian.PutUint32(payload[0:4], uint32(originalOpCode))
	binary.LittleEndian.PutUint32(payload[4:8], uint32(len(body)))
	payload[8] = byte(id)
	copy(payload[9:], compressed)

	header := MsgHeader{
		MessageLength: int32(HeaderSize + len(payload)),
		RequestID:     requestID,
		ResponseTo:    responseTo,
		OpCode:        OpCompressed,
	}

	buf := make([]byte, HeaderSize+len(payload))
	putHeader(buf, header)
	copy(buf[HeaderSize:], payload)

	_, err = w.Write(buf)
	return err
}

// EncodeUncompressed renders msg's body bytes (header excluded) so a caller
// can hand them to WriteCompressed for a compressed reply.
func EncodeUncompressed(msg Message) ([]byte, error) {
	return encodeBody(msg)
}

func putHeader(buf []byte, h MsgHeader) {
	binary.LittleEndian.PutUint32(buf[0:4], uint32(h.MessageLength))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(h.RequestID))
	binary.LittleEndian.PutUint32(buf[8:12], uint32(h.ResponseTo))
	binary.LittleEndian.PutUint32(buf[12:16], uint32(h.OpCode))
}

func encodeBody(msg Message) ([]byte, error) {
	switch m := msg.(type) {
	case *OpMsgMessage:
		return encodeOpMsgBody(m)
	case *OpQueryMessage:
		return encodeOpQueryBody(m)
	case *OpReplyMessage:
		return encodeOpReplyBody(m), nil
	default:
		return nil, oxerr.New(oxerr.KindUnknownOpcode, "cannot encode this message type")
	}
}

func encodeOpMsgBody(m *OpMsgMessage) ([]byte, error) {
	var buf bytes.Buffer
	var flagBuf [4]byte
	binary.LittleEndian.PutUint32(flagBuf[:], uint32(m.Flags))
	buf.Write(flagBuf[:])

	for _, s := range m.Sections {
		switch s.Kind {
		case SectionBody:
			buf.WriteByte(SectionBody)
			buf.Write(bsonkit.Encode(s.Body))
		case SectionDocumentArray:
			buf.WriteByte(SectionDocumentArray)
			var inner bytes.Buffer
			inner.WriteString(s.Identifier)
			inner.WriteByte(0x00)
			for _, d := range s.Docs {
				inner.Write(bsonkit.Encode(d))
			}
			var sizeBuf [4]byte
			binary.LittleEndian.PutUint32(sizeBuf[:], uint32(4+inner.Len()))
			buf.Write(sizeBuf[:])
			buf.Write(inner.Bytes())
		default:
			return nil, oxerr.New(oxerr.KindMalformedDoc, "unknown OP_MSG section kind on encode")
		}
	}

	if m.Flags&FlagChecksumPresent != 0 {
		var crcBuf [4]byte
		binary.LittleEndian.PutUint32(crcBuf[:], m.Checksum)
		buf.Write(crcBuf[:])
	}

	return buf.Bytes(), nil
}

func encodeOpQueryBody(m *OpQueryMessage) ([]byte, error) {
	var buf bytes.Buffer
	var flagBuf [4]byte
	binary.LittleEndian.PutUint32(flagBuf[:], uint32(m.Flags))
	buf.Write(flagBuf[:])

	buf.WriteString(m.FullCollectionName)
	buf.WriteByte(0x00)

	var skipRet [8]byte
	binary.LittleEndian.PutUint32(skipRet[0:4], uint32(m.NumberToSkip))
	binary.LittleEndian.PutUint32(skipRet[4:8], uint32(m.NumberToReturn))
	buf.Write(skipRet[:])

	buf.Write(bsonkit.Encode(m.Query))
	if m.ReturnFieldsSelector != nil {
		buf.Write(bsonkit.Encode(m.ReturnFieldsSelector))
	}
	return buf.Bytes(), nil
}

func encodeOpReplyBody(m *OpReplyMessage) []byte {
	var buf bytes.Buffer
	var head [20]byte
	binary.LittleEndian.PutUint32(head[0:4], uint32(m.ResponseFlags))
	binary.LittleEndian.PutUint64(head[4:12], uint64(m.CursorID))
	binary.LittleEndian.PutUint32(head[12:16], uint32(m.StartingFrom))
	binary.LittleEndian.PutUint32(head[16:20], uint32(m.NumberReturned))
	buf.Write(head[:])

	for _, d := range m.Documents {
		buf.Write(bsonkit.Encode(d))
	}
	return buf.Bytes()
}

// NewReply builds an OpMsgMessage reply to request, pairing response-to and
// request-id per spec.md §8.
func NewReply(request Message, command *bsonkit.Document) *OpMsgMessage {
	h := request.GetHeader()
	return &OpMsgMessage{
		Header: MsgHeader{
			RequestID:  nextRequestID(),
			ResponseTo: h.RequestID,
			OpCode:     OpMsg,
		},
		Sections: []Section{{Kind: SectionBody, Body: command}},
	}
}
