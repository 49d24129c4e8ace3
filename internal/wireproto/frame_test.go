package wireproto

import (
	"bytes"
	"testing"

	"github.com/fcoury/oxidedb/internal/bsonkit"
	"github.com/fcoury/oxidedb/internal/oxerr"
)

func buildPing(requestID int32) *OpMsgMessage {
	cmd := bsonkit.NewDocument(
		bsonkit.Pair{Key: "ping", Val: bsonkit.Value{Kind: bsonkit.KindInt32, Int32: 1}},
	)
	return &OpMsgMessage{
		Header:   MsgHeader{RequestID: requestID, OpCode: OpMsg},
		Sections: []Section{{Kind: SectionBody, Body: cmd}},
	}
}

func TestOpMsgRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	req := buildPing(42)
	if err := WriteMessage(&buf, req); err != nil {
		t.Fatalf("write: %v", err)
	}

	got, err := ReadMessage(&buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	msg, ok := got.(*OpMsgMessage)
	if !ok {
		t.Fatalf("expected *OpMsgMessage, got %T", got)
	}
	if msg.Header.RequestID != 42 {
		t.Fatalf("expected request id 42, got %d", msg.Header.RequestID)
	}
	cmd := msg.Command()
	if cmd == nil {
		t.Fatalf("expected command body")
	}
	if v := cmd.Get("ping"); v == nil || v.Int32 != 1 {
		t.Fatalf("expected ping:1, got %+v", v)
	}
}

func TestReplyResponseToPairsWithRequestID(t *testing.T) {
	req := buildPing(7)
	reply := NewReply(req, bsonkit.NewDocument(
		bsonkit.Pair{Key: "ok", Val: bsonkit.Value{Kind: bsonkit.KindDouble, Double: 1}},
	))
	if reply.Header.ResponseTo != req.Header.RequestID {
		t.Fatalf("expected response-to %d, got %d", req.Header.RequestID, reply.Header.ResponseTo)
	}
}

func TestDocTooLargeRejectedBeforeAllocation(t *testing.T) {
	var buf bytes.Buffer
	var head [16]byte
	putHeader(head[:], MsgHeader{
		MessageLength: int32(HeaderSize + MaxDocumentSize + 1),
		RequestID:     1,
		OpCode:        OpMsg,
	})
	buf.Write(head[:])

	_, err := ReadMessage(&buf)
	oe, ok := oxerr.As(err)
	if !ok || oe.Kind != oxerr.KindDocTooLarge {
		t.Fatalf("expected DocTooLarge, got %v", err)
	}
}

func TestDocAtCapIsAccepted(t *testing.T) {
	cmd := bsonkit.NewDocument(bsonkit.Pair{Key: "x", Val: bsonkit.Value{Kind: bsonkit.KindInt32, Int32: 1}})
	msg := &OpMsgMessage{
		Header:   MsgHeader{RequestID: 1, OpCode: OpMsg},
		Sections: []Section{{Kind: SectionBody, Body: cmd}},
	}
	var buf bytes.Buffer
	if err := WriteMessage(&buf, msg); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := ReadMessage(&buf); err != nil {
		t.Fatalf("expected small message under cap to be accepted, got %v", err)
	}
}

func TestUnknownOpcodeRejected(t *testing.T) {
	var buf bytes.Buffer
	var head [16]byte
	putHeader(head[:], MsgHeader{MessageLength: HeaderSize, RequestID: 1, OpCode: OpCode(9999)})
	buf.Write(head[:])

	_, err := ReadMessage(&buf)
	oe, ok := oxerr.As(err)
	if !ok || oe.Kind != oxerr.KindUnknownOpcode {
		t.Fatalf("expected UnknownOpcode, got %v", err)
	}
}

func TestCompressedRoundTripEachAlgorithm(t *testing.T) {
	cmd := bsonkit.NewDocument(bsonkit.Pair{Key: "ping", Val: bsonkit.Value{Kind: bsonkit.KindInt32, Int32: 1}})
	inner := &OpMsgMessage{
		Header:   MsgHeader{RequestID: 5, OpCode: OpMsg},
		Sections: []Section{{Kind: SectionBody, Body: cmd}},
	}
	body, err := EncodeUncompressed(inner)
	if err != nil {
		t.Fatalf("encode inner: %v", err)
	}

	for _, alg := range []CompressionID{CompressionNoop, CompressionSnappy, CompressionZlib, CompressionZstd} {
		var buf bytes.Buffer
		if err := WriteCompressed(&buf, OpMsg, 5, 0, alg, body); err != nil {
			t.Fatalf("alg %d: write compressed: %v", alg, err)
		}

		got, err := ReadMessage(&buf)
		if err != nil {
			t.Fatalf("alg %d: read: %v", alg, err)
		}
		wrapped, ok := got.(*decodedCompressed)
		if !ok {
			t.Fatalf("alg %d: expected *decodedCompressed, got %T", alg, got)
		}
		if wrapped.CompressorID() != alg {
			t.Fatalf("alg %d: expected compressor id preserved, got %d", alg, wrapped.CompressorID())
		}
		msg, ok := wrapped.Inner().(*OpMsgMessage)
		if !ok {
			t.Fatalf("alg %d: expected inner *OpMsgMessage, got %T", alg, wrapped.Inner())
		}
		if v := msg.Command().Get("ping"); v == nil || v.Int32 != 1 {
			t.Fatalf("alg %d: expected ping:1 after round trip, got %+v", alg, v)
		}
	}
}

func TestTruncatedBodyRejected(t *testing.T) {
	var buf bytes.Buffer
	var head [16]byte
	putHeader(head[:], MsgHeader{MessageLength: HeaderSize + 10, RequestID: 1, OpCode: OpMsg})
	buf.Write(head[:])
	buf.Write([]byte{0, 0}) // far short of the declared 10-byte body

	_, err := ReadMessage(&buf)
	oe, ok := oxerr.As(err)
	if !ok || oe.Kind != oxerr.KindTruncatedMessage {
		t.Fatalf("expected TruncatedMessage, got %v", err)
	}
}
