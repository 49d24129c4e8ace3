package server

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/fcoury/oxidedb/internal/bsonkit"
	"github.com/fcoury/oxidedb/internal/dispatch"
	"github.com/fcoury/oxidedb/internal/wireproto"
)

func pingMsg(requestID int32) *wireproto.OpMsgMessage {
	cmd := bsonkit.NewDocument(
		bsonkit.Pair{Key: "ping", Val: bsonkit.Value{Kind: bsonkit.KindInt32, Int32: 1}},
		bsonkit.Pair{Key: "$db", Val: bsonkit.Value{Kind: bsonkit.KindString, Str: "admin"}},
	)
	return &wireproto.OpMsgMessage{
		Header:   wireproto.MsgHeader{RequestID: requestID, OpCode: wireproto.OpMsg},
		Sections: []wireproto.Section{{Kind: wireproto.SectionBody, Body: cmd}},
	}
}

func TestHandleMessageOpMsgRoundTrip(t *testing.T) {
	d := dispatch.New(nil, nil, nil, nil, nil)
	srv := NewTCPServer(":0", d, nil, nil)

	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	conn := &dispatch.ConnState{ConnID: "test-conn"}
	done := make(chan error, 1)
	go func() {
		done <- srv.handleMessage(context.Background(), server, conn, pingMsg(7))
	}()

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	got, err := wireproto.ReadMessage(client)
	if err != nil {
		t.Fatalf("read reply: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("handleMessage: %v", err)
	}

	reply, ok := got.(*wireproto.OpMsgMessage)
	if !ok {
		t.Fatalf("expected *OpMsgMessage reply, got %T", got)
	}
	if reply.Header.ResponseTo != 7 {
		t.Fatalf("expected response-to 7, got %d", reply.Header.ResponseTo)
	}
	okVal := reply.Command().Get("ok")
	if okVal == nil || okVal.Double != 1 {
		t.Fatalf("expected ok:1, got %+v", okVal)
	}
}

func TestDispatchLegacyQueryTranslatesToOpReply(t *testing.T) {
	d := dispatch.New(nil, nil, nil, nil, nil)
	srv := NewTCPServer(":0", d, nil, nil)

	query := bsonkit.NewDocument(
		bsonkit.Pair{Key: "ping", Val: bsonkit.Value{Kind: bsonkit.KindInt32, Int32: 1}},
	)
	q := &wireproto.OpQueryMessage{
		Header:             wireproto.MsgHeader{RequestID: 9, OpCode: wireproto.OpQuery},
		FullCollectionName: "admin.$cmd",
		Query:              query,
	}

	reply, err := srv.dispatchLegacyQuery(context.Background(), &dispatch.ConnState{ConnID: "c"}, q)
	if err != nil {
		t.Fatalf("dispatchLegacyQuery: %v", err)
	}
	opReply, ok := reply.(*wireproto.OpReplyMessage)
	if !ok {
		t.Fatalf("expected *OpReplyMessage, got %T", reply)
	}
	if opReply.Header.ResponseTo != 9 {
		t.Fatalf("expected response-to 9, got %d", opReply.Header.ResponseTo)
	}
	if len(opReply.Documents) != 1 {
		t.Fatalf("expected 1 document, got %d", len(opReply.Documents))
	}
	if dbVal := query.Get("$db"); dbVal == nil || dbVal.Str != "admin" {
		t.Fatalf("expected $db rewritten to admin, got %+v", dbVal)
	}
}

func TestSplitFullCollectionName(t *testing.T) {
	db, coll, ok := splitFullCollectionName("mydb.mycoll")
	if !ok || db != "mydb" || coll != "mycoll" {
		t.Fatalf("got db=%q coll=%q ok=%v", db, coll, ok)
	}
	if _, _, ok := splitFullCollectionName("nodothere"); ok {
		t.Fatalf("expected ok=false for namespace without a dot")
	}
}

