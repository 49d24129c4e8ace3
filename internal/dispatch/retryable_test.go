package dispatch

import (
	"context"
	"testing"

	"github.com/fcoury/oxidedb/internal/bsonkit"
	"github.com/fcoury/oxidedb/internal/session"
)

func retryableInsertCmd(sessionIDHex string, txnNumber int32) *bsonkit.Document {
	return bsonkit.NewDocument(
		bsonkit.Pair{Key: "insert", Val: bsonkit.Value{Kind: bsonkit.KindString, Str: "widgets"}},
		bsonkit.Pair{Key: "documents", Val: bsonkit.Value{Kind: bsonkit.KindArray, Arr: []bsonkit.Value{
			{Kind: bsonkit.KindDocument, Doc: bsonkit.NewDocument(bsonkit.Pair{Key: "x", Val: bsonkit.Value{Kind: bsonkit.KindInt32, Int32: 1}})},
		}}},
		bsonkit.Pair{Key: "$db", Val: bsonkit.Value{Kind: bsonkit.KindString, Str: "test"}},
		bsonkit.Pair{Key: "lsid", Val: bsonkit.Value{Kind: bsonkit.KindDocument, Doc: bsonkit.NewDocument(
			bsonkit.Pair{Key: "id", Val: bsonkit.Value{Kind: bsonkit.KindString, Str: sessionIDHex}},
		)}},
		bsonkit.Pair{Key: "txnNumber", Val: bsonkit.Value{Kind: bsonkit.KindInt32, Int32: txnNumber}},
	)
}

func TestRunDeduplicatesRetryableWrite(t *testing.T) {
	sessions := session.NewRegistry(nil, session.DefaultOptions())
	defer sessions.Close()

	d := New(nil, nil, sessions, nil, nil)
	calls := 0
	d.handlers["insert"] = func(ctx context.Context, d *Dispatcher, conn *ConnState, cmd *bsonkit.Document) (*bsonkit.Document, error) {
		calls++
		return bsonkit.NewDocument(bsonkit.Pair{Key: "n", Val: bsonkit.Value{Kind: bsonkit.KindInt32, Int32: int32(calls)}}), nil
	}

	conn := &ConnState{ConnID: "c1"}
	cmd := retryableInsertCmd("sid-1", 5)

	first, err := d.run(context.Background(), conn, "insert", cmd)
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	second, err := d.run(context.Background(), conn, "insert", cmd)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}

	if calls != 1 {
		t.Fatalf("expected handler invoked once, got %d", calls)
	}
	firstN := first.Get("n")
	secondN := second.Get("n")
	if firstN == nil || secondN == nil || firstN.Int32 != secondN.Int32 {
		t.Fatalf("expected identical cached reply, got %+v vs %+v", firstN, secondN)
	}
}

func TestRunDoesNotDeduplicateDistinctTxnNumbers(t *testing.T) {
	sessions := session.NewRegistry(nil, session.DefaultOptions())
	defer sessions.Close()

	d := New(nil, nil, sessions, nil, nil)
	calls := 0
	d.handlers["insert"] = func(ctx context.Context, d *Dispatcher, conn *ConnState, cmd *bsonkit.Document) (*bsonkit.Document, error) {
		calls++
		return bsonkit.NewDocument(), nil
	}

	conn := &ConnState{ConnID: "c1"}
	if _, err := d.run(context.Background(), conn, "insert", retryableInsertCmd("sid-1", 1)); err != nil {
		t.Fatalf("run txn 1: %v", err)
	}
	if _, err := d.run(context.Background(), conn, "insert", retryableInsertCmd("sid-1", 2)); err != nil {
		t.Fatalf("run txn 2: %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected handler invoked twice for distinct txnNumbers, got %d", calls)
	}
}

func TestRetryableKeyForIgnoresCommandsWithoutLsid(t *testing.T) {
	sessions := session.NewRegistry(nil, session.DefaultOptions())
	defer sessions.Close()
	d := New(nil, nil, sessions, nil, nil)

	cmd := bsonkit.NewDocument(bsonkit.Pair{Key: "insert", Val: bsonkit.Value{Kind: bsonkit.KindString, Str: "widgets"}})
	if _, _, ok := retryableKeyFor(d, "insert", cmd); ok {
		t.Fatalf("expected no retryable key without lsid/txnNumber")
	}
}

func TestRetryableKeyForIgnoresNonWriteCommands(t *testing.T) {
	sessions := session.NewRegistry(nil, session.DefaultOptions())
	defer sessions.Close()
	d := New(nil, nil, sessions, nil, nil)

	cmd := retryableInsertCmd("sid-1", 5)
	cmd.Set("find", bsonkit.Value{Kind: bsonkit.KindString, Str: "widgets"})
	if _, _, ok := retryableKeyFor(d, "find", cmd); ok {
		t.Fatalf("expected find to be ineligible for retryable-write dedup")
	}
}
