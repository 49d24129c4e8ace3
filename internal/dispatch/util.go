package dispatch

import (
	"time"

	"github.com/fcoury/oxidedb/internal/bsonkit"
	"github.com/fcoury/oxidedb/internal/oxerr"
)

var processStart = time.Now()

func uptimeSeconds() float64 {
	return time.Since(processStart).Seconds()
}

func malformed(msg string) error {
	return oxerr.New(oxerr.KindMalformedDoc, msg)
}

// stringArg reads a required top-level string field.
func stringArg(cmd *bsonkit.Document, key string) (string, error) {
	v := cmd.Get(key)
	if v == nil || v.Kind != bsonkit.KindString {
		return "", malformed(key + " must be a string")
	}
	return v.Str, nil
}

// intArg reads an optional numeric field, returning def if absent.
func intArg(cmd *bsonkit.Document, key string, def int) int {
	v := cmd.Get(key)
	if v == nil {
		return def
	}
	f, ok := bsonkit.ToFloat64(*v)
	if !ok {
		return def
	}
	return int(f)
}

// docArg reads an optional document field, returning an empty document if
// absent so callers can treat "missing" and "empty {}" identically.
func docArg(cmd *bsonkit.Document, key string) *bsonkit.Document {
	v := cmd.Get(key)
	if v == nil || v.Kind != bsonkit.KindDocument {
		return bsonkit.NewDocument()
	}
	return v.Doc
}

// cursorReplyDoc renders the {cursor: {firstBatch, id, ns}} shape every
// cursor-bearing command reply carries (spec.md §4.E).
func cursorReplyDoc(ns string, docs []*bsonkit.Document, cursorID int64, batchKey string) *bsonkit.Document {
	arr := make([]bsonkit.Value, len(docs))
	for i, doc := range docs {
		arr[i] = bsonkit.Value{Kind: bsonkit.KindDocument, Doc: doc}
	}
	inner := bsonkit.NewDocument(
		bsonkit.Pair{Key: batchKey, Val: bsonkit.Value{Kind: bsonkit.KindArray, Arr: arr}},
		bsonkit.Pair{Key: "id", Val: bsonkit.Value{Kind: bsonkit.KindInt64, Int64: cursorID}},
		bsonkit.Pair{Key: "ns", Val: bsonkit.Value{Kind: bsonkit.KindString, Str: ns}},
	)
	return bsonkit.NewDocument(
		bsonkit.Pair{Key: "cursor", Val: bsonkit.Value{Kind: bsonkit.KindDocument, Doc: inner}},
	)
}

// boolArg reads an optional boolean-ish field, defaulting to false.
func boolArg(cmd *bsonkit.Document, key string) bool {
	v := cmd.Get(key)
	if v == nil {
		return false
	}
	return truthy(*v)
}

// sessionIDOf extracts the client-minted session id from a command's lsid
// field, or "" if the command carries none.
func sessionIDOf(cmd *bsonkit.Document) string {
	lsidVal := cmd.Get("lsid")
	if lsidVal == nil || lsidVal.Kind != bsonkit.KindDocument {
		return ""
	}
	idVal := lsidVal.Doc.Get("id")
	if idVal == nil {
		return ""
	}
	return sidString(*idVal)
}

// writeErrorDoc renders one entry of a bulk write command's writeErrors
// array (spec.md §7), identifying the failed element by its index within
// the batch.
func writeErrorDoc(index int, err error) bsonkit.Value {
	code := oxerr.KindBackend.Code()
	msg := err.Error()
	if oe, ok := oxerr.As(err); ok {
		code = oe.Kind.Code()
		msg = oe.Message
	}
	return bsonkit.Value{Kind: bsonkit.KindDocument, Doc: bsonkit.NewDocument(
		bsonkit.Pair{Key: "index", Val: bsonkit.Value{Kind: bsonkit.KindInt32, Int32: int32(index)}},
		bsonkit.Pair{Key: "code", Val: bsonkit.Value{Kind: bsonkit.KindInt32, Int32: int32(code)}},
		bsonkit.Pair{Key: "errmsg", Val: bsonkit.Value{Kind: bsonkit.KindString, Str: msg}},
	)}
}

// cursorDeadline returns the dispatcher's configured cursor idle timeout,
// defaulting to 10 minutes when unset.
func (d *Dispatcher) cursorDeadline() time.Duration {
	if d.CursorIdleDeadline <= 0 {
		return 10 * time.Minute
	}
	return time.Duration(d.CursorIdleDeadline)
}
