package dispatch

import (
	"github.com/fcoury/oxidedb/internal/bsonkit"
	"github.com/fcoury/oxidedb/internal/session"
)

// retryableWriteCommands names the write commands MongoDB clients retry
// automatically on a network error, per spec.md §4.F: "a duplicate (sid,
// txnNumber) returns the cached reply verbatim and MUST NOT execute
// again".
var retryableWriteCommands = map[string]bool{
	"insert":        true,
	"update":        true,
	"delete":        true,
	"findAndModify": true,
}

// retryableKeyFor extracts the (session, txnNumber) a command's retryable
// write should be deduplicated under, when cmd is eligible: it names a
// retryable write command, carries lsid and a top-level txnNumber, and is
// not already running inside a pinned multi-statement transaction (whose
// own commit/abort path governs idempotency instead, per
// startTransactionIfRequested).
func retryableKeyFor(d *Dispatcher, name string, cmd *bsonkit.Document) (sid string, txnNumber int64, ok bool) {
	if d.Sessions == nil || !retryableWriteCommands[name] {
		return "", 0, false
	}
	if _, _, pinned := pinnedTxnFor(d, cmd); pinned {
		return "", 0, false
	}
	lsidVal := cmd.Get("lsid")
	txnNumVal := cmd.Get("txnNumber")
	if lsidVal == nil || lsidVal.Kind != bsonkit.KindDocument || txnNumVal == nil {
		return "", 0, false
	}
	idVal := lsidVal.Doc.Get("id")
	if idVal == nil {
		return "", 0, false
	}
	n, numOK := bsonkit.ToFloat64(*txnNumVal)
	if !numOK {
		return "", 0, false
	}
	return sidString(*idVal), int64(n), true
}

// checkRetryable returns the cached reply for a duplicate retryable write,
// decoded back into a document.
func checkRetryable(d *Dispatcher, sid string, txnNumber int64) (*bsonkit.Document, bool) {
	cached, ok := d.Sessions.CheckRetryable(sid, txnNumber)
	if !ok {
		return nil, false
	}
	doc, _, err := bsonkit.Decode(cached.Reply)
	if err != nil {
		return nil, false
	}
	return doc, true
}

// recordRetryable stores reply as the canonical result of (sid,
// txnNumber), so a retried send of the same write returns it verbatim.
func recordRetryable(d *Dispatcher, sid string, txnNumber int64, reply *bsonkit.Document) {
	d.Sessions.RecordRetryable(sid, txnNumber, &session.CachedReply{Reply: bsonkit.Encode(reply)})
}
