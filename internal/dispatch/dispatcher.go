// Package dispatch is the command dispatcher of spec.md §4.G: per-connection
// command routing over OP_MSG, keyed by the first key of the section-0
// document, with per-command schema validation and namespace resolution
// ahead of the handler.
//
// The connection-state/handler-table shape is grounded on the teacher's
// bundoc-server/internal/server.TCPServer.handleConnection (an opcode
// switch plus a per-connection *Session carrying auth state), generalized
// from a fixed opcode switch to a string-keyed command table and from
// login-session state to MongoDB's session/transaction/cursor-ownership
// triad.
package dispatch

import (
	"context"

	"github.com/panjf2000/ants/v2"

	"github.com/fcoury/oxidedb/internal/bsonkit"
	"github.com/fcoury/oxidedb/internal/cursor"
	"github.com/fcoury/oxidedb/internal/logging"
	"github.com/fcoury/oxidedb/internal/oxerr"
	"github.com/fcoury/oxidedb/internal/session"
	"github.com/fcoury/oxidedb/internal/shadow"
	"github.com/fcoury/oxidedb/internal/storage"
	"github.com/fcoury/oxidedb/internal/translate"
	"github.com/fcoury/oxidedb/internal/wireproto"
)

// ConnState is the per-connection state a dispatcher needs across multiple
// commands on the same socket: the connection id that cursor ownership is
// keyed by. The logical session is read from each command's own lsid.
type ConnState struct {
	ConnID string
}

// Handler executes one command's already-validated argument document and
// returns its reply body (without the trailing "ok" field, which Dispatch
// fills in).
type Handler func(ctx context.Context, d *Dispatcher, conn *ConnState, cmd *bsonkit.Document) (*bsonkit.Document, error)

// Dispatcher owns every shared collaborator a command handler might need:
// the storage backend, the cursor table, the session/transaction registry,
// the evaluator for projection/pipeline expressions, and (optionally) the
// shadow-traffic comparator.
type Dispatcher struct {
	Storage   *storage.Adapter
	Cursors   *cursor.Manager
	Sessions  *session.Registry
	Evaluator *translate.Evaluator
	Pool      *ants.Pool
	Shadow    *shadow.Comparator

	DefaultBatchSize int
	CursorIdleDeadline int64 // nanoseconds; see cursor.Manager.Open's deadline param

	handlers map[string]Handler
}

// New builds a Dispatcher with every built-in command registered.
func New(st *storage.Adapter, cursors *cursor.Manager, sessions *session.Registry, eval *translate.Evaluator, pool *ants.Pool) *Dispatcher {
	d := &Dispatcher{
		Storage:          st,
		Cursors:          cursors,
		Sessions:         sessions,
		Evaluator:        eval,
		Pool:             pool,
		DefaultBatchSize: 101,
	}
	d.handlers = builtinHandlers()
	return d
}

// Dispatch validates and routes msg's command, returning the OP_MSG reply.
// Malformed-envelope errors that require closing the connection are
// returned as a plain error rather than a reply; every other failure is
// carried inside the reply document's ok:0/code/errmsg fields, per
// spec.md §7.
func (d *Dispatcher) Dispatch(ctx context.Context, conn *ConnState, msg *wireproto.OpMsgMessage) (*wireproto.OpMsgMessage, error) {
	cmd := msg.Command()
	if cmd == nil {
		return nil, oxerr.New(oxerr.KindMalformedDoc, "OP_MSG carries no section-0 command body")
	}
	mergeDocumentSequences(cmd, msg)
	name, ok := cmd.FirstKey()
	if !ok {
		return nil, oxerr.New(oxerr.KindMalformedDoc, "command document is empty")
	}

	ctx = logging.WithRequestID(ctx, msg.Header.RequestID)
	log := logging.FromContext(ctx)
	log.Debug("dispatching command", "command", name, "conn", conn.ConnID)

	reply, err := d.run(ctx, conn, name, cmd)
	if err != nil {
		log.Info("command failed", "command", name, "error", err)
		errDoc := errorReplyDoc(err)
		d.observeShadow(conn, msg, errDoc)
		return wireproto.NewReply(msg, errDoc), nil
	}
	reply.Set("ok", bsonkit.Value{Kind: bsonkit.KindDouble, Double: 1})
	d.observeShadow(conn, msg, reply)
	return wireproto.NewReply(msg, reply), nil
}

// observeShadow mirrors the just-handled command to the shadow comparator,
// if one is configured. It runs after reply is fully built but before the
// client write, and never blocks on the upstream round trip (see
// shadow.Comparator.Observe) — a mismatch or timeout can never affect what
// the client receives in CompareOnly mode.
func (d *Dispatcher) observeShadow(conn *ConnState, msg *wireproto.OpMsgMessage, reply *bsonkit.Document) {
	if d.Shadow == nil {
		return
	}
	cmd := msg.Command()
	if cmd == nil {
		return
	}
	db := ""
	if dbVal := cmd.Get("$db"); dbVal != nil && dbVal.Kind == bsonkit.KindString {
		db = dbVal.Str
	}
	sessionID := ""
	if lsid := cmd.Get("lsid"); lsid != nil && lsid.Kind == bsonkit.KindDocument {
		if idVal := lsid.Doc.Get("id"); idVal != nil {
			sessionID = describeSessionID(*idVal)
		}
	}
	d.Shadow.Observe(conn.ConnID, sessionID, db, msg, reply)
}

func describeSessionID(v bsonkit.Value) string {
	switch v.Kind {
	case bsonkit.KindBinary:
		return string(v.Bin)
	case bsonkit.KindString:
		return v.Str
	default:
		return ""
	}
}

func (d *Dispatcher) run(ctx context.Context, conn *ConnState, name string, cmd *bsonkit.Document) (*bsonkit.Document, error) {
	if err := ValidateCommand(name, cmd); err != nil {
		return nil, err
	}
	h, ok := d.handlers[name]
	if !ok {
		return nil, oxerr.New(oxerr.KindCommandNotFound, "no such command: "+name)
	}
	if err := startTransactionIfRequested(ctx, d, cmd); err != nil {
		return nil, err
	}

	sid, txnNumber, retryable := retryableKeyFor(d, name, cmd)
	if retryable {
		if cached, found := checkRetryable(d, sid, txnNumber); found {
			return cached, nil
		}
	}

	reply, err := h(ctx, d, conn, cmd)
	if err != nil {
		return nil, err
	}
	if retryable {
		recordRetryable(d, sid, txnNumber, reply)
	}
	return reply, nil
}

// errorReplyDoc renders err as the {ok:0, code, codeName, errmsg} shape
// spec.md §7 specifies, adding errorLabels for retryable-transaction
// errors when present.
func errorReplyDoc(err error) *bsonkit.Document {
	oe, ok := oxerr.As(err)
	if !ok {
		oe = &oxerr.Error{Kind: oxerr.KindBackend, Message: err.Error()}
	}
	doc := bsonkit.NewDocument(
		bsonkit.Pair{Key: "ok", Val: bsonkit.Value{Kind: bsonkit.KindDouble, Double: 0}},
		bsonkit.Pair{Key: "code", Val: bsonkit.Value{Kind: bsonkit.KindInt32, Int32: int32(oe.Kind.Code())}},
		bsonkit.Pair{Key: "codeName", Val: bsonkit.Value{Kind: bsonkit.KindString, Str: string(oe.Kind)}},
		bsonkit.Pair{Key: "errmsg", Val: bsonkit.Value{Kind: bsonkit.KindString, Str: oe.Message}},
	)
	if len(oe.Labels) > 0 {
		labels := make([]bsonkit.Value, len(oe.Labels))
		for i, l := range oe.Labels {
			labels[i] = bsonkit.Value{Kind: bsonkit.KindString, Str: l}
		}
		doc.Set("errorLabels", bsonkit.Value{Kind: bsonkit.KindArray, Arr: labels})
	}
	return doc
}

// documentSequenceFields names every section-1 payload identifier a
// command may carry instead of inlining the array in its section-0 body
// (spec.md §4.B's "payload sequence" escape valve for bulk writes).
var documentSequenceFields = []string{"documents", "updates", "deletes"}

// mergeDocumentSequences folds any OP_MSG section-1 payload sequences into
// cmd's corresponding array field, so every handler only has to read cmd.
func mergeDocumentSequences(cmd *bsonkit.Document, msg *wireproto.OpMsgMessage) {
	for _, field := range documentSequenceFields {
		if cmd.Get(field) != nil {
			continue
		}
		docs := msg.DocumentSequence(field)
		if docs == nil {
			continue
		}
		arr := make([]bsonkit.Value, len(docs))
		for i, doc := range docs {
			arr[i] = bsonkit.Value{Kind: bsonkit.KindDocument, Doc: doc}
		}
		cmd.Set(field, bsonkit.Value{Kind: bsonkit.KindArray, Arr: arr})
	}
}

func builtinHandlers() map[string]Handler {
	handlers := map[string]Handler{}
	registerAdminHandlers(handlers)
	registerDDLHandlers(handlers)
	registerCRUDHandlers(handlers)
	registerAggregateHandlers(handlers)
	registerTxnHandlers(handlers)
	registerAuthHandlers(handlers)
	return handlers
}
