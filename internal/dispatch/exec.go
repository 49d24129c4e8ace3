package dispatch

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/fcoury/oxidedb/internal/bsonkit"
	"github.com/fcoury/oxidedb/internal/oxerr"
	"github.com/fcoury/oxidedb/internal/storage"
)

// sqlExecutor is the common surface of *storage.Adapter, *storage.Txn, and
// session.Txn — whichever one a command ends up running its compiled SQL
// against.
type sqlExecutor interface {
	Execute(ctx context.Context, db, coll, sql string, params []interface{}) (pgx.Rows, error)
}

// withExecutor resolves the SQL executor a single command should run
// against: the session's already-pinned transaction when the command
// names an active multi-statement transaction (lsid + txnNumber +
// autocommit:false, per spec.md §4.F), or a fresh single-statement
// transaction at read-committed otherwise, committed on success and
// rolled back on error or panic.
func withExecutor(ctx context.Context, d *Dispatcher, cmd *bsonkit.Document, fn func(exec sqlExecutor) error) error {
	if sess, _, ok := pinnedTxnFor(d, cmd); ok {
		return fn(sess)
	}

	txn, err := d.Storage.Begin(ctx, storage.ReadCommitted)
	if err != nil {
		return err
	}
	defer func() {
		if p := recover(); p != nil {
			_ = txn.Abort(ctx)
			panic(p)
		}
	}()
	if err := fn(txn); err != nil {
		_ = txn.Abort(ctx)
		return err
	}
	return txn.Commit(ctx)
}

// drainRows exhausts rows (required before its CommandTag is meaningful),
// maps any lazily-surfaced backend error, and reports the affected row
// count for an INSERT/UPDATE/DELETE issued through sqlExecutor.Execute.
func drainRows(rows pgx.Rows) (int64, error) {
	for rows.Next() {
	}
	err := rows.Err()
	tag := rows.CommandTag()
	rows.Close()
	if err != nil {
		return 0, storage.MapError(err)
	}
	return tag.RowsAffected(), nil
}

// readExecutor resolves the executor a streaming read should run against.
// Unlike withExecutor it never wraps the query in a transaction it commits
// before returning: a find/aggregate cursor's rows must stay live across
// however many later getMore calls drain it, so outside a session's pinned
// transaction a read runs directly against the pool instead of a
// short-lived autocommit transaction that would close the underlying
// connection out from under the cursor.
func readExecutor(d *Dispatcher, cmd *bsonkit.Document) sqlExecutor {
	if sess, _, ok := pinnedTxnFor(d, cmd); ok {
		return sess
	}
	return d.Storage
}

// startTransactionIfRequested pins a fresh backend transaction to cmd's
// session when cmd carries startTransaction:true (the first command of a
// multi-statement transaction, per spec.md §4.F), at REPEATABLE READ for
// readConcern.level:"snapshot" and READ COMMITTED otherwise. A no-op for
// every other command.
func startTransactionIfRequested(ctx context.Context, d *Dispatcher, cmd *bsonkit.Document) error {
	if d.Sessions == nil {
		return nil
	}
	startVal := cmd.Get("startTransaction")
	if startVal == nil || startVal.Kind != bsonkit.KindBool || !startVal.Bool {
		return nil
	}
	lsidVal := cmd.Get("lsid")
	txnNumVal := cmd.Get("txnNumber")
	if lsidVal == nil || lsidVal.Kind != bsonkit.KindDocument || txnNumVal == nil {
		return oxerr.New(oxerr.KindMalformedDoc, "startTransaction requires lsid and txnNumber")
	}
	idVal := lsidVal.Doc.Get("id")
	if idVal == nil {
		return oxerr.New(oxerr.KindMalformedDoc, "lsid requires an id")
	}
	sid := sidString(*idVal)
	txnNumber, ok := bsonkit.ToFloat64(*txnNumVal)
	if !ok {
		return oxerr.New(oxerr.KindMalformedDoc, "txnNumber must be numeric")
	}

	level := storage.ReadCommitted
	if rc := cmd.Get("readConcern"); rc != nil && rc.Kind == bsonkit.KindDocument {
		if lv := rc.Doc.Get("level"); lv != nil && lv.Kind == bsonkit.KindString && lv.Str == "snapshot" {
			level = storage.RepeatableRead
		}
	}
	return d.Sessions.StartTransaction(ctx, sid, int64(txnNumber), level)
}

// pinnedTxnFor reports the session's pinned transaction when cmd names one
// explicitly in progress, so the operation joins it instead of running
// standalone.
func pinnedTxnFor(d *Dispatcher, cmd *bsonkit.Document) (sqlExecutor, int64, bool) {
	if d.Sessions == nil {
		return nil, 0, false
	}
	lsidVal := cmd.Get("lsid")
	txnNumVal := cmd.Get("txnNumber")
	autocommitVal := cmd.Get("autocommit")
	if lsidVal == nil || lsidVal.Kind != bsonkit.KindDocument || txnNumVal == nil {
		return nil, 0, false
	}
	if autocommitVal != nil && autocommitVal.Kind == bsonkit.KindBool && autocommitVal.Bool {
		return nil, 0, false
	}

	idVal := lsidVal.Doc.Get("id")
	if idVal == nil {
		return nil, 0, false
	}
	sid := sidString(*idVal)
	txnNumber, ok := bsonkit.ToFloat64(*txnNumVal)
	if !ok {
		return nil, 0, false
	}

	sess := d.Sessions.GetOrCreate(sid)
	if !sess.InTransaction(int64(txnNumber)) {
		return nil, 0, false
	}
	txn := sess.PinnedTxn()
	if txn == nil {
		return nil, 0, false
	}
	return txn, int64(txnNumber), true
}
