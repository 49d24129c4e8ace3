package dispatch

import (
	"context"

	"github.com/fcoury/oxidedb/internal/bsonkit"
	"github.com/fcoury/oxidedb/internal/oxerr"
)

func registerTxnHandlers(h map[string]Handler) {
	h["commitTransaction"] = handleCommitTransaction
	h["abortTransaction"] = handleAbortTransaction
}

func txnSessionAndNumber(cmd *bsonkit.Document) (string, int64, error) {
	lsidVal := cmd.Get("lsid")
	txnNumVal := cmd.Get("txnNumber")
	if lsidVal == nil || lsidVal.Kind != bsonkit.KindDocument || txnNumVal == nil {
		return "", 0, oxerr.New(oxerr.KindMalformedDoc, "command requires lsid and txnNumber")
	}
	idVal := lsidVal.Doc.Get("id")
	if idVal == nil {
		return "", 0, oxerr.New(oxerr.KindMalformedDoc, "lsid requires an id")
	}
	txnNumber, ok := bsonkit.ToFloat64(*txnNumVal)
	if !ok {
		return "", 0, oxerr.New(oxerr.KindMalformedDoc, "txnNumber must be numeric")
	}
	return sidString(*idVal), int64(txnNumber), nil
}

// transientLabelIfRetryable wraps a transaction-boundary failure with the
// TransientTransactionError label the reference driver retries on, per
// spec.md §4.F/§7.
func transientLabelIfRetryable(err error) error {
	if err == nil {
		return nil
	}
	if oe, ok := oxerr.As(err); ok && oe.Kind.Retryable() {
		return oe.WithLabels("TransientTransactionError")
	}
	return err
}

func handleCommitTransaction(ctx context.Context, d *Dispatcher, conn *ConnState, cmd *bsonkit.Document) (*bsonkit.Document, error) {
	sid, txnNumber, err := txnSessionAndNumber(cmd)
	if err != nil {
		return nil, err
	}
	if err := d.Sessions.CommitTransaction(ctx, sid, txnNumber); err != nil {
		return nil, transientLabelIfRetryable(err)
	}
	return bsonkit.NewDocument(), nil
}

func handleAbortTransaction(ctx context.Context, d *Dispatcher, conn *ConnState, cmd *bsonkit.Document) (*bsonkit.Document, error) {
	sid, txnNumber, err := txnSessionAndNumber(cmd)
	if err != nil {
		return nil, err
	}
	if err := d.Sessions.AbortTransaction(ctx, sid, txnNumber); err != nil {
		return nil, transientLabelIfRetryable(err)
	}
	return bsonkit.NewDocument(), nil
}
