package session

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/fcoury/oxidedb/internal/oxerr"
	"github.com/fcoury/oxidedb/internal/storage"
)

type fakeTxn struct {
	committed, aborted bool
}

func (t *fakeTxn) Execute(ctx context.Context, db, coll, sql string, params []interface{}) (pgx.Rows, error) {
	return nil, nil
}
func (t *fakeTxn) Commit(ctx context.Context) error { t.committed = true; return nil }
func (t *fakeTxn) Abort(ctx context.Context) error  { t.aborted = true; return nil }

type fakeBackend struct {
	opened []*fakeTxn
}

func (b *fakeBackend) Begin(ctx context.Context, level storage.IsolationLevel) (Txn, error) {
	t := &fakeTxn{}
	b.opened = append(b.opened, t)
	return t, nil
}

func TestStartTransactionRejectsWhenAlreadyInProgress(t *testing.T) {
	r := newRegistry(&fakeBackend{}, DefaultOptions())
	defer r.Close()
	ctx := context.Background()

	if err := r.StartTransaction(ctx, "sid1", 1, storage.ReadCommitted); err != nil {
		t.Fatalf("start: %v", err)
	}
	err := r.StartTransaction(ctx, "sid1", 2, storage.ReadCommitted)
	oe, ok := oxerr.As(err)
	if !ok || oe.Kind != oxerr.KindTransactionInProgress {
		t.Fatalf("expected TransactionInProgress, got %v", err)
	}
}

func TestCommitTransactionUnpinsAndCommits(t *testing.T) {
	backend := &fakeBackend{}
	r := newRegistry(backend, DefaultOptions())
	defer r.Close()
	ctx := context.Background()

	if err := r.StartTransaction(ctx, "sid1", 1, storage.ReadCommitted); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := r.CommitTransaction(ctx, "sid1", 1); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if !backend.opened[0].committed {
		t.Fatalf("expected underlying transaction to be committed")
	}

	s := r.GetOrCreate("sid1")
	if s.InTransaction(1) {
		t.Fatalf("expected session to be unpinned after commit")
	}
}

func TestAbortTransactionUnknownTxnNumberReturnsNoSuchTransaction(t *testing.T) {
	r := newRegistry(&fakeBackend{}, DefaultOptions())
	defer r.Close()
	ctx := context.Background()

	if err := r.StartTransaction(ctx, "sid1", 1, storage.ReadCommitted); err != nil {
		t.Fatalf("start: %v", err)
	}
	err := r.AbortTransaction(ctx, "sid1", 2)
	oe, ok := oxerr.As(err)
	if !ok || oe.Kind != oxerr.KindNoSuchTransaction {
		t.Fatalf("expected NoSuchTransaction for mismatched txnNumber, got %v", err)
	}
}

func TestRetryableWriteCacheReturnsRecordedReply(t *testing.T) {
	r := newRegistry(&fakeBackend{}, DefaultOptions())
	defer r.Close()

	if _, ok := r.CheckRetryable("sid1", 7); ok {
		t.Fatalf("expected no cached reply before RecordRetryable")
	}
	r.RecordRetryable("sid1", 7, &CachedReply{Reply: []byte("ok")})

	cached, ok := r.CheckRetryable("sid1", 7)
	if !ok || string(cached.Reply) != "ok" {
		t.Fatalf("expected cached reply to be replayed verbatim, got %v ok=%v", cached, ok)
	}
}

func TestExpiredTransactionReapedBySweepReturnsNoSuchTransaction(t *testing.T) {
	opts := Options{TxnTimeout: 10 * time.Millisecond, IdleTTL: time.Hour, SweepInterval: 5 * time.Millisecond}
	backend := &fakeBackend{}
	r := newRegistry(backend, opts)
	defer r.Close()
	ctx := context.Background()

	if err := r.StartTransaction(ctx, "sid1", 1, storage.ReadCommitted); err != nil {
		t.Fatalf("start: %v", err)
	}

	deadline := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) {
		if !r.GetOrCreate("sid1").InTransaction(1) {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	err := r.CommitTransaction(ctx, "sid1", 1)
	oe, ok := oxerr.As(err)
	if !ok || oe.Kind != oxerr.KindNoSuchTransaction {
		t.Fatalf("expected NoSuchTransaction after transaction timeout, got %v", err)
	}
	if !backend.opened[0].aborted {
		t.Fatalf("expected expired transaction to be rolled back by the sweeper")
	}
}
