package session

import (
	"sync"
	"time"

	"github.com/fcoury/oxidedb/internal/storage"
)

// Session is one LogicalSession (spec.md §4.B's glossary entry): a
// client-minted id plus whatever transaction and retryable-write state
// the registry has accumulated for it. Grounded on the teacher's
// HotInstance (manager.InstanceManager) in shape — a small mutable record
// the registry hands out by pointer and times out on idleness — but the
// fields here track transaction/session state rather than a database
// handle.
type Session struct {
	ID         string
	LastUse    time.Time
	Autocommit bool

	mu            sync.Mutex
	inTransaction bool
	txnNumber     int64
	txnExpired    bool
	pinnedTxn     Txn
	pinnedLevel   storage.IsolationLevel
	deadline      time.Time

	retryCache map[int64]*CachedReply
}

func newSession(id string) *Session {
	return &Session{
		ID:         id,
		LastUse:    time.Now(),
		Autocommit: true,
		retryCache: make(map[int64]*CachedReply),
	}
}

func (s *Session) touch() {
	s.mu.Lock()
	s.LastUse = time.Now()
	s.mu.Unlock()
}

// InTransaction reports whether txnNumber is the session's currently
// pinned, unexpired transaction.
func (s *Session) InTransaction(txnNumber int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inTransaction && !s.txnExpired && s.txnNumber == txnNumber
}

// PinnedTxn returns the backend transaction pinned to the session, or nil
// if none is active.
func (s *Session) PinnedTxn() Txn {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.txnExpired {
		return nil
	}
	return s.pinnedTxn
}

