package session

// CachedReply is a replayable reply for a retryable write, keyed by
// transaction number within one session (spec.md §4.F: "a duplicate
// (sid, txnNumber) returns the cached reply verbatim and MUST NOT execute
// again").
type CachedReply struct {
	Reply []byte
}

// CheckRetryable returns the cached reply for (this session, txnNumber) if
// one was recorded by a prior attempt of the same retryable write.
func (s *Session) CheckRetryable(txnNumber int64) (*CachedReply, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.retryCache[txnNumber]
	return r, ok
}

// RecordRetryable stores reply as the canonical result for (this session,
// txnNumber), so a duplicate request returns it verbatim instead of
// re-executing.
func (s *Session) RecordRetryable(txnNumber int64, reply *CachedReply) {
	s.mu.Lock()
	s.retryCache[txnNumber] = reply
	s.mu.Unlock()
}

// CheckRetryable is the registry-level entry point: a dispatcher calls
// this before executing a single-document write that carries a txnNumber
// outside a transaction.
func (r *Registry) CheckRetryable(sid string, txnNumber int64) (*CachedReply, bool) {
	s := r.GetOrCreate(sid)
	return s.CheckRetryable(txnNumber)
}

// RecordRetryable records reply as the result of (sid, txnNumber).
func (r *Registry) RecordRetryable(sid string, txnNumber int64, reply *CachedReply) {
	s := r.GetOrCreate(sid)
	s.RecordRetryable(txnNumber, reply)
}
