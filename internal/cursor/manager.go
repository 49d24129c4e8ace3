// Package cursor implements the per-process cursor table of spec.md §4.E:
// open/fetch/kill over a 64-bit id, with owner-connection enforcement and
// idle-deadline eviction.
//
// The handle table shape (sync.Map keyed by id, atomic refcount, a
// background eviction loop on a ticker) is grounded on the teacher's
// bundoc-server/internal/manager.InstanceManager, generalized from
// project-scoped database instances to per-query result cursors.
package cursor

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/fcoury/oxidedb/internal/bsonkit"
	"github.com/fcoury/oxidedb/internal/oxerr"
)

// Producer yields the next batch of documents for a cursor, or io.EOF-like
// behavior via the done flag when exhausted.
type Producer interface {
	Next(n int) (docs []*bsonkit.Document, done bool, err error)
	Close()
}

// handle is one open cursor, mirroring the teacher's HotInstance fields
// (refCount/lastAccess atomics, not mutex-guarded, since the eviction loop
// only reads them to decide, and Fetch is the only writer).
type handle struct {
	id          int64
	producer    Producer
	ownerConn   string
	sessionID   string
	namespace   string
	batchSize   int
	deadline    time.Duration
	refCount   int32
	lastAccess int64 // unix nano, atomic
}

// Manager is the per-process cursor table.
type Manager struct {
	cursors       sync.Map // int64 -> *handle
	nextID        atomic.Int64
	sweepInterval time.Duration
	stopCh        chan struct{}
	wg            sync.WaitGroup
	closed        atomic.Bool
}

// NewManager starts the background reaper on sweepInterval (spec.md §4.E).
func NewManager(sweepInterval time.Duration) *Manager {
	if sweepInterval <= 0 {
		sweepInterval = 10 * time.Second
	}
	m := &Manager{sweepInterval: sweepInterval, stopCh: make(chan struct{})}
	m.wg.Add(1)
	go m.reapLoop()
	return m
}

// Open registers producer under a fresh id and returns it.
func (m *Manager) Open(producer Producer, ownerConn, sessionID, namespace string, batchSize int, deadline time.Duration) int64 {
	id := m.nextID.Add(1)
	h := &handle{
		id:        id,
		producer:  producer,
		ownerConn: ownerConn,
		sessionID: sessionID,
		namespace: namespace,
		batchSize: batchSize,
		deadline:  deadline,
	}
	atomic.StoreInt64(&h.lastAccess, time.Now().UnixNano())
	m.cursors.Store(id, h)
	return id
}

// Fetch returns the next batch for id, enforcing the owner-connection (or
// matching session id) check (spec.md §4.E); deadlines are enforced by the
// reaper, which removes expired handles so a later Fetch of them reports
// CursorNotFound. A return of
// id=0 means the producer is exhausted and the handle has been deleted.
func (m *Manager) Fetch(id int64, requested int, ownerConn, sessionID string) (docs []*bsonkit.Document, nextID int64, err error) {
	val, ok := m.cursors.Load(id)
	if !ok {
		return nil, 0, oxerr.New(oxerr.KindCursorNotFound, "cursor not found")
	}
	h := val.(*handle)

	sameOwner := h.ownerConn == ownerConn
	sameSession := h.sessionID != "" && h.sessionID == sessionID
	if !sameOwner && !sameSession {
		return nil, 0, oxerr.New(oxerr.KindCursorNotFound, "cursor owned by a different connection")
	}

	atomic.AddInt32(&h.refCount, 1)
	defer atomic.AddInt32(&h.refCount, -1)

	n := requested
	if n <= 0 {
		n = h.batchSize
	}
	batch, done, err := h.producer.Next(n)
	if err != nil {
		m.kill(id)
		return nil, 0, err
	}
	atomic.StoreInt64(&h.lastAccess, time.Now().UnixNano())

	if done {
		m.kill(id)
		return batch, 0, nil
	}
	return batch, id, nil
}

// Kill closes and removes id if ownerConn matches (or the session id
// matches a cursor opened under that session).
func (m *Manager) Kill(id int64, ownerConn, sessionID string) error {
	val, ok := m.cursors.Load(id)
	if !ok {
		return oxerr.New(oxerr.KindCursorNotFound, "cursor not found")
	}
	h := val.(*handle)
	if h.ownerConn != ownerConn && !(h.sessionID != "" && h.sessionID == sessionID) {
		return oxerr.New(oxerr.KindCursorNotFound, "cursor owned by a different connection")
	}
	m.kill(id)
	return nil
}

func (m *Manager) kill(id int64) {
	val, ok := m.cursors.LoadAndDelete(id)
	if !ok {
		return
	}
	val.(*handle).producer.Close()
}

// reapLoop periodically kills cursors past their deadline, per spec.md
// §4.E — grounded on the teacher's evictionLoop/evictIdle pair, generalized
// from a single idleTTL to each cursor's own deadline.
func (m *Manager) reapLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.reapIdle()
		case <-m.stopCh:
			return
		}
	}
}

func (m *Manager) reapIdle() {
	now := time.Now()
	var toReap []int64
	m.cursors.Range(func(key, value interface{}) bool {
		id := key.(int64)
		h := value.(*handle)
		if atomic.LoadInt32(&h.refCount) > 0 {
			return true
		}
		last := time.Unix(0, atomic.LoadInt64(&h.lastAccess))
		if h.deadline > 0 && now.Sub(last) > h.deadline {
			toReap = append(toReap, id)
		}
		return true
	})
	for _, id := range toReap {
		m.kill(id)
	}
}

// Close stops the reaper and closes every open cursor.
func (m *Manager) Close() {
	if !m.closed.CompareAndSwap(false, true) {
		return
	}
	close(m.stopCh)
	m.wg.Wait()
	m.cursors.Range(func(key, value interface{}) bool {
		value.(*handle).producer.Close()
		return true
	})
}
