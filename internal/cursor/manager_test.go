package cursor

import (
	"testing"
	"time"

	"github.com/fcoury/oxidedb/internal/bsonkit"
	"github.com/fcoury/oxidedb/internal/oxerr"
)

type fakeProducer struct {
	batches [][]*bsonkit.Document
	closed  bool
}

func (f *fakeProducer) Next(n int) ([]*bsonkit.Document, bool, error) {
	if len(f.batches) == 0 {
		return nil, true, nil
	}
	batch := f.batches[0]
	f.batches = f.batches[1:]
	return batch, len(f.batches) == 0, nil
}

func (f *fakeProducer) Close() { f.closed = true }

func docBatch(n int) []*bsonkit.Document {
	docs := make([]*bsonkit.Document, n)
	for i := range docs {
		docs[i] = &bsonkit.Document{}
	}
	return docs
}

func TestFetchUnknownCursorReturnsCursorNotFound(t *testing.T) {
	m := NewManager(time.Hour)
	defer m.Close()

	_, _, err := m.Fetch(999, 10, "connA", "")
	oe, ok := oxerr.As(err)
	if !ok || oe.Kind != oxerr.KindCursorNotFound {
		t.Fatalf("expected CursorNotFound, got %v", err)
	}
}

func TestFetchMismatchedOwnerNoSessionReturnsCursorNotFound(t *testing.T) {
	m := NewManager(time.Hour)
	defer m.Close()

	id := m.Open(&fakeProducer{batches: [][]*bsonkit.Document{docBatch(1), docBatch(1)}}, "connA", "", "db.coll", 10, time.Hour)

	_, _, err := m.Fetch(id, 10, "connB", "")
	oe, ok := oxerr.As(err)
	if !ok || oe.Kind != oxerr.KindCursorNotFound {
		t.Fatalf("expected CursorNotFound for mismatched owner, got %v", err)
	}
}

func TestFetchMismatchedOwnerMatchingSessionSucceeds(t *testing.T) {
	m := NewManager(time.Hour)
	defer m.Close()

	id := m.Open(&fakeProducer{batches: [][]*bsonkit.Document{docBatch(1), docBatch(1)}}, "connA", "sess-1", "db.coll", 10, time.Hour)

	docs, next, err := m.Fetch(id, 10, "connB", "sess-1")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(docs) != 1 || next != id {
		t.Fatalf("expected 1 doc and cursor kept open, got %d docs next=%d", len(docs), next)
	}
}

func TestFetchExhaustionReturnsZeroIDAndDeletesHandle(t *testing.T) {
	m := NewManager(time.Hour)
	defer m.Close()

	id := m.Open(&fakeProducer{batches: [][]*bsonkit.Document{docBatch(2)}}, "connA", "", "db.coll", 10, time.Hour)

	docs, next, err := m.Fetch(id, 10, "connA", "")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(docs) != 2 || next != 0 {
		t.Fatalf("expected exhaustion on first batch, got %d docs next=%d", len(docs), next)
	}

	_, _, err = m.Fetch(id, 10, "connA", "")
	oe, ok := oxerr.As(err)
	if !ok || oe.Kind != oxerr.KindCursorNotFound {
		t.Fatalf("expected handle to be deleted after exhaustion, got %v", err)
	}
}

func TestKillRemovesCursorForOwner(t *testing.T) {
	m := NewManager(time.Hour)
	defer m.Close()

	p := &fakeProducer{batches: [][]*bsonkit.Document{docBatch(1), docBatch(1)}}
	id := m.Open(p, "connA", "", "db.coll", 10, time.Hour)

	if err := m.Kill(id, "connA", ""); err != nil {
		t.Fatalf("kill: %v", err)
	}
	if !p.closed {
		t.Fatalf("expected producer to be closed on kill")
	}

	_, _, err := m.Fetch(id, 10, "connA", "")
	oe, ok := oxerr.As(err)
	if !ok || oe.Kind != oxerr.KindCursorNotFound {
		t.Fatalf("expected CursorNotFound after kill, got %v", err)
	}
}

func TestReaperKillsIdleCursorPastDeadline(t *testing.T) {
	m := NewManager(20 * time.Millisecond)
	defer m.Close()

	p := &fakeProducer{batches: [][]*bsonkit.Document{docBatch(1), docBatch(1)}}
	id := m.Open(p, "connA", "", "db.coll", 10, 10*time.Millisecond)

	deadline := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) {
		if _, ok := m.cursors.Load(id); !ok {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	if _, ok := m.cursors.Load(id); ok {
		t.Fatalf("expected idle cursor to be reaped past its deadline")
	}
	if !p.closed {
		t.Fatalf("expected producer to be closed by reaper")
	}
}
