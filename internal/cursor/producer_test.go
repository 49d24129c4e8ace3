package cursor

import (
	"testing"

	"github.com/fcoury/oxidedb/internal/bsonkit"
)

// fakeRowSource yields raw encoded empty documents until exhausted, one per
// Next call, so tests can count exactly how many rows a batch consumed.
type fakeRowSource struct {
	remaining int
	closed    bool
}

func (f *fakeRowSource) Next() ([]byte, bool, error) {
	if f.remaining <= 0 {
		return nil, false, nil
	}
	f.remaining--
	return bsonkit.Encode(bsonkit.NewDocument()), true, nil
}

func (f *fakeRowSource) Close() { f.closed = true }

func TestBatchProducerFirstCallHonorsRequestedSize(t *testing.T) {
	src := &fakeRowSource{remaining: 100}
	p := NewBatchProducer(src, nil, 101)

	docs, done, err := p.Next(3)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if done {
		t.Fatalf("expected more rows available")
	}
	if len(docs) != 3 {
		t.Fatalf("expected a batch of 3 honoring the requested size, got %d", len(docs))
	}
}

func TestBatchProducerLaterCallsAdoptNewRequestedSize(t *testing.T) {
	src := &fakeRowSource{remaining: 100}
	p := NewBatchProducer(src, nil, 101)

	if _, _, err := p.Next(3); err != nil {
		t.Fatalf("first Next: %v", err)
	}
	// The batch prefetched after the first call was sized from that call's
	// n (3); this second call consumes it, then requests 10 for the next
	// prefetch.
	if _, _, err := p.Next(10); err != nil {
		t.Fatalf("second Next: %v", err)
	}
	docs, done, err := p.Next(10)
	if err != nil {
		t.Fatalf("third Next: %v", err)
	}
	if done {
		t.Fatalf("expected more rows available")
	}
	if len(docs) != 10 {
		t.Fatalf("expected getMore's requested batch size of 10 to be honored, got %d", len(docs))
	}
}

func TestBatchProducerReportsDoneWhenSourceExhausted(t *testing.T) {
	src := &fakeRowSource{remaining: 2}
	p := NewBatchProducer(src, nil, 101)

	docs, done, err := p.Next(5)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if !done {
		t.Fatalf("expected done once the source has fewer rows than requested")
	}
	if len(docs) != 2 {
		t.Fatalf("expected the 2 remaining docs, got %d", len(docs))
	}
}
