package cursor

import (
	"sync"

	"github.com/panjf2000/ants/v2"

	"github.com/fcoury/oxidedb/internal/bsonkit"
)

// RowSource pulls one raw (id, doc_bson) row at a time from the storage
// layer; the producer batches rows from it and decodes them to documents.
type RowSource interface {
	Next() (docBSON []byte, ok bool, err error)
	Close()
}

// BatchProducer buffers one batch ahead of the consumer using a shared
// worker-pool goroutine, so Next() usually returns instantly instead of
// blocking on the backend round trip. Grounded on the concurrency model's
// single shared ants.Pool (spec.md §5's "cooperative scheduler atop a
// work-stealing thread pool"), here backing cursor batch production
// instead of shadow-replay fan-out.
type BatchProducer struct {
	source    RowSource
	pool      *ants.Pool
	batchSize int

	mu      sync.Mutex
	pending chan batchResult
	started bool
}

type batchResult struct {
	docs []*bsonkit.Document
	done bool
	err  error
}

// NewBatchProducer wraps source, prefetching via pool.
func NewBatchProducer(source RowSource, pool *ants.Pool, batchSize int) *BatchProducer {
	if batchSize <= 0 {
		batchSize = 101
	}
	return &BatchProducer{source: source, pool: pool, batchSize: batchSize}
}

// Next returns up to n documents, or done=true once the source is
// exhausted. The batch actually in flight when Next is called was sized by
// the n of whichever call triggered its prefetch (this call's n, the first
// time; the previous call's n thereafter) — see submit/produceBatch.
func (p *BatchProducer) Next(n int) ([]*bsonkit.Document, bool, error) {
	if n <= 0 {
		n = p.batchSize
	}

	p.mu.Lock()
	if !p.started {
		p.pending = make(chan batchResult, 1)
		p.submit(n)
		p.started = true
	}
	ch := p.pending
	p.mu.Unlock()

	result := <-ch

	p.mu.Lock()
	if !result.done && result.err == nil {
		p.pending = make(chan batchResult, 1)
		p.submit(n)
	}
	p.mu.Unlock()

	return result.docs, result.done, result.err
}

func (p *BatchProducer) submit(n int) {
	ch := p.pending
	produce := func() {
		docs, done, err := p.produceBatch(n)
		ch <- batchResult{docs: docs, done: done, err: err}
	}
	if p.pool != nil {
		if err := p.pool.Submit(produce); err != nil {
			go produce()
		}
		return
	}
	go produce()
}

func (p *BatchProducer) produceBatch(n int) ([]*bsonkit.Document, bool, error) {
	if n <= 0 {
		n = p.batchSize
	}
	docs := make([]*bsonkit.Document, 0, n)
	for len(docs) < n {
		raw, ok, err := p.source.Next()
		if err != nil {
			return nil, false, err
		}
		if !ok {
			return docs, true, nil
		}
		doc, _, err := bsonkit.Decode(raw)
		if err != nil {
			return nil, false, err
		}
		docs = append(docs, doc)
	}
	return docs, false, nil
}

// Close releases the underlying row source.
func (p *BatchProducer) Close() {
	p.source.Close()
}
