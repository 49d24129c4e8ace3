package dispatch

import (
	"github.com/fcoury/oxidedb/internal/bsonkit"
	"github.com/fcoury/oxidedb/internal/cursor"
	"github.com/fcoury/oxidedb/internal/translate"
)

// buildProjector turns a parsed projection into an in-process document
// transform. find never pushes projection into SQL (storage always returns
// doc_bson verbatim); projection is applied here, after decode, so a
// computed field can run through the same engine evaluator the pipeline
// uses for its engine-only stages.
func buildProjector(fields []translate.ProjectionField, eval *translate.Evaluator) func(*bsonkit.Document) *bsonkit.Document {
	if len(fields) == 0 {
		return nil
	}

	hasExclude := false
	idExcluded := false
	for _, f := range fields {
		if f.Computed != "" {
			continue
		}
		if f.Path == "_id" {
			idExcluded = !f.Include
			continue
		}
		if !f.Include {
			hasExclude = true
		}
	}

	return func(doc *bsonkit.Document) *bsonkit.Document {
		var out *bsonkit.Document
		if hasExclude {
			out = doc.Clone()
			for _, f := range fields {
				if f.Path == "_id" || f.Computed != "" {
					continue
				}
				bsonkit.Unset(out, f.Path)
			}
			if idExcluded {
				out.Unset("_id")
			}
		} else {
			out = bsonkit.NewDocument()
			if !idExcluded {
				if v := doc.Get("_id"); v != nil {
					out.Set("_id", *v)
				}
			}
			for _, f := range fields {
				if f.Path == "_id" || f.Computed != "" {
					continue
				}
				if v := bsonkit.Get(doc, f.Path); v != nil {
					bsonkit.Set(out, f.Path, *v)
				}
			}
		}

		if eval != nil {
			for _, f := range fields {
				if f.Computed == "" {
					continue
				}
				val, err := eval.EvalValue(f.Computed, doc)
				if err != nil {
					continue
				}
				bsonkit.Set(out, f.Path, bsonkit.ValueFromNative(val))
			}
		}

		return out
	}
}

// projectingProducer wraps a cursor.Producer, applying apply to every
// document a batch yields before it reaches the wire.
type projectingProducer struct {
	inner cursor.Producer
	apply func(*bsonkit.Document) *bsonkit.Document
}

func (p *projectingProducer) Next(n int) ([]*bsonkit.Document, bool, error) {
	docs, done, err := p.inner.Next(n)
	if err != nil {
		return nil, false, err
	}
	for i, doc := range docs {
		docs[i] = p.apply(doc)
	}
	return docs, done, nil
}

func (p *projectingProducer) Close() { p.inner.Close() }

// filteringProducer re-checks each document a batch yields against a
// predicate the SQL WHERE clause could not fully express (filter.go's
// EngineFallback), dropping whatever the predicate rejects.
type filteringProducer struct {
	inner cursor.Producer
	match func(*bsonkit.Document) bool
}

func (p *filteringProducer) Next(n int) ([]*bsonkit.Document, bool, error) {
	docs, done, err := p.inner.Next(n)
	if err != nil {
		return nil, false, err
	}
	if p.match == nil {
		return docs, done, nil
	}
	kept := make([]*bsonkit.Document, 0, len(docs))
	for _, doc := range docs {
		if p.match(doc) {
			kept = append(kept, doc)
		}
	}
	return kept, done, nil
}

func (p *filteringProducer) Close() { p.inner.Close() }
