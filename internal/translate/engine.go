package translate

import (
	"sort"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/checker/decls"

	"github.com/fcoury/oxidedb/internal/bsonkit"
	"github.com/fcoury/oxidedb/internal/oxerr"
)

// Evaluator is the in-process "engine fallback" used for computed
// projection fields and $lookup joins (spec.md §4.C's EXPANDED note); filter
// rechecks run through SqlFragment.FallbackEval instead, and the dispatcher's
// $lookup passes no predicate, so its joins are equality joins on
// localField/foreignField. It reuses the compile-cache-evaluate shape of the
// teacher's bundoc/rules.RulesEngine, with variables "doc" and "vars"
// (pipeline let-bindings) instead of "request"/"resource".
type Evaluator struct {
	env      *cel.Env
	progCache sync.Map // map[string]cel.Program
}

// NewEvaluator builds an Evaluator over a standard doc/vars environment.
func NewEvaluator() (*Evaluator, error) {
	env, err := cel.NewEnv(
		cel.Declarations(
			decls.NewVar("doc", decls.NewMapType(decls.String, decls.Dyn)),
			decls.NewVar("vars", decls.NewMapType(decls.String, decls.Dyn)),
		),
	)
	if err != nil {
		return nil, err
	}
	return &Evaluator{env: env}, nil
}

func (e *Evaluator) program(expr string) (cel.Program, error) {
	if val, ok := e.progCache.Load(expr); ok {
		return val.(cel.Program), nil
	}
	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, oxerr.Wrap(oxerr.KindMalformedDoc, "engine expression compile error", issues.Err())
	}
	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, oxerr.Wrap(oxerr.KindMalformedDoc, "engine expression program error", err)
	}
	e.progCache.Store(expr, prg)
	return prg, nil
}

// EvalBool evaluates a boolean CEL expression against a document with the
// given let-bindings as "vars". The dispatcher does not call it; filter
// rechecks use SqlFragment.FallbackEval.
func (e *Evaluator) EvalBool(expr string, doc *bsonkit.Document, vars map[string]interface{}) (bool, error) {
	prg, err := e.program(expr)
	if err != nil {
		return false, err
	}
	out, _, err := prg.Eval(map[string]interface{}{
		"doc":  bsonkit.ToNative(doc),
		"vars": vars,
	})
	if err != nil {
		return false, oxerr.Wrap(oxerr.KindMalformedDoc, "engine expression eval error", err)
	}
	b, ok := out.Value().(bool)
	if !ok {
		return false, oxerr.New(oxerr.KindMalformedDoc, "engine expression must return boolean")
	}
	return b, nil
}

// EvalValue evaluates an arbitrary-typed CEL expression, for computed
// projection fields (spec.md §4.C.3).
func (e *Evaluator) EvalValue(expr string, doc *bsonkit.Document) (interface{}, error) {
	prg, err := e.program(expr)
	if err != nil {
		return nil, err
	}
	out, _, err := prg.Eval(map[string]interface{}{"doc": bsonkit.ToNative(doc), "vars": map[string]interface{}{}})
	if err != nil {
		return nil, oxerr.Wrap(oxerr.KindMalformedDoc, "engine expression eval error", err)
	}
	return out.Value(), nil
}

// RunLookup joins locals against foreigns, applying predicate (a CEL
// boolean expression over "doc" = local document and "vars.foreign" =
// candidate foreign document) for every candidate pair. This path exists
// specifically for non-equality joins; equality joins are cheap enough in
// process too and use the same code path for simplicity (spec.md §4.C.5).
func (e *Evaluator) RunLookup(locals, foreigns []*bsonkit.Document, spec LookupSpec, predicate string) ([]*bsonkit.Document, error) {
	out := make([]*bsonkit.Document, 0, len(locals))
	for _, local := range locals {
		var matches []bsonkit.Value
		for _, foreign := range foreigns {
			ok, err := e.evalJoinPredicate(predicate, local, foreign, spec)
			if err != nil {
				return nil, err
			}
			if ok {
				matches = append(matches, bsonkit.Value{Kind: bsonkit.KindDocument, Doc: foreign})
			}
		}
		joined := local.Clone()
		joined.Set(spec.As, bsonkit.Value{Kind: bsonkit.KindArray, Arr: matches})
		out = append(out, joined)
	}
	return out, nil
}

func (e *Evaluator) evalJoinPredicate(predicate string, local, foreign *bsonkit.Document, spec LookupSpec) (bool, error) {
	if predicate != "" {
		prg, err := e.program(predicate)
		if err != nil {
			return false, err
		}
		out, _, err := prg.Eval(map[string]interface{}{
			"doc":  bsonkit.ToNative(local),
			"vars": map[string]interface{}{"foreign": bsonkit.ToNative(foreign)},
		})
		if err != nil {
			return false, oxerr.Wrap(oxerr.KindMalformedDoc, "lookup predicate eval error", err)
		}
		b, ok := out.Value().(bool)
		if !ok {
			return false, oxerr.New(oxerr.KindMalformedDoc, "lookup predicate must return boolean")
		}
		return b, nil
	}
	// Default: equality on LocalField/ForeignField.
	lv := bsonkit.Get(local, spec.LocalField)
	fv := bsonkit.Get(foreign, spec.ForeignField)
	return lv != nil && fv != nil && lv.Equal(*fv), nil
}

// RunUnionWith concatenates a's rows with b's, per spec.md §4.C.5.
func RunUnionWith(a, b []*bsonkit.Document) []*bsonkit.Document {
	out := make([]*bsonkit.Document, 0, len(a)+len(b))
	out = append(out, a...)
	out = append(out, b...)
	return out
}

// RunBucketAuto computes numBuckets buckets (one per document when there
// are fewer documents than that) with exact, data-driven boundaries
// (document counts per bucket differ by at most one, ties broken by sort
// order) rather than the fixed boundaries $bucket takes (spec.md §4.C.5).
func RunBucketAuto(docs []*bsonkit.Document, groupBy string, numBuckets int) ([]*bsonkit.Document, error) {
	if numBuckets <= 0 {
		return nil, oxerr.New(oxerr.KindMalformedDoc, "bucketAuto requires buckets > 0")
	}
	type keyed struct {
		doc *bsonkit.Document
		val float64
	}
	items := make([]keyed, 0, len(docs))
	for _, d := range docs {
		v := bsonkit.Get(d, groupBy)
		if v == nil {
			continue
		}
		f, ok := bsonkit.ToFloat64(*v)
		if !ok {
			continue
		}
		items = append(items, keyed{doc: d, val: f})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].val < items[j].val })

	out := make([]*bsonkit.Document, 0, numBuckets)
	n := len(items)
	if numBuckets > n {
		numBuckets = n
	}
	for k := 0; k < numBuckets; k++ {
		chunk := items[k*n/numBuckets : (k+1)*n/numBuckets]
		min, max := chunk[0].val, chunk[len(chunk)-1].val
		bucketDoc := bsonkit.NewDocument(
			bsonkit.Pair{Key: "_id", Val: bsonkit.Value{Kind: bsonkit.KindDocument, Doc: bsonkit.NewDocument(
				bsonkit.Pair{Key: "min", Val: bsonkit.Value{Kind: bsonkit.KindDouble, Double: min}},
				bsonkit.Pair{Key: "max", Val: bsonkit.Value{Kind: bsonkit.KindDouble, Double: max}},
			)}},
			bsonkit.Pair{Key: "count", Val: bsonkit.Value{Kind: bsonkit.KindInt64, Int64: int64(len(chunk))}},
		)
		out = append(out, bucketDoc)
	}
	return out, nil
}

// RunFacet evaluates each branch independently against the same input
// batch and assembles one result document with each branch's output array
// under its name (spec.md §4.C.5).
func RunFacet(branchResults map[string][]*bsonkit.Document) *bsonkit.Document {
	doc := &bsonkit.Document{}
	for name, rows := range branchResults {
		arr := make([]bsonkit.Value, len(rows))
		for i, r := range rows {
			arr[i] = bsonkit.Value{Kind: bsonkit.KindDocument, Doc: r}
		}
		doc.Set(name, bsonkit.Value{Kind: bsonkit.KindArray, Arr: arr})
	}
	return doc
}
