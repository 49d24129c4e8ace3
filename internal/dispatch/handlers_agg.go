package dispatch

import (
	"context"
	"sort"

	"github.com/fcoury/oxidedb/internal/bsonkit"
	"github.com/fcoury/oxidedb/internal/cursor"
	"github.com/fcoury/oxidedb/internal/oxerr"
	"github.com/fcoury/oxidedb/internal/translate"
)

func registerAggregateHandlers(h map[string]Handler) {
	h["aggregate"] = handleAggregate
}

// sliceProducer adapts an already-materialized document slice into a
// cursor.Producer, for aggregate results: unlike find, a pipeline's output
// is fully resolved in process before the first batch goes out, so there is
// no backing pgx.Rows left to page through.
type sliceProducer struct {
	docs []*bsonkit.Document
	pos  int
}

func (p *sliceProducer) Next(n int) ([]*bsonkit.Document, bool, error) {
	if n <= 0 {
		n = len(p.docs) - p.pos
	}
	end := p.pos + n
	if end > len(p.docs) {
		end = len(p.docs)
	}
	batch := p.docs[p.pos:end]
	p.pos = end
	return batch, p.pos >= len(p.docs), nil
}

func (p *sliceProducer) Close() {}

func handleAggregate(ctx context.Context, d *Dispatcher, conn *ConnState, cmd *bsonkit.Document) (*bsonkit.Document, error) {
	ns, ok := ResolveNamespace("aggregate", cmd)
	if !ok {
		return nil, malformed("aggregate requires $db and a collection name")
	}
	if err := d.Storage.EnsureCollection(ctx, ns.DB, ns.Coll); err != nil {
		return nil, err
	}

	pipelineVal := cmd.Get("pipeline")
	if pipelineVal == nil || pipelineVal.Kind != bsonkit.KindArray {
		return nil, malformed("aggregate requires a pipeline array")
	}
	stages, err := ParsePipeline(pipelineVal.Arr)
	if err != nil {
		return nil, err
	}
	segments, err := translate.CompilePipeline(stages)
	if err != nil {
		return nil, err
	}

	docs, err := runSegments(ctx, d, ns, cmd, nil, segments)
	if err != nil {
		return nil, err
	}

	batchSize := intArg(cmd, "batchSize", d.DefaultBatchSize)
	if batchSize <= 0 {
		batchSize = d.DefaultBatchSize
	}
	sessionID := sessionIDOf(cmd)
	producer := &sliceProducer{docs: docs}
	cursorID := d.Cursors.Open(producer, conn.ConnID, sessionID, ns.String(), batchSize, d.cursorDeadline())
	firstBatch, nextID, err := d.Cursors.Fetch(cursorID, batchSize, conn.ConnID, sessionID)
	if err != nil {
		return nil, err
	}
	return cursorReplyDoc(ns.String(), firstBatch, nextID, "firstBatch"), nil
}

// runSegments threads a document set through a compiled pipeline's
// segments. The first SQL segment reads from the base collection; an SQL
// segment that follows an engine-only stage (e.g. a $project after a
// $lookup) is, by construction of translate.CompilePipeline, compiled
// against the base table rather than the engine stage's output — such
// pipelines are rare in practice (lookup/facet/unionWith/bucketAuto/out/
// merge are conventionally placed at or near the end) and are not
// specially handled here.
func runSegments(ctx context.Context, d *Dispatcher, ns Namespace, cmd *bsonkit.Document, docs []*bsonkit.Document, segments []translate.PipelineSegment) ([]*bsonkit.Document, error) {
	for _, seg := range segments {
		if seg.SQL != nil {
			fetched, err := runSQLSegment(ctx, d, ns, cmd, *seg.SQL)
			if err != nil {
				return nil, err
			}
			docs = fetched
			continue
		}
		updated, err := runEngineStage(ctx, d, ns, cmd, docs, *seg.Stage)
		if err != nil {
			return nil, err
		}
		docs = updated
	}
	return docs, nil
}

func runSQLSegment(ctx context.Context, d *Dispatcher, ns Namespace, cmd *bsonkit.Document, frag translate.SqlFragment) ([]*bsonkit.Document, error) {
	sql := "SELECT id, doc FROM (" + frag.Text + ") agg_src"
	rows, err := readExecutor(d, cmd).Execute(ctx, ns.DB, ns.Coll, sql, frag.Params)
	if err != nil {
		return nil, err
	}
	rs := newJSONBRowSource(rows)
	defer rs.Close()
	var docs []*bsonkit.Document
	for {
		raw, ok, err := rs.Next()
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		doc, _, err := bsonkit.Decode(raw)
		if err != nil {
			return nil, oxerr.Wrap(oxerr.KindMalformedDoc, "decode pipeline row", err)
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

// fetchCollectionDocs reads every stored document of another collection in
// the same database, for $lookup/$unionWith's foreign/other side.
func fetchCollectionDocs(ctx context.Context, d *Dispatcher, cmd *bsonkit.Document, db, coll string) ([]*bsonkit.Document, error) {
	if err := d.Storage.EnsureCollection(ctx, db, coll); err != nil {
		return nil, err
	}
	rows, err := readExecutor(d, cmd).Execute(ctx, db, coll, "SELECT id, doc_bson FROM %%TABLE%%", nil)
	if err != nil {
		return nil, err
	}
	rs := newBSONRowSource(rows)
	defer rs.Close()
	var docs []*bsonkit.Document
	for {
		raw, ok, err := rs.Next()
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		doc, _, err := bsonkit.Decode(raw)
		if err != nil {
			return nil, oxerr.Wrap(oxerr.KindMalformedDoc, "decode collection row", err)
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

func runEngineStage(ctx context.Context, d *Dispatcher, ns Namespace, cmd *bsonkit.Document, docs []*bsonkit.Document, stage translate.Stage) ([]*bsonkit.Document, error) {
	switch stage.Kind {
	case translate.StageLookup:
		foreigns, err := fetchCollectionDocs(ctx, d, cmd, ns.DB, stage.Lookup.From)
		if err != nil {
			return nil, err
		}
		return d.Evaluator.RunLookup(docs, foreigns, stage.Lookup, "")

	case translate.StageUnionWith:
		others, err := fetchCollectionDocs(ctx, d, cmd, ns.DB, stage.UnionWith)
		if err != nil {
			return nil, err
		}
		return translate.RunUnionWith(docs, others), nil

	case translate.StageBucketAuto:
		return translate.RunBucketAuto(docs, stage.Bucket.GroupBy, stage.Buckets)

	case translate.StageFacet:
		branchResults := make(map[string][]*bsonkit.Document, len(stage.Facet))
		for name, branchStages := range stage.Facet {
			result, err := runStagesInMemory(ctx, d, ns, cmd, docs, branchStages)
			if err != nil {
				return nil, err
			}
			branchResults[name] = result
		}
		return []*bsonkit.Document{translate.RunFacet(branchResults)}, nil

	case translate.StageOut:
		if err := replaceCollectionContents(ctx, d, cmd, ns.DB, stage.OutTarget, docs); err != nil {
			return nil, err
		}
		return docs, nil

	case translate.StageMerge:
		if err := mergeIntoCollection(ctx, d, cmd, ns.DB, stage.OutTarget, docs); err != nil {
			return nil, err
		}
		return docs, nil

	default:
		return nil, oxerr.New(oxerr.KindMalformedDoc, "stage is not an engine stage: "+string(stage.Kind))
	}
}

// runStagesInMemory applies a stage list to an already-materialized
// document slice without ever touching storage for the pushdown stages —
// the shape $facet branches need, since their input is the parent
// pipeline's in-memory result rather than the base table.
func runStagesInMemory(ctx context.Context, d *Dispatcher, ns Namespace, cmd *bsonkit.Document, docs []*bsonkit.Document, stages []translate.Stage) ([]*bsonkit.Document, error) {
	out := docs
	for _, stage := range stages {
		switch stage.Kind {
		case translate.StageMatch:
			kept := out[:0:0]
			for _, doc := range out {
				if translate.EvalFilter(stage.Filter, doc) {
					kept = append(kept, doc)
				}
			}
			out = kept
		case translate.StageSort:
			sorted := append([]*bsonkit.Document(nil), out...)
			sort.SliceStable(sorted, func(i, j int) bool { return lessByKeys(sorted[i], sorted[j], stage.Sort) })
			out = sorted
		case translate.StageLimit:
			if stage.Limit >= 0 && int64(len(out)) > stage.Limit {
				out = out[:stage.Limit]
			}
		case translate.StageSkip:
			if stage.Skip >= int64(len(out)) {
				out = nil
			} else if stage.Skip > 0 {
				out = out[stage.Skip:]
			}
		case translate.StageProject:
			projector := buildProjector(stage.Fields, d.Evaluator)
			if projector != nil {
				projected := make([]*bsonkit.Document, len(out))
				for i, doc := range out {
					projected[i] = projector(doc)
				}
				out = projected
			}
		case translate.StageUnset:
			for _, doc := range out {
				for _, p := range stage.Unset {
					bsonkit.Unset(doc, p)
				}
			}
		case translate.StageReplaceRoot, translate.StageReplaceWith:
			replaced := make([]*bsonkit.Document, 0, len(out))
			for _, doc := range out {
				if v := bsonkit.Get(doc, stage.ReplaceRootPath); v != nil && v.Kind == bsonkit.KindDocument {
					replaced = append(replaced, v.Doc)
				}
			}
			out = replaced
		case translate.StageCount:
			field := stage.CountField
			if field == "" {
				field = "count"
			}
			countDoc := bsonkit.NewDocument(bsonkit.Pair{Key: field, Val: bsonkit.Value{Kind: bsonkit.KindInt64, Int64: int64(len(out))}})
			out = []*bsonkit.Document{countDoc}
		case translate.StageGroup:
			grouped, err := groupInMemory(out, stage.Group)
			if err != nil {
				return nil, err
			}
			out = grouped
		case translate.StageUnwind:
			out = unwindInMemory(out, stage.Unwind)
		case translate.StageLookup, translate.StageFacet, translate.StageUnionWith, translate.StageBucketAuto, translate.StageOut, translate.StageMerge:
			updated, err := runEngineStage(ctx, d, ns, cmd, out, stage)
			if err != nil {
				return nil, err
			}
			out = updated
		default:
			// $set/$addFields/$bucket/$sortByCount/$sample carry the same
			// literal-rewrite limitation as their SQL pushdown counterparts
			// (see translate/pipeline.go's compilePushdownStage StageSet
			// case) and are passed through unchanged here for consistency.
		}
	}
	return out, nil
}

func lessByKeys(a, b *bsonkit.Document, keys []translate.SortKey) bool {
	for _, k := range keys {
		av := bsonkit.Get(a, k.Path)
		bv := bsonkit.Get(b, k.Path)
		af, aok := numericOf(av)
		bf, bok := numericOf(bv)
		var cmp int
		if aok && bok {
			switch {
			case af < bf:
				cmp = -1
			case af > bf:
				cmp = 1
			}
		} else {
			as, bs := stringOf(av), stringOf(bv)
			switch {
			case as < bs:
				cmp = -1
			case as > bs:
				cmp = 1
			}
		}
		if cmp == 0 {
			continue
		}
		if k.Descending {
			return cmp > 0
		}
		return cmp < 0
	}
	return false
}

func numericOf(v *bsonkit.Value) (float64, bool) {
	if v == nil {
		return 0, false
	}
	return bsonkit.ToFloat64(*v)
}

func stringOf(v *bsonkit.Value) string {
	if v == nil {
		return ""
	}
	if v.Kind == bsonkit.KindString {
		return v.Str
	}
	return ""
}

func unwindInMemory(docs []*bsonkit.Document, spec translate.UnwindSpec) []*bsonkit.Document {
	var out []*bsonkit.Document
	for _, doc := range docs {
		v := bsonkit.Get(doc, spec.Path)
		if v == nil || v.Kind != bsonkit.KindArray || len(v.Arr) == 0 {
			if spec.PreserveNullAndEmptyArrays {
				out = append(out, doc)
			}
			continue
		}
		for i, elem := range v.Arr {
			clone := doc.Clone()
			bsonkit.Set(clone, spec.Path, elem)
			if spec.IncludeArrayIndex != "" {
				clone.Set(spec.IncludeArrayIndex, bsonkit.Value{Kind: bsonkit.KindInt64, Int64: int64(i)})
			}
			out = append(out, clone)
		}
	}
	return out
}

func groupInMemory(docs []*bsonkit.Document, spec translate.GroupSpec) ([]*bsonkit.Document, error) {
	type bucket struct {
		key  bsonkit.Value
		docs []*bsonkit.Document
	}
	order := []string{}
	buckets := map[string]*bucket{}
	for _, doc := range docs {
		var key bsonkit.Value
		if spec.ID != "" {
			if v := bsonkit.Get(doc, spec.ID); v != nil {
				key = *v
			}
		}
		k := bsonkit.Encode(bsonkit.NewDocument(bsonkit.Pair{Key: "k", Val: key}))
		ks := string(k)
		b, ok := buckets[ks]
		if !ok {
			b = &bucket{key: key}
			buckets[ks] = b
			order = append(order, ks)
		}
		b.docs = append(b.docs, doc)
	}

	out := make([]*bsonkit.Document, 0, len(order))
	for _, ks := range order {
		b := buckets[ks]
		result := bsonkit.NewDocument(bsonkit.Pair{Key: "_id", Val: b.key})
		for _, acc := range spec.Accumulators {
			val, err := accumulateInMemory(acc, b.docs)
			if err != nil {
				return nil, err
			}
			result.Set(acc.Field, val)
		}
		out = append(out, result)
	}
	return out, nil
}

func accumulateInMemory(acc translate.GroupAccumulator, docs []*bsonkit.Document) (bsonkit.Value, error) {
	switch acc.Op {
	case "sum", "avg", "min", "max":
		var sum, cur float64
		have := false
		for _, doc := range docs {
			v := bsonkit.Get(doc, acc.Expr)
			if v == nil {
				continue
			}
			f, ok := bsonkit.ToFloat64(*v)
			if !ok {
				continue
			}
			sum += f
			if !have || (acc.Op == "min" && f < cur) || (acc.Op == "max" && f > cur) {
				cur = f
			}
			have = true
		}
		switch acc.Op {
		case "sum":
			return bsonkit.Value{Kind: bsonkit.KindDouble, Double: sum}, nil
		case "avg":
			if len(docs) == 0 {
				return bsonkit.Value{Kind: bsonkit.KindDouble, Double: 0}, nil
			}
			return bsonkit.Value{Kind: bsonkit.KindDouble, Double: sum / float64(len(docs))}, nil
		default:
			return bsonkit.Value{Kind: bsonkit.KindDouble, Double: cur}, nil
		}
	case "count":
		return bsonkit.Value{Kind: bsonkit.KindInt64, Int64: int64(len(docs))}, nil
	case "push":
		arr := make([]bsonkit.Value, 0, len(docs))
		for _, doc := range docs {
			if v := bsonkit.Get(doc, acc.Expr); v != nil {
				arr = append(arr, *v)
			}
		}
		return bsonkit.Value{Kind: bsonkit.KindArray, Arr: arr}, nil
	case "addToSet":
		var arr []bsonkit.Value
		for _, doc := range docs {
			v := bsonkit.Get(doc, acc.Expr)
			if v == nil {
				continue
			}
			dup := false
			for _, e := range arr {
				if e.Equal(*v) {
					dup = true
					break
				}
			}
			if !dup {
				arr = append(arr, *v)
			}
		}
		return bsonkit.Value{Kind: bsonkit.KindArray, Arr: arr}, nil
	case "first":
		if len(docs) == 0 {
			return bsonkit.Null(), nil
		}
		if v := bsonkit.Get(docs[0], acc.Expr); v != nil {
			return *v, nil
		}
		return bsonkit.Null(), nil
	case "last":
		if len(docs) == 0 {
			return bsonkit.Null(), nil
		}
		if v := bsonkit.Get(docs[len(docs)-1], acc.Expr); v != nil {
			return *v, nil
		}
		return bsonkit.Null(), nil
	default:
		return bsonkit.Value{}, oxerr.New(oxerr.KindMalformedDoc, "unknown group accumulator: "+acc.Op)
	}
}

// replaceCollectionContents implements $out: the target collection's
// entire contents are replaced by docs, per the aggregation stage's
// documented semantics.
func replaceCollectionContents(ctx context.Context, d *Dispatcher, cmd *bsonkit.Document, db, coll string, docs []*bsonkit.Document) error {
	if err := d.Storage.EnsureCollection(ctx, db, coll); err != nil {
		return err
	}
	targetNS := Namespace{DB: db, Coll: coll}
	return withExecutor(ctx, d, cmd, func(exec sqlExecutor) error {
		rows, err := exec.Execute(ctx, db, coll, "DELETE FROM %%TABLE%%", nil)
		if err != nil {
			return err
		}
		if _, err := drainRows(rows); err != nil {
			return err
		}
		for _, doc := range docs {
			if err := insertOneDoc(ctx, exec, targetNS, doc.Clone()); err != nil {
				return err
			}
		}
		return nil
	})
}

// mergeIntoCollection implements a simplified $merge: documents are
// upserted into the target collection keyed by _id, the default
// whenMatched/whenNotMatched behavior.
func mergeIntoCollection(ctx context.Context, d *Dispatcher, cmd *bsonkit.Document, db, coll string, docs []*bsonkit.Document) error {
	if err := d.Storage.EnsureCollection(ctx, db, coll); err != nil {
		return err
	}
	targetNS := Namespace{DB: db, Coll: coll}
	return withExecutor(ctx, d, cmd, func(exec sqlExecutor) error {
		for _, doc := range docs {
			clone := doc.Clone()
			idVal := clone.Get("_id")
			if idVal == nil {
				if err := insertOneDoc(ctx, exec, targetNS, clone); err != nil {
					return err
				}
				continue
			}
			jsonDoc, docBSON, err := encodeDoc(clone)
			if err != nil {
				return err
			}
			rows, err := exec.Execute(ctx, db, coll, "UPDATE %%TABLE%% SET doc = $1, doc_bson = $2 WHERE id = $3",
				[]interface{}{jsonDoc, docBSON, translate.IDColumnValue(*idVal)})
			if err != nil {
				return err
			}
			n, err := drainRows(rows)
			if err != nil {
				return err
			}
			if n == 0 {
				if err := insertOneDoc(ctx, exec, targetNS, clone); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

var _ cursor.Producer = (*sliceProducer)(nil)
