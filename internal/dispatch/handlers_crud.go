package dispatch

import (
	"context"
	"encoding/json"
	"strconv"

	"github.com/fcoury/oxidedb/internal/bsonkit"
	"github.com/fcoury/oxidedb/internal/cursor"
	"github.com/fcoury/oxidedb/internal/oxerr"
	"github.com/fcoury/oxidedb/internal/translate"
)

const insertSQL = "INSERT INTO %%TABLE%% (id, doc, doc_bson) VALUES ($1, $2, $3)"

func registerCRUDHandlers(h map[string]Handler) {
	h["insert"] = handleInsert
	h["find"] = handleFind
	h["getMore"] = handleGetMore
	h["killCursors"] = handleKillCursors
	h["update"] = handleUpdate
	h["delete"] = handleDelete
	h["findAndModify"] = handleFindAndModify
}

// encodeDoc produces the (doc jsonb, doc_bson bytea) pair every row stores,
// per spec.md §4.B's table shape.
func encodeDoc(doc *bsonkit.Document) ([]byte, []byte, error) {
	jsonDoc, err := json.Marshal(bsonkit.ToNative(doc))
	if err != nil {
		return nil, nil, oxerr.Wrap(oxerr.KindMalformedDoc, "encode document", err)
	}
	return jsonDoc, bsonkit.Encode(doc), nil
}

func insertOneDoc(ctx context.Context, exec sqlExecutor, ns Namespace, doc *bsonkit.Document) error {
	if doc.Get("_id") == nil {
		doc.Set("_id", bsonkit.Value{Kind: bsonkit.KindObjectID, OID: bsonkit.NewObjectID()})
	}
	idVal := *doc.Get("_id")
	jsonDoc, docBSON, err := encodeDoc(doc)
	if err != nil {
		return err
	}
	rows, err := exec.Execute(ctx, ns.DB, ns.Coll, insertSQL, []interface{}{translate.IDColumnValue(idVal), jsonDoc, docBSON})
	if err != nil {
		return err
	}
	_, err = drainRows(rows)
	return err
}

func handleInsert(ctx context.Context, d *Dispatcher, conn *ConnState, cmd *bsonkit.Document) (*bsonkit.Document, error) {
	ns, ok := ResolveNamespace("insert", cmd)
	if !ok {
		return nil, malformed("insert requires $db and a collection name")
	}
	docsVal := cmd.Get("documents")
	if docsVal == nil || docsVal.Kind != bsonkit.KindArray {
		return nil, malformed("insert requires a documents array")
	}
	if err := d.Storage.EnsureCollection(ctx, ns.DB, ns.Coll); err != nil {
		return nil, err
	}
	ordered := true
	if v := cmd.Get("ordered"); v != nil {
		ordered = truthy(*v)
	}

	var n int32
	var writeErrors []bsonkit.Value
	err := withExecutor(ctx, d, cmd, func(exec sqlExecutor) error {
		for i, dv := range docsVal.Arr {
			if dv.Kind != bsonkit.KindDocument {
				return malformed("each element of documents must be a document")
			}
			if err := insertOneDoc(ctx, exec, ns, dv.Doc); err != nil {
				writeErrors = append(writeErrors, writeErrorDoc(i, err))
				if ordered {
					break
				}
				continue
			}
			n++
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	reply := bsonkit.NewDocument(
		bsonkit.Pair{Key: "n", Val: bsonkit.Value{Kind: bsonkit.KindInt32, Int32: n}},
	)
	if len(writeErrors) > 0 {
		reply.Set("writeErrors", bsonkit.Value{Kind: bsonkit.KindArray, Arr: writeErrors})
	}
	return reply, nil
}

func handleFind(ctx context.Context, d *Dispatcher, conn *ConnState, cmd *bsonkit.Document) (*bsonkit.Document, error) {
	ns, ok := ResolveNamespace("find", cmd)
	if !ok {
		return nil, malformed("find requires $db and a collection name")
	}
	if err := d.Storage.EnsureCollection(ctx, ns.DB, ns.Coll); err != nil {
		return nil, err
	}

	node, err := ParseFilter(docArg(cmd, "filter"))
	if err != nil {
		return nil, err
	}
	filterFrag, err := translate.CompileFilter(node)
	if err != nil {
		return nil, err
	}
	sortFrag := translate.CompileSort(ParseSort(docArg(cmd, "sort")))

	limit := intArg(cmd, "limit", 0)
	skip := intArg(cmd, "skip", 0)
	batchSize := intArg(cmd, "batchSize", d.DefaultBatchSize)
	if limit > 0 && (batchSize <= 0 || limit < batchSize) {
		batchSize = limit
	}

	var projDoc *bsonkit.Document
	if pv := cmd.Get("projection"); pv != nil && pv.Kind == bsonkit.KindDocument {
		projDoc = pv.Doc
	}
	projFields, err := ParseProjection(projDoc)
	if err != nil {
		return nil, err
	}
	projector := buildProjector(projFields, d.Evaluator)

	sql := "SELECT id, doc_bson FROM %%TABLE%% WHERE " + filterFrag.Text + " " + sortFrag.Text
	if skip > 0 {
		sql += " OFFSET " + strconv.Itoa(skip)
	}
	if limit > 0 {
		sql += " LIMIT " + strconv.Itoa(limit)
	}

	rows, err := readExecutor(d, cmd).Execute(ctx, ns.DB, ns.Coll, sql, filterFrag.Params)
	if err != nil {
		return nil, err
	}

	var producer cursor.Producer = cursor.NewBatchProducer(newBSONRowSource(rows), d.Pool, batchSize)
	if filterFrag.EngineFallback && filterFrag.FallbackEval != nil {
		producer = &filteringProducer{inner: producer, match: filterFrag.FallbackEval}
	}
	if projector != nil {
		producer = &projectingProducer{inner: producer, apply: projector}
	}

	sessionID := sessionIDOf(cmd)
	cursorID := d.Cursors.Open(producer, conn.ConnID, sessionID, ns.String(), batchSize, d.cursorDeadline())
	docs, nextID, err := d.Cursors.Fetch(cursorID, batchSize, conn.ConnID, sessionID)
	if err != nil {
		return nil, err
	}
	return cursorReplyDoc(ns.String(), docs, nextID, "firstBatch"), nil
}

func handleGetMore(ctx context.Context, d *Dispatcher, conn *ConnState, cmd *bsonkit.Document) (*bsonkit.Document, error) {
	cursorVal := cmd.Get("getMore")
	if cursorVal == nil {
		return nil, malformed("getMore requires a cursor id")
	}
	cursorID, ok := bsonkit.ToFloat64(*cursorVal)
	if !ok {
		return nil, malformed("getMore cursor id must be numeric")
	}
	ns, ok := ResolveNamespace("getMore", cmd)
	if !ok {
		return nil, malformed("getMore requires $db and a collection name")
	}
	batchSize := intArg(cmd, "batchSize", d.DefaultBatchSize)

	sessionID := sessionIDOf(cmd)
	docs, nextID, err := d.Cursors.Fetch(int64(cursorID), batchSize, conn.ConnID, sessionID)
	if err != nil {
		return nil, err
	}
	return cursorReplyDoc(ns.String(), docs, nextID, "nextBatch"), nil
}

func handleKillCursors(ctx context.Context, d *Dispatcher, conn *ConnState, cmd *bsonkit.Document) (*bsonkit.Document, error) {
	idsVal := cmd.Get("cursors")
	if idsVal == nil || idsVal.Kind != bsonkit.KindArray {
		return nil, malformed("killCursors requires a cursors array")
	}
	sessionID := sessionIDOf(cmd)
	var killed, notFound []bsonkit.Value
	for _, v := range idsVal.Arr {
		id, ok := bsonkit.ToFloat64(v)
		if !ok {
			continue
		}
		if err := d.Cursors.Kill(int64(id), conn.ConnID, sessionID); err != nil {
			notFound = append(notFound, v)
		} else {
			killed = append(killed, v)
		}
	}
	return bsonkit.NewDocument(
		bsonkit.Pair{Key: "cursorsKilled", Val: bsonkit.Value{Kind: bsonkit.KindArray, Arr: killed}},
		bsonkit.Pair{Key: "cursorsNotFound", Val: bsonkit.Value{Kind: bsonkit.KindArray, Arr: notFound}},
		bsonkit.Pair{Key: "cursorsAlive", Val: bsonkit.Value{Kind: bsonkit.KindArray}},
		bsonkit.Pair{Key: "cursorsUnknown", Val: bsonkit.Value{Kind: bsonkit.KindArray}},
	), nil
}

// applyUpdateOps applies update operators to doc in process, used only to
// materialize the starting document of an upsert that has no existing row
// for CompileUpdate's SQL push-down to target.
func applyUpdateOps(doc *bsonkit.Document, ops []translate.UpdateOp) *bsonkit.Document {
	out := doc.Clone()
	for _, op := range ops {
		switch op.Kind {
		case translate.UpdateSet:
			bsonkit.Set(out, op.Path, op.Value)
		case translate.UpdateUnset:
			bsonkit.Unset(out, op.Path)
		case translate.UpdateInc:
			base := 0.0
			if cur := bsonkit.Get(out, op.Path); cur != nil {
				base, _ = bsonkit.ToFloat64(*cur)
			}
			delta, _ := bsonkit.ToFloat64(op.Value)
			bsonkit.Set(out, op.Path, bsonkit.Value{Kind: bsonkit.KindDouble, Double: base + delta})
		case translate.UpdatePush:
			var arr []bsonkit.Value
			if cur := bsonkit.Get(out, op.Path); cur != nil && cur.Kind == bsonkit.KindArray {
				arr = append(arr, cur.Arr...)
			}
			arr = append(arr, op.Value)
			bsonkit.Set(out, op.Path, bsonkit.Value{Kind: bsonkit.KindArray, Arr: arr})
		case translate.UpdatePull:
			cur := bsonkit.Get(out, op.Path)
			if cur != nil && cur.Kind == bsonkit.KindArray {
				kept := make([]bsonkit.Value, 0, len(cur.Arr))
				for _, e := range cur.Arr {
					if !e.Equal(op.Value) {
						kept = append(kept, e)
					}
				}
				bsonkit.Set(out, op.Path, bsonkit.Value{Kind: bsonkit.KindArray, Arr: kept})
			}
		case translate.UpdateRename:
			if cur := bsonkit.Get(out, op.Path); cur != nil {
				bsonkit.Set(out, op.To, *cur)
			}
			bsonkit.Unset(out, op.Path)
		}
	}
	return out
}

// buildUpsertDoc materializes the document an upserting update/findAndModify
// inserts when no row matched: the filter's equality fields merged with the
// update's effect, per spec.md §4.C.2.
func buildUpsertDoc(qDoc *bsonkit.Document, uVal *bsonkit.Value) (*bsonkit.Document, error) {
	base := bsonkit.NewDocument()
	for _, p := range qDoc.Pairs {
		if len(p.Key) > 0 && p.Key[0] == '$' {
			continue
		}
		if p.Val.Kind == bsonkit.KindDocument && isOperatorDoc(p.Val.Doc) {
			continue
		}
		base.Set(p.Key, p.Val)
	}
	if uVal == nil || uVal.Kind != bsonkit.KindDocument {
		return base, nil
	}
	parsed, err := ParseUpdate(uVal.Doc)
	if err != nil {
		return nil, err
	}
	if parsed.Replace != nil {
		merged := parsed.Replace.Clone()
		for _, p := range base.Pairs {
			if merged.Get(p.Key) == nil {
				merged.Set(p.Key, p.Val)
			}
		}
		return merged, nil
	}
	return applyUpdateOps(base, parsed.Ops), nil
}

// replaceDoc rewrites both stored columns of an existing row to a whole
// replacement document, preserving the original _id.
func replaceDoc(ctx context.Context, exec sqlExecutor, ns Namespace, idVal bsonkit.Value, replacement *bsonkit.Document) error {
	replacement = replacement.Clone()
	replacement.Set("_id", idVal)
	jsonDoc, docBSON, err := encodeDoc(replacement)
	if err != nil {
		return err
	}
	rows, err := exec.Execute(ctx, ns.DB, ns.Coll, "UPDATE %%TABLE%% SET doc = $1, doc_bson = $2 WHERE id = $3",
		[]interface{}{jsonDoc, docBSON, translate.IDColumnValue(idVal)})
	if err != nil {
		return err
	}
	_, err = drainRows(rows)
	return err
}

// applyCompiledUpdate runs ops through translate.CompileUpdate's jsonb
// push-down against the row named by idVal, returning the row's post-update
// doc as authoritatively computed by PostgreSQL (not recomputed in Go), so
// the caller can resync doc_bson from it.
func applyCompiledUpdate(ctx context.Context, exec sqlExecutor, ns Namespace, idVal bsonkit.Value, ops []translate.UpdateOp) (*bsonkit.Document, error) {
	frag, err := translate.CompileUpdate(ops, idVal)
	if err != nil {
		return nil, err
	}
	sql := frag.Text + " RETURNING doc"
	rows, err := exec.Execute(ctx, ns.DB, ns.Coll, sql, frag.Params)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, oxerr.Wrap(oxerr.KindBackend, "row iteration failed", err)
		}
		return nil, oxerr.New(oxerr.KindBackend, "update did not return the modified row")
	}
	var native map[string]interface{}
	if err := rows.Scan(&native); err != nil {
		return nil, oxerr.Wrap(oxerr.KindBackend, "row scan failed", err)
	}
	updated := bsonkit.FromNative(native)
	updated.Set("_id", idVal)
	return updated, nil
}

// syncDocBSON rewrites a row's doc_bson column to match doc, keeping the
// wire-facing column consistent after a SQL-side jsonb_set push-down wrote
// only the doc column.
func syncDocBSON(ctx context.Context, exec sqlExecutor, ns Namespace, idVal bsonkit.Value, doc *bsonkit.Document) error {
	rows, err := exec.Execute(ctx, ns.DB, ns.Coll, "UPDATE %%TABLE%% SET doc_bson = $1 WHERE id = $2",
		[]interface{}{bsonkit.Encode(doc), translate.IDColumnValue(idVal)})
	if err != nil {
		return err
	}
	_, err = drainRows(rows)
	return err
}

// applyUpdateToOne runs one update spec against an already-matched doc,
// leaving both storage columns consistent, and returns the document the
// caller should report back (the new value when new/updated, or doc
// unchanged if the caller wants the pre-image).
func applyUpdateToOne(ctx context.Context, exec sqlExecutor, ns Namespace, doc *bsonkit.Document, uVal *bsonkit.Value) (*bsonkit.Document, error) {
	idVal := *doc.Get("_id")
	if uVal == nil || uVal.Kind != bsonkit.KindDocument {
		return doc, nil
	}
	parsed, err := ParseUpdate(uVal.Doc)
	if err != nil {
		return nil, err
	}
	if parsed.Replace != nil {
		if err := replaceDoc(ctx, exec, ns, idVal, parsed.Replace); err != nil {
			return nil, err
		}
		replacement := parsed.Replace.Clone()
		replacement.Set("_id", idVal)
		return replacement, nil
	}
	updated, err := applyCompiledUpdate(ctx, exec, ns, idVal, parsed.Ops)
	if err != nil {
		return nil, err
	}
	if err := syncDocBSON(ctx, exec, ns, idVal, updated); err != nil {
		return nil, err
	}
	return updated, nil
}

func handleUpdate(ctx context.Context, d *Dispatcher, conn *ConnState, cmd *bsonkit.Document) (*bsonkit.Document, error) {
	ns, ok := ResolveNamespace("update", cmd)
	if !ok {
		return nil, malformed("update requires $db and a collection name")
	}
	updatesVal := cmd.Get("updates")
	if updatesVal == nil || updatesVal.Kind != bsonkit.KindArray {
		return nil, malformed("update requires an updates array")
	}
	if err := d.Storage.EnsureCollection(ctx, ns.DB, ns.Coll); err != nil {
		return nil, err
	}

	var matched, modified, upserted int32
	var upsertedIDs []bsonkit.Value
	var writeErrors []bsonkit.Value

	err := withExecutor(ctx, d, cmd, func(exec sqlExecutor) error {
		for i, uv := range updatesVal.Arr {
			if uv.Kind != bsonkit.KindDocument {
				return malformed("each update entry must be a document")
			}
			entry := uv.Doc
			qDoc := docArg(entry, "q")
			uVal := entry.Get("u")
			multi := boolArg(entry, "multi")
			upsert := boolArg(entry, "upsert")

			node, err := ParseFilter(qDoc)
			if err != nil {
				return err
			}
			frag, err := translate.CompileFilter(node)
			if err != nil {
				return err
			}

			selectSQL := "SELECT id, doc_bson FROM %%TABLE%% WHERE " + frag.Text
			if !multi && !frag.EngineFallback {
				selectSQL += " LIMIT 1"
			}
			rows, err := exec.Execute(ctx, ns.DB, ns.Coll, selectSQL, frag.Params)
			if err != nil {
				writeErrors = append(writeErrors, writeErrorDoc(i, err))
				continue
			}
			rs := newBSONRowSource(rows)
			var matchedDocs []*bsonkit.Document
			for {
				raw, ok, nerr := rs.Next()
				if nerr != nil {
					err = nerr
					break
				}
				if !ok {
					break
				}
				doc, _, derr := bsonkit.Decode(raw)
				if derr != nil {
					continue
				}
				if frag.EngineFallback && frag.FallbackEval != nil && !frag.FallbackEval(doc) {
					continue
				}
				matchedDocs = append(matchedDocs, doc)
				if !multi {
					break
				}
			}
			rs.Close()
			if err != nil {
				writeErrors = append(writeErrors, writeErrorDoc(i, err))
				continue
			}

			if len(matchedDocs) == 0 {
				if !upsert {
					continue
				}
				newDoc, uerr := buildUpsertDoc(qDoc, uVal)
				if uerr != nil {
					writeErrors = append(writeErrors, writeErrorDoc(i, uerr))
					continue
				}
				if uerr := insertOneDoc(ctx, exec, ns, newDoc); uerr != nil {
					writeErrors = append(writeErrors, writeErrorDoc(i, uerr))
					continue
				}
				upserted++
				if idv := newDoc.Get("_id"); idv != nil {
					upsertedIDs = append(upsertedIDs, *idv)
				}
				continue
			}

			matched += int32(len(matchedDocs))
			for _, doc := range matchedDocs {
				if _, uerr := applyUpdateToOne(ctx, exec, ns, doc, uVal); uerr != nil {
					writeErrors = append(writeErrors, writeErrorDoc(i, uerr))
					continue
				}
				modified++
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	reply := bsonkit.NewDocument(
		bsonkit.Pair{Key: "n", Val: bsonkit.Value{Kind: bsonkit.KindInt32, Int32: matched + upserted}},
		bsonkit.Pair{Key: "nModified", Val: bsonkit.Value{Kind: bsonkit.KindInt32, Int32: modified}},
	)
	if len(upsertedIDs) > 0 {
		arr := make([]bsonkit.Value, len(upsertedIDs))
		for i, id := range upsertedIDs {
			arr[i] = bsonkit.Value{Kind: bsonkit.KindDocument, Doc: bsonkit.NewDocument(
				bsonkit.Pair{Key: "index", Val: bsonkit.Value{Kind: bsonkit.KindInt32, Int32: int32(i)}},
				bsonkit.Pair{Key: "_id", Val: id},
			)}
		}
		reply.Set("upserted", bsonkit.Value{Kind: bsonkit.KindArray, Arr: arr})
	}
	if len(writeErrors) > 0 {
		reply.Set("writeErrors", bsonkit.Value{Kind: bsonkit.KindArray, Arr: writeErrors})
	}
	return reply, nil
}

func deleteByIDs(ctx context.Context, exec sqlExecutor, ns Namespace, ids []interface{}) (int64, error) {
	var total int64
	for _, id := range ids {
		rows, err := exec.Execute(ctx, ns.DB, ns.Coll, "DELETE FROM %%TABLE%% WHERE id = $1", []interface{}{id})
		if err != nil {
			return total, err
		}
		n, err := drainRows(rows)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

func handleDelete(ctx context.Context, d *Dispatcher, conn *ConnState, cmd *bsonkit.Document) (*bsonkit.Document, error) {
	ns, ok := ResolveNamespace("delete", cmd)
	if !ok {
		return nil, malformed("delete requires $db and a collection name")
	}
	deletesVal := cmd.Get("deletes")
	if deletesVal == nil || deletesVal.Kind != bsonkit.KindArray {
		return nil, malformed("delete requires a deletes array")
	}
	if err := d.Storage.EnsureCollection(ctx, ns.DB, ns.Coll); err != nil {
		return nil, err
	}

	var deleted int32
	var writeErrors []bsonkit.Value

	err := withExecutor(ctx, d, cmd, func(exec sqlExecutor) error {
		for i, dv := range deletesVal.Arr {
			if dv.Kind != bsonkit.KindDocument {
				return malformed("each delete entry must be a document")
			}
			entry := dv.Doc
			qDoc := docArg(entry, "q")
			limit := intArg(entry, "limit", 0)

			node, err := ParseFilter(qDoc)
			if err != nil {
				return err
			}
			frag, err := translate.CompileFilter(node)
			if err != nil {
				return err
			}

			selectSQL := "SELECT id, doc_bson FROM %%TABLE%% WHERE " + frag.Text
			if limit == 1 && !frag.EngineFallback {
				selectSQL += " LIMIT 1"
			}
			rows, err := exec.Execute(ctx, ns.DB, ns.Coll, selectSQL, frag.Params)
			if err != nil {
				writeErrors = append(writeErrors, writeErrorDoc(i, err))
				continue
			}
			rs := newBSONRowSource(rows)
			var ids []interface{}
			for {
				raw, ok, nerr := rs.Next()
				if nerr != nil {
					err = nerr
					break
				}
				if !ok {
					break
				}
				doc, _, derr := bsonkit.Decode(raw)
				if derr != nil {
					continue
				}
				if frag.EngineFallback && frag.FallbackEval != nil && !frag.FallbackEval(doc) {
					continue
				}
				ids = append(ids, translate.IDColumnValue(*doc.Get("_id")))
				if limit == 1 {
					break
				}
			}
			rs.Close()
			if err != nil {
				writeErrors = append(writeErrors, writeErrorDoc(i, err))
				continue
			}
			if len(ids) == 0 {
				continue
			}
			n, derr := deleteByIDs(ctx, exec, ns, ids)
			deleted += int32(n)
			if derr != nil {
				writeErrors = append(writeErrors, writeErrorDoc(i, derr))
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	reply := bsonkit.NewDocument(bsonkit.Pair{Key: "n", Val: bsonkit.Value{Kind: bsonkit.KindInt32, Int32: deleted}})
	if len(writeErrors) > 0 {
		reply.Set("writeErrors", bsonkit.Value{Kind: bsonkit.KindArray, Arr: writeErrors})
	}
	return reply, nil
}

func handleFindAndModify(ctx context.Context, d *Dispatcher, conn *ConnState, cmd *bsonkit.Document) (*bsonkit.Document, error) {
	ns, ok := ResolveNamespace("findAndModify", cmd)
	if !ok {
		return nil, malformed("findAndModify requires $db and a collection name")
	}
	if err := d.Storage.EnsureCollection(ctx, ns.DB, ns.Coll); err != nil {
		return nil, err
	}

	qDoc := docArg(cmd, "query")
	sortFrag := translate.CompileSort(ParseSort(docArg(cmd, "sort")))
	removeFlag := boolArg(cmd, "remove")
	newFlag := boolArg(cmd, "new")
	upsertFlag := boolArg(cmd, "upsert")
	uVal := cmd.Get("update")

	node, err := ParseFilter(qDoc)
	if err != nil {
		return nil, err
	}
	filterFrag, err := translate.CompileFilter(node)
	if err != nil {
		return nil, err
	}

	var resultDoc *bsonkit.Document
	var updatedExisting, wasUpserted bool

	err = withExecutor(ctx, d, cmd, func(exec sqlExecutor) error {
		selectSQL := "SELECT id, doc_bson FROM %%TABLE%% WHERE " + filterFrag.Text + " " + sortFrag.Text
		if !filterFrag.EngineFallback {
			selectSQL += " LIMIT 1"
		}
		rows, err := exec.Execute(ctx, ns.DB, ns.Coll, selectSQL, filterFrag.Params)
		if err != nil {
			return err
		}
		rs := newBSONRowSource(rows)
		var doc *bsonkit.Document
		for {
			raw, ok, nerr := rs.Next()
			if nerr != nil {
				rs.Close()
				return nerr
			}
			if !ok {
				break
			}
			d2, _, derr := bsonkit.Decode(raw)
			if derr != nil {
				continue
			}
			if filterFrag.EngineFallback && filterFrag.FallbackEval != nil && !filterFrag.FallbackEval(d2) {
				continue
			}
			doc = d2
			break
		}
		rs.Close()

		if doc == nil {
			if !upsertFlag || removeFlag {
				return nil
			}
			newDoc, uerr := buildUpsertDoc(qDoc, uVal)
			if uerr != nil {
				return uerr
			}
			if uerr := insertOneDoc(ctx, exec, ns, newDoc); uerr != nil {
				return uerr
			}
			wasUpserted = true
			resultDoc = newDoc
			return nil
		}

		updatedExisting = true
		if removeFlag {
			idVal := *doc.Get("_id")
			rows, err := exec.Execute(ctx, ns.DB, ns.Coll, "DELETE FROM %%TABLE%% WHERE id = $1", []interface{}{translate.IDColumnValue(idVal)})
			if err != nil {
				return err
			}
			if _, err := drainRows(rows); err != nil {
				return err
			}
			resultDoc = doc
			return nil
		}

		updated, uerr := applyUpdateToOne(ctx, exec, ns, doc, uVal)
		if uerr != nil {
			return uerr
		}
		if newFlag {
			resultDoc = updated
		} else {
			resultDoc = doc
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	reply := bsonkit.NewDocument()
	if resultDoc != nil {
		reply.Set("value", bsonkit.Value{Kind: bsonkit.KindDocument, Doc: resultDoc})
	} else {
		reply.Set("value", bsonkit.Null())
	}
	lastErrorObject := bsonkit.NewDocument(
		bsonkit.Pair{Key: "updatedExisting", Val: bsonkit.Value{Kind: bsonkit.KindBool, Bool: updatedExisting}},
	)
	if wasUpserted && resultDoc != nil {
		if idv := resultDoc.Get("_id"); idv != nil {
			lastErrorObject.Set("upserted", *idv)
		}
	}
	reply.Set("lastErrorObject", bsonkit.Value{Kind: bsonkit.KindDocument, Doc: lastErrorObject})
	return reply, nil
}
