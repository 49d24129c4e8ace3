package shadow

import "github.com/fcoury/oxidedb/internal/bsonkit"

// RewriteNamespace mutates cmd in place so its namespace fields target a
// differently-prefixed database on the shadow upstream, per spec.md §4.H
// point 2. Only the database component ever changes — collection names are
// left alone, since OxideDB's shadow target is conventionally the same
// logical schema under a renamed database (e.g. "app" mirrored to
// "app_shadow"), not a collection-level remap.
//
// $db carries the database outright. Of the command-name fields
// (find/insert/update/delete/aggregate/create/drop/createIndexes/
// dropIndexes) and getMore.collection/killCursors.collection, none carry a
// database component of their own — cmd["$db"] is their sole source of
// truth — so rewriting $db already rewrites every one of them. The two
// fields that do embed a full "db.collection" string are handled
// separately below: createIndexes' nested indexes[].ns, and the legacy
// OP_QUERY fullCollectionName (see RewriteLegacyCollectionName).
func RewriteNamespace(cmd *bsonkit.Document, dbPrefix string) {
	if dbPrefix == "" || cmd == nil {
		return
	}
	if dbVal := cmd.Get("$db"); dbVal != nil && dbVal.Kind == bsonkit.KindString {
		cmd.Set("$db", bsonkit.Value{Kind: bsonkit.KindString, Str: dbPrefix + dbVal.Str})
	}
	if idxVal := cmd.Get("indexes"); idxVal != nil && idxVal.Kind == bsonkit.KindArray {
		for _, e := range idxVal.Arr {
			if e.Kind != bsonkit.KindDocument {
				continue
			}
			rewriteNS(e.Doc, "ns", dbPrefix)
		}
	}
}

func rewriteNS(doc *bsonkit.Document, field, dbPrefix string) {
	v := doc.Get(field)
	if v == nil || v.Kind != bsonkit.KindString {
		return
	}
	db, coll, ok := splitNamespace(v.Str)
	if !ok {
		return
	}
	doc.Set(field, bsonkit.Value{Kind: bsonkit.KindString, Str: dbPrefix + db + "." + coll})
}

// RewriteLegacyCollectionName applies the same database-prefix rewrite to
// an OP_QUERY message's fullCollectionName C-string ("db.collection").
func RewriteLegacyCollectionName(fullCollectionName, dbPrefix string) string {
	if dbPrefix == "" {
		return fullCollectionName
	}
	db, coll, ok := splitNamespace(fullCollectionName)
	if !ok {
		return fullCollectionName
	}
	return dbPrefix + db + "." + coll
}

func splitNamespace(ns string) (db, coll string, ok bool) {
	for i := 0; i < len(ns); i++ {
		if ns[i] == '.' {
			return ns[:i], ns[i+1:], true
		}
	}
	return "", "", false
}
