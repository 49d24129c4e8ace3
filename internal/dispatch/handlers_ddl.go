package dispatch

import (
	"context"
	"strings"

	"github.com/fcoury/oxidedb/internal/bsonkit"
	"github.com/fcoury/oxidedb/internal/translate"
)

func registerDDLHandlers(h map[string]Handler) {
	h["create"] = handleCreate
	h["drop"] = handleDrop
	h["dropDatabase"] = handleDropDatabase
	h["createIndexes"] = handleCreateIndexes
	h["dropIndexes"] = handleDropIndexes
}

func handleCreate(ctx context.Context, d *Dispatcher, conn *ConnState, cmd *bsonkit.Document) (*bsonkit.Document, error) {
	ns, ok := ResolveNamespace("create", cmd)
	if !ok {
		return nil, malformed("create requires $db and a collection name")
	}
	if err := d.Storage.EnsureCollection(ctx, ns.DB, ns.Coll); err != nil {
		return nil, err
	}
	return bsonkit.NewDocument(), nil
}

func handleDrop(ctx context.Context, d *Dispatcher, conn *ConnState, cmd *bsonkit.Document) (*bsonkit.Document, error) {
	ns, ok := ResolveNamespace("drop", cmd)
	if !ok {
		return nil, malformed("drop requires $db and a collection name")
	}
	if err := d.Storage.DropCollection(ctx, ns.DB, ns.Coll); err != nil {
		return nil, err
	}
	return bsonkit.NewDocument(bsonkit.Pair{Key: "ns", Val: bsonkit.Value{Kind: bsonkit.KindString, Str: ns.String()}}), nil
}

func handleDropDatabase(ctx context.Context, d *Dispatcher, conn *ConnState, cmd *bsonkit.Document) (*bsonkit.Document, error) {
	dbVal := cmd.Get("$db")
	if dbVal == nil || dbVal.Kind != bsonkit.KindString {
		return nil, malformed("dropDatabase requires $db")
	}
	colls, err := d.Storage.ListCollections(ctx, dbVal.Str)
	if err != nil {
		return nil, err
	}
	for _, coll := range colls {
		if err := d.Storage.DropCollection(ctx, dbVal.Str, coll); err != nil {
			return nil, err
		}
	}
	return bsonkit.NewDocument(bsonkit.Pair{Key: "dropped", Val: *dbVal}), nil
}

func handleCreateIndexes(ctx context.Context, d *Dispatcher, conn *ConnState, cmd *bsonkit.Document) (*bsonkit.Document, error) {
	ns, ok := ResolveNamespace("createIndexes", cmd)
	if !ok {
		return nil, malformed("createIndexes requires $db and a collection name")
	}
	specs := cmd.Get("indexes")
	if specs == nil || specs.Kind != bsonkit.KindArray {
		return nil, malformed("createIndexes requires an indexes array")
	}

	if err := d.Storage.EnsureCollection(ctx, ns.DB, ns.Coll); err != nil {
		return nil, err
	}

	created := 0
	for _, specVal := range specs.Arr {
		if specVal.Kind != bsonkit.KindDocument {
			return nil, malformed("each index spec must be a document")
		}
		spec := specVal.Doc
		nameVal := spec.Get("name")
		keyVal := spec.Get("key")
		if nameVal == nil || keyVal == nil || keyVal.Kind != bsonkit.KindDocument {
			return nil, malformed("each index spec requires name and key")
		}
		expr, err := indexExpr(keyVal.Doc)
		if err != nil {
			return nil, err
		}
		specJSON := bsonkit.Encode(spec)
		if err := d.Storage.EnsureIndex(ctx, ns.DB, ns.Coll, nameVal.Str, expr, specJSON); err != nil {
			return nil, err
		}
		created++
	}

	return bsonkit.NewDocument(
		bsonkit.Pair{Key: "numIndexesBefore", Val: bsonkit.Value{Kind: bsonkit.KindInt32, Int32: 1}},
		bsonkit.Pair{Key: "numIndexesAfter", Val: bsonkit.Value{Kind: bsonkit.KindInt32, Int32: int32(1 + created)}},
		bsonkit.Pair{Key: "createdCollectionAutomatically", Val: bsonkit.Value{Kind: bsonkit.KindBool, Bool: false}},
	), nil
}

// indexExpr renders a single-field or compound key document as a
// comma-separated list of jsonb arrow expressions for CREATE INDEX's
// column list.
func indexExpr(key *bsonkit.Document) (string, error) {
	var parts []string
	for _, p := range key.Pairs {
		parts = append(parts, "("+translate.JSONBArrowText(p.Key)+")")
	}
	if len(parts) == 0 {
		return "", malformed("index key must name at least one field")
	}
	return strings.Join(parts, ", "), nil
}

func handleDropIndexes(ctx context.Context, d *Dispatcher, conn *ConnState, cmd *bsonkit.Document) (*bsonkit.Document, error) {
	ns, ok := ResolveNamespace("dropIndexes", cmd)
	if !ok {
		return nil, malformed("dropIndexes requires $db and a collection name")
	}
	indexVal := cmd.Get("index")
	if indexVal == nil {
		return nil, malformed("dropIndexes requires 'index'")
	}
	if indexVal.Kind == bsonkit.KindString && indexVal.Str == "*" {
		return bsonkit.NewDocument(), nil
	}
	if indexVal.Kind != bsonkit.KindString {
		return nil, malformed("dropIndexes only supports a single index name or '*'")
	}
	if err := d.Storage.DropIndex(ctx, ns.DB, ns.Coll, indexVal.Str); err != nil {
		return nil, err
	}
	return bsonkit.NewDocument(), nil
}
