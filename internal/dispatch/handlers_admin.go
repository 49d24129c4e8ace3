package dispatch

import (
	"context"

	"github.com/fcoury/oxidedb/internal/bsonkit"
)

func registerAdminHandlers(h map[string]Handler) {
	h["hello"] = handleHello
	h["ismaster"] = handleHello
	h["isMaster"] = handleHello
	h["ping"] = handlePing
	h["buildInfo"] = handleBuildInfo
	h["buildinfo"] = handleBuildInfo
	h["serverStatus"] = handleServerStatus
	h["listDatabases"] = handleListDatabases
	h["listCollections"] = handleListCollections
	h["whatsmyuri"] = handleWhatsMyURI
	h["endSessions"] = handleEndSessions
	h["oxidedbShadowMetrics"] = handleShadowMetrics
}

// handleHello answers the driver handshake every MongoDB wire client opens
// a connection with, before it issues any real command.
func handleHello(ctx context.Context, d *Dispatcher, conn *ConnState, cmd *bsonkit.Document) (*bsonkit.Document, error) {
	return bsonkit.NewDocument(
		bsonkit.Pair{Key: "ismaster", Val: bsonkit.Value{Kind: bsonkit.KindBool, Bool: true}},
		bsonkit.Pair{Key: "maxBsonObjectSize", Val: bsonkit.Value{Kind: bsonkit.KindInt32, Int32: 16 * 1024 * 1024}},
		bsonkit.Pair{Key: "maxMessageSizeBytes", Val: bsonkit.Value{Kind: bsonkit.KindInt32, Int32: 48 * 1024 * 1024}},
		bsonkit.Pair{Key: "maxWriteBatchSize", Val: bsonkit.Value{Kind: bsonkit.KindInt32, Int32: 100000}},
		bsonkit.Pair{Key: "maxWireVersion", Val: bsonkit.Value{Kind: bsonkit.KindInt32, Int32: 17}},
		bsonkit.Pair{Key: "minWireVersion", Val: bsonkit.Value{Kind: bsonkit.KindInt32, Int32: 0}},
		bsonkit.Pair{Key: "readOnly", Val: bsonkit.Value{Kind: bsonkit.KindBool, Bool: false}},
	), nil
}

func handlePing(ctx context.Context, d *Dispatcher, conn *ConnState, cmd *bsonkit.Document) (*bsonkit.Document, error) {
	return bsonkit.NewDocument(), nil
}

func handleBuildInfo(ctx context.Context, d *Dispatcher, conn *ConnState, cmd *bsonkit.Document) (*bsonkit.Document, error) {
	versionArr := []bsonkit.Value{
		{Kind: bsonkit.KindInt32, Int32: 7}, {Kind: bsonkit.KindInt32, Int32: 0}, {Kind: bsonkit.KindInt32, Int32: 0},
	}
	return bsonkit.NewDocument(
		bsonkit.Pair{Key: "version", Val: bsonkit.Value{Kind: bsonkit.KindString, Str: "7.0.0-oxidedb"}},
		bsonkit.Pair{Key: "versionArray", Val: bsonkit.Value{Kind: bsonkit.KindArray, Arr: versionArr}},
		bsonkit.Pair{Key: "bits", Val: bsonkit.Value{Kind: bsonkit.KindInt32, Int32: 64}},
		bsonkit.Pair{Key: "maxBsonObjectSize", Val: bsonkit.Value{Kind: bsonkit.KindInt32, Int32: 16 * 1024 * 1024}},
	), nil
}

func handleServerStatus(ctx context.Context, d *Dispatcher, conn *ConnState, cmd *bsonkit.Document) (*bsonkit.Document, error) {
	return bsonkit.NewDocument(
		bsonkit.Pair{Key: "host", Val: bsonkit.Value{Kind: bsonkit.KindString, Str: "oxidedb"}},
		bsonkit.Pair{Key: "version", Val: bsonkit.Value{Kind: bsonkit.KindString, Str: "7.0.0-oxidedb"}},
		bsonkit.Pair{Key: "process", Val: bsonkit.Value{Kind: bsonkit.KindString, Str: "oxidedb"}},
		bsonkit.Pair{Key: "uptime", Val: bsonkit.Value{Kind: bsonkit.KindDouble, Double: uptimeSeconds()}},
	), nil
}

func handleListDatabases(ctx context.Context, d *Dispatcher, conn *ConnState, cmd *bsonkit.Document) (*bsonkit.Document, error) {
	names, err := d.Storage.ListDatabases(ctx)
	if err != nil {
		return nil, err
	}
	dbs := make([]bsonkit.Value, len(names))
	for i, name := range names {
		dbs[i] = bsonkit.Value{Kind: bsonkit.KindDocument, Doc: bsonkit.NewDocument(
			bsonkit.Pair{Key: "name", Val: bsonkit.Value{Kind: bsonkit.KindString, Str: name}},
		)}
	}
	return bsonkit.NewDocument(
		bsonkit.Pair{Key: "databases", Val: bsonkit.Value{Kind: bsonkit.KindArray, Arr: dbs}},
	), nil
}

func handleListCollections(ctx context.Context, d *Dispatcher, conn *ConnState, cmd *bsonkit.Document) (*bsonkit.Document, error) {
	dbVal := cmd.Get("$db")
	if dbVal == nil {
		return nil, malformed("listCollections requires $db")
	}
	names, err := d.Storage.ListCollections(ctx, dbVal.Str)
	if err != nil {
		return nil, err
	}
	colls := make([]bsonkit.Value, len(names))
	for i, name := range names {
		colls[i] = bsonkit.Value{Kind: bsonkit.KindDocument, Doc: bsonkit.NewDocument(
			bsonkit.Pair{Key: "name", Val: bsonkit.Value{Kind: bsonkit.KindString, Str: name}},
			bsonkit.Pair{Key: "type", Val: bsonkit.Value{Kind: bsonkit.KindString, Str: "collection"}},
		)}
	}
	batch := bsonkit.NewDocument(
		bsonkit.Pair{Key: "firstBatch", Val: bsonkit.Value{Kind: bsonkit.KindArray, Arr: colls}},
		bsonkit.Pair{Key: "id", Val: bsonkit.Value{Kind: bsonkit.KindInt64, Int64: 0}},
		bsonkit.Pair{Key: "ns", Val: bsonkit.Value{Kind: bsonkit.KindString, Str: dbVal.Str + ".$cmd.listCollections"}},
	)
	return bsonkit.NewDocument(
		bsonkit.Pair{Key: "cursor", Val: bsonkit.Value{Kind: bsonkit.KindDocument, Doc: batch}},
	), nil
}

func handleWhatsMyURI(ctx context.Context, d *Dispatcher, conn *ConnState, cmd *bsonkit.Document) (*bsonkit.Document, error) {
	return bsonkit.NewDocument(
		bsonkit.Pair{Key: "you", Val: bsonkit.Value{Kind: bsonkit.KindString, Str: conn.ConnID}},
	), nil
}

// handleEndSessions drops every named logical session's registry state,
// aborting any transaction left pinned open (spec.md §4.F).
func handleEndSessions(ctx context.Context, d *Dispatcher, conn *ConnState, cmd *bsonkit.Document) (*bsonkit.Document, error) {
	ids := cmd.Get("endSessions")
	if ids != nil && ids.Kind == bsonkit.KindArray {
		for _, idDoc := range ids.Arr {
			if idDoc.Kind != bsonkit.KindDocument {
				continue
			}
			if sid := idDoc.Doc.Get("id"); sid != nil {
				d.Sessions.EndSession(ctx, sidString(*sid))
			}
		}
	}
	return bsonkit.NewDocument(), nil
}

// handleShadowMetrics answers the oxidedbShadowMetrics pseudo-command, a
// driver-reachable window onto the shadow comparator's counters (spec.md
// §4.H point 5) for operators who can't reach the admin HTTP /metrics
// endpoint directly.
func handleShadowMetrics(ctx context.Context, d *Dispatcher, conn *ConnState, cmd *bsonkit.Document) (*bsonkit.Document, error) {
	if d.Shadow == nil {
		return bsonkit.NewDocument(
			bsonkit.Pair{Key: "enabled", Val: bsonkit.Value{Kind: bsonkit.KindBool, Bool: false}},
		), nil
	}
	snap := d.Shadow.Counters().Snapshot()
	return bsonkit.NewDocument(
		bsonkit.Pair{Key: "enabled", Val: bsonkit.Value{Kind: bsonkit.KindBool, Bool: true}},
		bsonkit.Pair{Key: "attempts", Val: bsonkit.Value{Kind: bsonkit.KindInt64, Int64: snap.Attempts}},
		bsonkit.Pair{Key: "matches", Val: bsonkit.Value{Kind: bsonkit.KindInt64, Int64: snap.Matches}},
		bsonkit.Pair{Key: "mismatches", Val: bsonkit.Value{Kind: bsonkit.KindInt64, Int64: snap.Mismatches}},
		bsonkit.Pair{Key: "timeouts", Val: bsonkit.Value{Kind: bsonkit.KindInt64, Int64: snap.Timeouts}},
	), nil
}

func sidString(v bsonkit.Value) string {
	if v.Kind == bsonkit.KindString {
		return v.Str
	}
	if v.Kind == bsonkit.KindBinary {
		return string(v.Bin)
	}
	return ""
}
