package shadow

import (
	"testing"

	"github.com/fcoury/oxidedb/internal/bsonkit"
)

func TestShouldSampleDisabledAndFull(t *testing.T) {
	cfg := Config{SampleRate: 0}
	if shouldSample(cfg, "s1", 1, "app") {
		t.Fatalf("zero sample rate must never sample")
	}
	cfg.SampleRate = 1
	if !shouldSample(cfg, "s1", 1, "app") {
		t.Fatalf("sample rate of 1 must always sample")
	}
}

func TestShouldSampleDeterministicIsStable(t *testing.T) {
	cfg := Config{SampleRate: 0.5, Deterministic: true}
	first := shouldSample(cfg, "session-42", 7, "app")
	for i := 0; i < 5; i++ {
		if shouldSample(cfg, "session-42", 7, "app") != first {
			t.Fatalf("deterministic sampling must be stable across repeated calls")
		}
	}
}

func TestRewriteNamespaceAddsPrefixToDB(t *testing.T) {
	cmd := bsonkit.NewDocument(
		bsonkit.Pair{Key: "find", Val: bsonkit.Value{Kind: bsonkit.KindString, Str: "orders"}},
		bsonkit.Pair{Key: "$db", Val: bsonkit.Value{Kind: bsonkit.KindString, Str: "app"}},
	)
	RewriteNamespace(cmd, "shadow_")
	got := cmd.Get("$db")
	if got == nil || got.Str != "shadow_app" {
		t.Fatalf("expected $db rewritten to shadow_app, got %v", got)
	}
}

func TestRewriteNamespaceNoopWithoutPrefix(t *testing.T) {
	cmd := bsonkit.NewDocument(bsonkit.Pair{Key: "$db", Val: bsonkit.Value{Kind: bsonkit.KindString, Str: "app"}})
	RewriteNamespace(cmd, "")
	if cmd.Get("$db").Str != "app" {
		t.Fatalf("empty prefix must leave $db untouched")
	}
}

func TestRewriteNamespaceCreateIndexesNestedNS(t *testing.T) {
	idxDoc := bsonkit.NewDocument(bsonkit.Pair{Key: "ns", Val: bsonkit.Value{Kind: bsonkit.KindString, Str: "app.orders"}})
	cmd := bsonkit.NewDocument(
		bsonkit.Pair{Key: "createIndexes", Val: bsonkit.Value{Kind: bsonkit.KindString, Str: "orders"}},
		bsonkit.Pair{Key: "indexes", Val: bsonkit.Value{Kind: bsonkit.KindArray, Arr: []bsonkit.Value{
			{Kind: bsonkit.KindDocument, Doc: idxDoc},
		}}},
	)
	RewriteNamespace(cmd, "shadow_")
	if got := idxDoc.Get("ns"); got == nil || got.Str != "shadow_app.orders" {
		t.Fatalf("expected nested ns rewritten to shadow_app.orders, got %v", got)
	}
}

func TestDiffIgnoresTopLevelAndWildcard(t *testing.T) {
	local := bsonkit.NewDocument(
		bsonkit.Pair{Key: "$clusterTime", Val: bsonkit.Value{Kind: bsonkit.KindInt64, Int64: 1}},
		bsonkit.Pair{Key: "n", Val: bsonkit.Value{Kind: bsonkit.KindInt32, Int32: 3}},
		bsonkit.Pair{Key: "cursor", Val: bsonkit.Value{Kind: bsonkit.KindDocument, Doc: bsonkit.NewDocument(
			bsonkit.Pair{Key: "firstBatch", Val: bsonkit.Value{Kind: bsonkit.KindArray, Arr: []bsonkit.Value{
				{Kind: bsonkit.KindString, Str: "a"},
			}}},
		)}},
	)
	remote := bsonkit.NewDocument(
		bsonkit.Pair{Key: "$clusterTime", Val: bsonkit.Value{Kind: bsonkit.KindInt64, Int64: 999}},
		bsonkit.Pair{Key: "n", Val: bsonkit.Value{Kind: bsonkit.KindInt32, Int32: 3}},
		bsonkit.Pair{Key: "cursor", Val: bsonkit.Value{Kind: bsonkit.KindDocument, Doc: bsonkit.NewDocument(
			bsonkit.Pair{Key: "firstBatch", Val: bsonkit.Value{Kind: bsonkit.KindArray, Arr: []bsonkit.Value{
				{Kind: bsonkit.KindString, Str: "b"},
			}}},
		)}},
	)
	cfg := DefaultConfig()
	mismatches := Diff(local, remote, cfg.IgnoreTopLevel, []string{"cursor.firstBatch.*"})
	if len(mismatches) != 0 {
		t.Fatalf("expected no mismatches once top-level and wildcard paths are ignored, got %v", mismatches)
	}
}

func TestDiffReportsStrictTypeMismatch(t *testing.T) {
	local := bsonkit.NewDocument(bsonkit.Pair{Key: "count", Val: bsonkit.Value{Kind: bsonkit.KindInt32, Int32: 2}})
	remote := bsonkit.NewDocument(bsonkit.Pair{Key: "count", Val: bsonkit.Value{Kind: bsonkit.KindInt64, Int64: 2}})
	mismatches := Diff(local, remote, nil, nil)
	if len(mismatches) != 1 || mismatches[0].Path != "count" {
		t.Fatalf("expected one mismatch at count (int32 vs int64), got %v", mismatches)
	}
}

func TestDiffRedactsSensitiveFields(t *testing.T) {
	local := bsonkit.NewDocument(bsonkit.Pair{Key: "password", Val: bsonkit.Value{Kind: bsonkit.KindString, Str: "hunter2"}})
	remote := bsonkit.NewDocument(bsonkit.Pair{Key: "password", Val: bsonkit.Value{Kind: bsonkit.KindString, Str: "swordfish"}})
	mismatches := Diff(local, remote, nil, nil)
	if len(mismatches) != 1 {
		t.Fatalf("expected one mismatch, got %v", mismatches)
	}
	if mismatches[0].Local != "[REDACTED]" || mismatches[0].Remote != "[REDACTED]" {
		t.Fatalf("expected password field values redacted, got %+v", mismatches[0])
	}
}

func TestNewComparatorObserveNoopWithoutUpstream(t *testing.T) {
	c := New(Config{})
	// Nothing should panic and Counters must stay at zero; UpstreamAddr is
	// empty so Observe must short-circuit before ever sampling.
	c.Observe("conn-1", "session-1", "app", nil, nil)
	snap := c.Counters().Snapshot()
	if snap.Attempts != 0 {
		t.Fatalf("expected no attempts recorded without an upstream configured, got %+v", snap)
	}
}
