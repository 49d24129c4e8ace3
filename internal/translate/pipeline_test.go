package translate

import (
	"strings"
	"testing"

	"github.com/fcoury/oxidedb/internal/bsonkit"
)

func TestCompilePipelineSplitsOnEngineOnlyStage(t *testing.T) {
	stages := []Stage{
		{Kind: StageMatch, Filter: &FieldNode{Field: "status", Operator: OpEq, Value: bsonkit.Value{Kind: bsonkit.KindString, Str: "open"}}},
		{Kind: StageLookup, Lookup: LookupSpec{From: "customers", LocalField: "customerId", ForeignField: "_id", As: "customer"}},
		{Kind: StageSort, Sort: []SortKey{{Path: "createdAt", Descending: true}}},
	}

	segs, err := CompilePipeline(stages)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if len(segs) != 3 {
		t.Fatalf("expected 3 segments (pushdown, engine, pushdown), got %d", len(segs))
	}
	if segs[0].SQL == nil || segs[0].Stage != nil {
		t.Fatalf("expected segment 0 to be pushdown SQL")
	}
	if segs[1].Stage == nil || segs[1].Stage.Kind != StageLookup {
		t.Fatalf("expected segment 1 to be the lookup engine stage")
	}
	if segs[2].SQL == nil {
		t.Fatalf("expected segment 2 to be pushdown SQL for the trailing sort")
	}
	if !strings.Contains(segs[0].SQL.Text, "WHERE") {
		t.Fatalf("expected match stage to compile to a WHERE clause, got %s", segs[0].SQL.Text)
	}
}

func TestCompilePipelineAllPushdown(t *testing.T) {
	stages := []Stage{
		{Kind: StageLimit, Limit: 10},
		{Kind: StageSkip, Skip: 5},
	}
	segs, err := CompilePipeline(stages)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if len(segs) != 1 {
		t.Fatalf("expected a single pushdown segment, got %d", len(segs))
	}
	if !strings.Contains(segs[0].SQL.Text, "LIMIT") || !strings.Contains(segs[0].SQL.Text, "OFFSET") {
		t.Fatalf("expected LIMIT and OFFSET in compiled SQL, got %s", segs[0].SQL.Text)
	}
}
