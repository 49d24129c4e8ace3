package translate

import (
	"strings"
	"testing"

	"github.com/fcoury/oxidedb/internal/bsonkit"
)

func TestCompileFilterEqualityPushesDownAndFallsBackForNumeric(t *testing.T) {
	root := &FieldNode{Field: "age", Operator: OpEq, Value: bsonkit.Value{Kind: bsonkit.KindInt32, Int32: 30}}
	frag, err := CompileFilter(root)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if !strings.Contains(frag.Text, "jsonb_path_exists") {
		t.Fatalf("expected jsonb_path_exists predicate, got %s", frag.Text)
	}
	if !frag.EngineFallback {
		t.Fatalf("expected numeric equality to require engine fallback for strict typing")
	}

	doc := bsonkit.NewDocument(bsonkit.Pair{Key: "age", Val: bsonkit.Value{Kind: bsonkit.KindDouble, Double: 30}})
	if frag.FallbackEval(doc) {
		t.Fatalf("expected strict type mismatch (int32 30 vs double 30) to fail the fallback recheck")
	}

	doc2 := bsonkit.NewDocument(bsonkit.Pair{Key: "age", Val: bsonkit.Value{Kind: bsonkit.KindInt32, Int32: 30}})
	if !frag.FallbackEval(doc2) {
		t.Fatalf("expected exact type match to pass the fallback recheck")
	}
}

func TestCompileFilterStringEqualityNoFallback(t *testing.T) {
	root := &FieldNode{Field: "name", Operator: OpEq, Value: bsonkit.Value{Kind: bsonkit.KindString, Str: "ada"}}
	frag, err := CompileFilter(root)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if frag.EngineFallback {
		t.Fatalf("expected string equality to need no engine fallback")
	}
}

func TestCompileFilterAndOr(t *testing.T) {
	root := &LogicalNode{Operator: OpAnd, Children: []Node{
		&FieldNode{Field: "status", Operator: OpEq, Value: bsonkit.Value{Kind: bsonkit.KindString, Str: "active"}},
		&LogicalNode{Operator: OpOr, Children: []Node{
			&FieldNode{Field: "tier", Operator: OpEq, Value: bsonkit.Value{Kind: bsonkit.KindString, Str: "gold"}},
			&FieldNode{Field: "tier", Operator: OpEq, Value: bsonkit.Value{Kind: bsonkit.KindString, Str: "platinum"}},
		}},
	}}
	frag, err := CompileFilter(root)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if !strings.Contains(frag.Text, " AND ") || !strings.Contains(frag.Text, " OR ") {
		t.Fatalf("expected combined AND/OR text, got %s", frag.Text)
	}
}

func TestCompileFilterExistsAndNotExists(t *testing.T) {
	exists := &FieldNode{Field: "nickname", Operator: OpExists, Value: bsonkit.Value{Kind: bsonkit.KindBool, Bool: true}}
	frag, err := CompileFilter(exists)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if strings.Contains(frag.Text, "NOT") {
		t.Fatalf("expected plain exists predicate, got %s", frag.Text)
	}

	notExists := &FieldNode{Field: "nickname", Operator: OpExists, Value: bsonkit.Value{Kind: bsonkit.KindBool, Bool: false}}
	frag2, err := CompileFilter(notExists)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if !strings.HasPrefix(frag2.Text, "NOT ") {
		t.Fatalf("expected negated exists predicate, got %s", frag2.Text)
	}
}

func TestArrayOrScalarSemantics(t *testing.T) {
	root := &FieldNode{Field: "tags", Operator: OpEq, Value: bsonkit.Value{Kind: bsonkit.KindString, Str: "red"}}
	doc := bsonkit.NewDocument(bsonkit.Pair{Key: "tags", Val: bsonkit.Value{Kind: bsonkit.KindArray, Arr: []bsonkit.Value{
		{Kind: bsonkit.KindString, Str: "blue"},
		{Kind: bsonkit.KindString, Str: "red"},
	}}})
	if !root.evalDoc(doc) {
		t.Fatalf("expected scalar match against array element to succeed")
	}
}

func TestElemMatchRequiresEngineFallback(t *testing.T) {
	sub := &FieldNode{Field: "qty", Operator: OpGt, Value: bsonkit.Value{Kind: bsonkit.KindInt32, Int32: 5}}
	root := &FieldNode{Field: "items", Operator: OpElemMatch, Sub: sub}
	frag, err := CompileFilter(root)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if !frag.EngineFallback {
		t.Fatalf("expected elemMatch to require an engine-fallback recheck")
	}
}
