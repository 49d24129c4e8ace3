package translate

import (
	"strings"
	"testing"

	"github.com/fcoury/oxidedb/internal/bsonkit"
	"github.com/fcoury/oxidedb/internal/oxerr"
)

func TestCompileUpdateRejectsImmutableId(t *testing.T) {
	ops := []UpdateOp{{Kind: UpdateSet, Path: "_id", Value: bsonkit.Value{Kind: bsonkit.KindInt32, Int32: 1}}}
	_, err := CompileUpdate(ops, bsonkit.Value{Kind: bsonkit.KindInt32, Int32: 1})
	oe, ok := oxerr.As(err)
	if !ok || oe.Kind != oxerr.KindImmutableIdField {
		t.Fatalf("expected ImmutableIdField, got %v", err)
	}
}

func TestCompileUpdateRejectsConflictingOperators(t *testing.T) {
	ops := []UpdateOp{
		{Kind: UpdateSet, Path: "name", Value: bsonkit.Value{Kind: bsonkit.KindString, Str: "a"}},
		{Kind: UpdateUnset, Path: "name"},
	}
	_, err := CompileUpdate(ops, bsonkit.Value{Kind: bsonkit.KindInt32, Int32: 1})
	oe, ok := oxerr.As(err)
	if !ok || oe.Kind != oxerr.KindConflictingOperators {
		t.Fatalf("expected ConflictingOperators, got %v", err)
	}
}

func TestCompileUpdateSetProducesJsonbSet(t *testing.T) {
	ops := []UpdateOp{{Kind: UpdateSet, Path: "status", Value: bsonkit.Value{Kind: bsonkit.KindString, Str: "shipped"}}}
	frag, err := CompileUpdate(ops, bsonkit.Value{Kind: bsonkit.KindInt32, Int32: 42})
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if !strings.Contains(frag.Text, "jsonb_set") || !strings.Contains(frag.Text, "WHERE id =") {
		t.Fatalf("expected jsonb_set ... WHERE id = ..., got %s", frag.Text)
	}
}
