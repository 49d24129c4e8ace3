package translate

import (
	"strings"
	"testing"
)

func TestCompileProjectionRejectsMixedIncludeExclude(t *testing.T) {
	_, err := CompileProjection([]ProjectionField{
		{Path: "name", Include: true},
		{Path: "email", Include: false},
	})
	if err == nil {
		t.Fatalf("expected BadProjection error for mixed include/exclude")
	}
}

func TestCompileProjectionIdExceptionAllowsExclude(t *testing.T) {
	frag, err := CompileProjection([]ProjectionField{
		{Path: "_id", Include: false},
		{Path: "name", Include: true},
		{Path: "email", Include: true},
	})
	if err != nil {
		t.Fatalf("expected _id exclusion alongside other inclusions to be allowed, got %v", err)
	}
	if strings.Contains(frag.Text, "_id") {
		t.Fatalf("expected _id to be excluded from projection, got %s", frag.Text)
	}
}

func TestCompileProjectionIncludesIdByDefault(t *testing.T) {
	frag, err := CompileProjection([]ProjectionField{{Path: "name", Include: true}})
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if !strings.Contains(frag.Text, "_id") {
		t.Fatalf("expected _id to be included by default, got %s", frag.Text)
	}
}
