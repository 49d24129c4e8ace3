package translate

import (
	"strings"
	"testing"
)

func TestCompileSortAppendsPrimaryKeyTiebreak(t *testing.T) {
	frag := CompileSort([]SortKey{{Path: "createdAt", Descending: true}})
	if !strings.HasSuffix(frag.Text, "id ASC") {
		t.Fatalf("expected primary-key tiebreak appended, got %s", frag.Text)
	}
	if frag.EngineFallback {
		t.Fatalf("expected unambiguous numeric sort key to need no fallback")
	}
}

func TestCompileSortAmbiguousKeyMarksFallback(t *testing.T) {
	frag := CompileSort([]SortKey{{Path: "mixedField", Ambiguous: true}})
	if !frag.EngineFallback {
		t.Fatalf("expected ambiguous sort key to require engine fallback")
	}
}
