package translate

import (
	"fmt"
	"strings"
)

// SortKey is one ORDER BY key.
type SortKey struct {
	Path       string
	Descending bool
	// Ambiguous marks a key whose stored type varies across the
	// collection (mixed numeric/text), per spec.md §4.C.4. The caller
	// determines this from the schema cache / a sampled type scan before
	// calling CompileSort.
	Ambiguous bool
}

// CompileSort lowers sort keys into an ORDER BY clause, always appending
// the primary-key tiebreak for deterministic paging (spec.md §4.C.4). A
// non-ambiguous key orders on the raw jsonb value (not a text extraction):
// jsonb's own btree operator class gives a total order across every BSON
// type a field might hold (numbers compare numerically, strings
// lexically, by type group otherwise), so unlike a blind `::numeric` cast
// it never fails at execution time for a collection with mixed or
// non-numeric values. An ambiguous key is left as a raw text compare
// instead, which the caller should then route through the engine fallback
// when no matching index exists.
func CompileSort(keys []SortKey) *SqlFragment {
	var parts []string
	fallback := false
	for _, k := range keys {
		dir := "ASC"
		if k.Descending {
			dir = "DESC"
		}
		if k.Ambiguous {
			fallback = true
			parts = append(parts, fmt.Sprintf("%s %s", jsonbArrowText(k.Path), dir))
			continue
		}
		parts = append(parts, fmt.Sprintf("%s %s", jsonbArrow(k.Path), dir))
	}
	parts = append(parts, "id ASC")

	frag := &SqlFragment{Text: "ORDER BY " + strings.Join(parts, ", "), Shape: ShapeRows}
	frag.EngineFallback = fallback
	return frag
}
