package translate

import (
	"fmt"
	"strings"

	"github.com/fcoury/oxidedb/internal/oxerr"
)

// ProjectionField is one entry in a projection spec.
type ProjectionField struct {
	Path  string
	// Include is ignored when Computed is set.
	Include  bool
	Computed string // raw CEL expression text, evaluated per document by the engine evaluator
}

// CompileProjection lowers a projection into a jsonb_build_object SELECT
// expression. Mixing include and exclude (other than the implicit `_id`
// default) fails with BadProjection (spec.md §4.C.3).
func CompileProjection(fields []ProjectionField) (*SqlFragment, error) {
	hasInclude, hasExclude, hasComputed := false, false, false
	idExcluded := false
	for _, f := range fields {
		if f.Computed != "" {
			hasComputed = true
			continue
		}
		if f.Path == "_id" {
			idExcluded = !f.Include
			continue
		}
		if f.Include {
			hasInclude = true
		} else {
			hasExclude = true
		}
	}
	if hasInclude && hasExclude {
		return nil, oxerr.New(oxerr.KindBadProjection, "projection mixes inclusion and exclusion")
	}

	b := &filterBuilder{}
	var frag *SqlFragment

	switch {
	case hasExclude:
		expr := "doc"
		for _, f := range fields {
			if f.Path == "_id" || f.Computed != "" {
				continue
			}
			expr = fmt.Sprintf("(%s #- %s)", expr, b.bind(pgPathArray(f.Path)))
		}
		if idExcluded {
			expr = fmt.Sprintf("(%s #- '{_id}')", expr)
		}
		frag = &SqlFragment{Text: expr, Params: b.params, Shape: ShapeRows}
	default:
		// Inclusion (possibly empty, possibly computed-only): build the
		// result document key by key, always keeping _id unless
		// explicitly excluded.
		var parts []string
		if !idExcluded {
			parts = append(parts, "'_id'", "doc->'_id'")
		}
		for _, f := range fields {
			if f.Path == "_id" || f.Computed != "" {
				continue
			}
			parts = append(parts, b.bind(f.Path), jsonbArrow(f.Path))
		}
		if len(parts) == 0 {
			frag = &SqlFragment{Text: "doc", Shape: ShapeRows}
		} else {
			frag = &SqlFragment{Text: "jsonb_build_object(" + strings.Join(parts, ", ") + ")", Params: b.params, Shape: ShapeRows}
		}
	}

	if hasComputed {
		// Computed fields run through the engine evaluator once rows are
		// streamed back — they reference pipeline-expression syntax, not
		// SQL, per spec.md §4.C.3.
		frag.EngineFallback = true
	}
	return frag, nil
}
