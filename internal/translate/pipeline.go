package translate

import (
	"fmt"
	"strings"

	"github.com/fcoury/oxidedb/internal/oxerr"
)

// StageKind names one aggregation pipeline stage (spec.md §4.C.5).
type StageKind string

const (
	StageMatch        StageKind = "match"
	StageProject      StageKind = "project"
	StageSet          StageKind = "set"
	StageAddFields    StageKind = "addFields"
	StageUnset        StageKind = "unset"
	StageSort         StageKind = "sort"
	StageLimit        StageKind = "limit"
	StageSkip         StageKind = "skip"
	StageUnwind       StageKind = "unwind"
	StageGroup        StageKind = "group"
	StageReplaceRoot  StageKind = "replaceRoot"
	StageReplaceWith  StageKind = "replaceWith"
	StageCount        StageKind = "count"
	StageSample       StageKind = "sample"
	StageSortByCount  StageKind = "sortByCount"
	StageBucket       StageKind = "bucket"
	StageLookup       StageKind = "lookup"
	StageFacet        StageKind = "facet"
	StageUnionWith    StageKind = "unionWith"
	StageBucketAuto   StageKind = "bucketAuto"
	StageOut          StageKind = "out"
	StageMerge        StageKind = "merge"
)

// engineOnly is the set of stages that must run in process (spec.md
// §4.C.5's "Engine" list).
var engineOnly = map[StageKind]bool{
	StageLookup: true, StageFacet: true, StageUnionWith: true,
	StageBucketAuto: true, StageOut: true, StageMerge: true,
}

// UnwindSpec configures $unwind.
type UnwindSpec struct {
	Path                       string
	IncludeArrayIndex          string
	PreserveNullAndEmptyArrays bool
}

// GroupAccumulator is one field of a $group stage.
type GroupAccumulator struct {
	Field string
	Op    string // sum, avg, min, max, count, push, addToSet, first, last
	Expr  string // source field path for the accumulator argument
}

// GroupSpec configures $group.
type GroupSpec struct {
	ID           string // field path or "" for a literal group key
	Accumulators []GroupAccumulator
}

// BucketSpec configures $bucket.
type BucketSpec struct {
	GroupBy    string
	Boundaries []float64
	Default    string
}

// LookupSpec, used only to label an engine segment (spec.md §4.C.5's
// "lookup with non-equality join" is evaluated entirely by the engine
// evaluator, never pushed down).
type LookupSpec struct {
	From         string
	LocalField   string
	ForeignField string
	As           string
}

// Stage is one pipeline stage. Only the fields relevant to Kind are set.
type Stage struct {
	Kind StageKind

	Filter Node // match

	Fields []ProjectionField // project/set/addFields
	Unset  []string          // unset

	Sort  []SortKey // sort
	Limit int64     // limit
	Skip  int64     // skip

	Unwind UnwindSpec
	Group  GroupSpec
	Bucket BucketSpec
	Lookup LookupSpec

	ReplaceRootPath string // replaceRoot/replaceWith
	CountField      string // count
	SampleSize      int64  // sample

	Facet     map[string][]Stage // facet
	UnionWith string             // unionWith
	OutTarget string             // out/merge
	Buckets   int                // bucketAuto
}

// PipelineSegment is either a chain of pushdown stages rendered as one SQL
// CTE chain, or a single engine-executed stage, in pipeline order.
type PipelineSegment struct {
	SQL   *SqlFragment
	Stage *Stage // set when this segment must run in the engine evaluator
}

// CompilePipeline lowers stages into alternating pushdown-SQL and
// engine segments. Pushdown runs are concatenated until an engine-only
// stage is hit; early match/project stages are always in the first
// pushdown run even when a later stage forces an engine segment
// (spec.md §4.C.5).
func CompilePipeline(stages []Stage) ([]PipelineSegment, error) {
	var segments []PipelineSegment
	var run []Stage

	flush := func() error {
		if len(run) == 0 {
			return nil
		}
		frag, err := compilePushdownRun(run)
		if err != nil {
			return err
		}
		segments = append(segments, PipelineSegment{SQL: frag})
		run = nil
		return nil
	}

	for i := range stages {
		s := stages[i]
		if engineOnly[s.Kind] {
			if err := flush(); err != nil {
				return nil, err
			}
			segments = append(segments, PipelineSegment{Stage: &s})
			continue
		}
		run = append(run, s)
	}
	if err := flush(); err != nil {
		return nil, err
	}
	return segments, nil
}

func compilePushdownRun(stages []Stage) (*SqlFragment, error) {
	b := &filterBuilder{}
	source := "%%TABLE%%"
	var ctes []string

	for i, s := range stages {
		name := fmt.Sprintf("stage%d", i)
		sql, err := compilePushdownStage(b, source, s)
		if err != nil {
			return nil, err
		}
		ctes = append(ctes, fmt.Sprintf("%s AS (%s)", name, sql))
		source = name
	}

	text := "WITH " + strings.Join(ctes, ", ") + " SELECT * FROM " + source
	if len(ctes) == 0 {
		text = "SELECT * FROM %%TABLE%%"
	}
	return &SqlFragment{Text: text, Params: b.params, Shape: ShapeRows}, nil
}

func compilePushdownStage(b *filterBuilder, source string, s Stage) (string, error) {
	switch s.Kind {
	case StageMatch:
		cond, _, err := b.compile(s.Filter)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("SELECT * FROM %s WHERE %s", source, cond), nil
	case StageProject:
		proj, err := CompileProjection(s.Fields)
		if err != nil {
			return "", err
		}
		b.params = append(b.params, proj.Params...)
		return fmt.Sprintf("SELECT id, %s AS doc FROM %s", proj.Text, source), nil
	case StageSet, StageAddFields:
		expr := "doc"
		for _, f := range s.Fields {
			lit := jsonbArrow(f.Path)
			expr = fmt.Sprintf("jsonb_set(%s, %s, %s, true)", expr, b.bind(pgPathArray(f.Path)), lit)
		}
		return fmt.Sprintf("SELECT id, %s AS doc FROM %s", expr, source), nil
	case StageUnset:
		expr := "doc"
		for _, p := range s.Unset {
			expr = fmt.Sprintf("(%s #- %s)", expr, b.bind(pgPathArray(p)))
		}
		return fmt.Sprintf("SELECT id, %s AS doc FROM %s", expr, source), nil
	case StageSort:
		order := CompileSort(s.Sort)
		return fmt.Sprintf("SELECT * FROM %s %s", source, order.Text), nil
	case StageLimit:
		return fmt.Sprintf("SELECT * FROM %s LIMIT %s", source, b.bind(s.Limit)), nil
	case StageSkip:
		return fmt.Sprintf("SELECT * FROM %s OFFSET %s", source, b.bind(s.Skip)), nil
	case StageUnwind:
		sel := jsonbArrow(s.Unwind.Path)
		join := "CROSS JOIN LATERAL jsonb_array_elements(" + sel + ") AS elem(value)"
		if s.Unwind.PreserveNullAndEmptyArrays {
			join = "LEFT JOIN LATERAL jsonb_array_elements(" + sel + ") AS elem(value) ON true"
		}
		return fmt.Sprintf(
			"SELECT id, jsonb_set(doc, %s, elem.value, true) AS doc FROM %s %s",
			b.bind(pgPathArray(s.Unwind.Path)), source, join,
		), nil
	case StageGroup:
		return compileGroup(b, source, s.Group)
	case StageReplaceRoot, StageReplaceWith:
		sel := jsonbArrow(s.ReplaceRootPath)
		return fmt.Sprintf("SELECT id, %s AS doc FROM %s", sel, source), nil
	case StageCount:
		field := s.CountField
		if field == "" {
			field = "count"
		}
		return fmt.Sprintf(
			"SELECT 0 AS id, jsonb_build_object(%s, (SELECT count(*) FROM %s)) AS doc",
			b.bind(field), source,
		), nil
	case StageSample:
		return fmt.Sprintf("SELECT * FROM %s ORDER BY random() LIMIT %s", source, b.bind(s.SampleSize)), nil
	case StageSortByCount:
		// desugars to group-by-value then sort-by-count-descending
		group := GroupSpec{ID: s.Group.ID, Accumulators: []GroupAccumulator{{Field: "count", Op: "count"}}}
		grouped, err := compileGroup(b, source, group)
		if err != nil {
			return "", err
		}
		return grouped + " ORDER BY (doc->>'count')::numeric DESC", nil
	case StageBucket:
		return compileBucket(b, source, s.Bucket)
	default:
		return "", oxerr.New(oxerr.KindMalformedDoc, "stage is not a pushdown stage: "+string(s.Kind))
	}
}

func compileGroup(b *filterBuilder, source string, g GroupSpec) (string, error) {
	groupKeySel := "null::jsonb"
	if g.ID != "" {
		groupKeySel = jsonbArrow(g.ID)
	}
	var fields []string
	fields = append(fields, b.bind("_id"), groupKeySel)
	for _, acc := range g.Accumulators {
		expr, err := groupAccumulatorSQL(acc)
		if err != nil {
			return "", err
		}
		fields = append(fields, b.bind(acc.Field), expr)
	}
	return fmt.Sprintf(
		"SELECT row_number() OVER () AS id, jsonb_build_object(%s) AS doc FROM %s GROUP BY %s",
		strings.Join(fields, ", "), source, groupKeySel,
	), nil
}

func groupAccumulatorSQL(acc GroupAccumulator) (string, error) {
	sel := jsonbArrowText(acc.Expr)
	switch acc.Op {
	case "sum":
		return fmt.Sprintf("to_jsonb(sum((%s)::numeric))", sel), nil
	case "avg":
		return fmt.Sprintf("to_jsonb(avg((%s)::numeric))", sel), nil
	case "min":
		return fmt.Sprintf("to_jsonb(min((%s)::numeric))", sel), nil
	case "max":
		return fmt.Sprintf("to_jsonb(max((%s)::numeric))", sel), nil
	case "count":
		return "to_jsonb(count(*))", nil
	case "push":
		return fmt.Sprintf("jsonb_agg(%s)", jsonbArrow(acc.Expr)), nil
	case "addToSet":
		return fmt.Sprintf("jsonb_agg(DISTINCT %s)", jsonbArrow(acc.Expr)), nil
	case "first":
		return fmt.Sprintf("(array_agg(%s ORDER BY id ASC))[1]", jsonbArrow(acc.Expr)), nil
	case "last":
		return fmt.Sprintf("(array_agg(%s ORDER BY id DESC))[1]", jsonbArrow(acc.Expr)), nil
	default:
		return "", oxerr.New(oxerr.KindMalformedDoc, "unknown group accumulator: "+acc.Op)
	}
}

// CompileFacetSubPipelines compiles each $facet branch independently; the
// engine evaluator runs each branch against the same input batch and
// assembles the per-branch result arrays (spec.md §4.C.5).
func CompileFacetSubPipelines(branches map[string][]Stage) (map[string][]PipelineSegment, error) {
	out := make(map[string][]PipelineSegment, len(branches))
	for name, stages := range branches {
		segs, err := CompilePipeline(stages)
		if err != nil {
			return nil, err
		}
		out[name] = segs
	}
	return out, nil
}

func compileBucket(b *filterBuilder, source string, spec BucketSpec) (string, error) {
	sel := jsonbArrowText(spec.GroupBy)
	bounds := make([]string, len(spec.Boundaries))
	for i, v := range spec.Boundaries {
		bounds[i] = fmt.Sprintf("%g", v)
	}
	arr := "ARRAY[" + strings.Join(bounds, ", ") + "]::numeric[]"
	inner := fmt.Sprintf(
		"SELECT width_bucket((%s)::numeric, %s) AS bucket_no, count(*) AS cnt FROM %s GROUP BY bucket_no",
		sel, arr, source,
	)
	return fmt.Sprintf(
		"SELECT row_number() OVER () AS id, jsonb_build_object(%s, bucket_no, %s, cnt) AS doc FROM (%s) t",
		b.bind("_id"), b.bind("count"), inner,
	), nil
}
