package dispatch

import (
	"strings"

	"github.com/fcoury/oxidedb/internal/bsonkit"
	"github.com/fcoury/oxidedb/internal/oxerr"
	"github.com/fcoury/oxidedb/internal/translate"
)

// ParsePipeline lowers an aggregate command's pipeline array — each element
// a single-key {$stageName: spec} document — into translate.Stage values
// CompilePipeline can group into pushdown runs and engine segments.
func ParsePipeline(arr []bsonkit.Value) ([]translate.Stage, error) {
	stages := make([]translate.Stage, 0, len(arr))
	for _, v := range arr {
		if v.Kind != bsonkit.KindDocument {
			return nil, oxerr.New(oxerr.KindMalformedDoc, "each pipeline element must be a document")
		}
		key, ok := v.Doc.FirstKey()
		if !ok {
			return nil, oxerr.New(oxerr.KindMalformedDoc, "pipeline stage document is empty")
		}
		stage, err := parseStage(key, *v.Doc.Get(key))
		if err != nil {
			return nil, err
		}
		stages = append(stages, stage)
	}
	return stages, nil
}

func stripDollar(s string) string {
	return strings.TrimPrefix(s, "$")
}

func parseStage(key string, val bsonkit.Value) (translate.Stage, error) {
	switch key {
	case "$match":
		if val.Kind != bsonkit.KindDocument {
			return translate.Stage{}, oxerr.New(oxerr.KindMalformedDoc, "$match requires a document")
		}
		node, err := ParseFilter(val.Doc)
		if err != nil {
			return translate.Stage{}, err
		}
		return translate.Stage{Kind: translate.StageMatch, Filter: node}, nil

	case "$project":
		if val.Kind != bsonkit.KindDocument {
			return translate.Stage{}, oxerr.New(oxerr.KindMalformedDoc, "$project requires a document")
		}
		fields, err := ParseProjection(val.Doc)
		if err != nil {
			return translate.Stage{}, err
		}
		return translate.Stage{Kind: translate.StageProject, Fields: fields}, nil

	case "$set", "$addFields":
		if val.Kind != bsonkit.KindDocument {
			return translate.Stage{}, oxerr.New(oxerr.KindMalformedDoc, key+" requires a document")
		}
		kind := translate.StageSet
		if key == "$addFields" {
			kind = translate.StageAddFields
		}
		fields := make([]translate.ProjectionField, 0, len(val.Doc.Pairs))
		for _, p := range val.Doc.Pairs {
			fields = append(fields, translate.ProjectionField{Path: p.Key, Include: true})
		}
		return translate.Stage{Kind: kind, Fields: fields}, nil

	case "$unset":
		var paths []string
		switch val.Kind {
		case bsonkit.KindString:
			paths = []string{val.Str}
		case bsonkit.KindArray:
			for _, e := range val.Arr {
				if e.Kind != bsonkit.KindString {
					return translate.Stage{}, oxerr.New(oxerr.KindMalformedDoc, "$unset array elements must be strings")
				}
				paths = append(paths, e.Str)
			}
		default:
			return translate.Stage{}, oxerr.New(oxerr.KindMalformedDoc, "$unset requires a string or array of strings")
		}
		return translate.Stage{Kind: translate.StageUnset, Unset: paths}, nil

	case "$sort":
		if val.Kind != bsonkit.KindDocument {
			return translate.Stage{}, oxerr.New(oxerr.KindMalformedDoc, "$sort requires a document")
		}
		return translate.Stage{Kind: translate.StageSort, Sort: ParseSort(val.Doc)}, nil

	case "$limit":
		n, ok := bsonkit.ToFloat64(val)
		if !ok {
			return translate.Stage{}, oxerr.New(oxerr.KindMalformedDoc, "$limit requires a number")
		}
		return translate.Stage{Kind: translate.StageLimit, Limit: int64(n)}, nil

	case "$skip":
		n, ok := bsonkit.ToFloat64(val)
		if !ok {
			return translate.Stage{}, oxerr.New(oxerr.KindMalformedDoc, "$skip requires a number")
		}
		return translate.Stage{Kind: translate.StageSkip, Skip: int64(n)}, nil

	case "$unwind":
		spec := translate.UnwindSpec{}
		switch val.Kind {
		case bsonkit.KindString:
			spec.Path = stripDollar(val.Str)
		case bsonkit.KindDocument:
			pathVal := val.Doc.Get("path")
			if pathVal == nil || pathVal.Kind != bsonkit.KindString {
				return translate.Stage{}, oxerr.New(oxerr.KindMalformedDoc, "$unwind.path must be a string")
			}
			spec.Path = stripDollar(pathVal.Str)
			if idx := val.Doc.Get("includeArrayIndex"); idx != nil && idx.Kind == bsonkit.KindString {
				spec.IncludeArrayIndex = idx.Str
			}
			if pv := val.Doc.Get("preserveNullAndEmptyArrays"); pv != nil {
				spec.PreserveNullAndEmptyArrays = truthy(*pv)
			}
		default:
			return translate.Stage{}, oxerr.New(oxerr.KindMalformedDoc, "$unwind requires a string or document")
		}
		return translate.Stage{Kind: translate.StageUnwind, Unwind: spec}, nil

	case "$group":
		if val.Kind != bsonkit.KindDocument {
			return translate.Stage{}, oxerr.New(oxerr.KindMalformedDoc, "$group requires a document")
		}
		group, err := parseGroupSpec(val.Doc)
		if err != nil {
			return translate.Stage{}, err
		}
		return translate.Stage{Kind: translate.StageGroup, Group: group}, nil

	case "$replaceRoot":
		if val.Kind != bsonkit.KindDocument {
			return translate.Stage{}, oxerr.New(oxerr.KindMalformedDoc, "$replaceRoot requires a document")
		}
		newRoot := val.Doc.Get("newRoot")
		if newRoot == nil || newRoot.Kind != bsonkit.KindString {
			return translate.Stage{}, oxerr.New(oxerr.KindMalformedDoc, "$replaceRoot.newRoot must be a field path")
		}
		return translate.Stage{Kind: translate.StageReplaceRoot, ReplaceRootPath: stripDollar(newRoot.Str)}, nil

	case "$replaceWith":
		if val.Kind != bsonkit.KindString {
			return translate.Stage{}, oxerr.New(oxerr.KindMalformedDoc, "$replaceWith requires a field path")
		}
		return translate.Stage{Kind: translate.StageReplaceWith, ReplaceRootPath: stripDollar(val.Str)}, nil

	case "$count":
		if val.Kind != bsonkit.KindString {
			return translate.Stage{}, oxerr.New(oxerr.KindMalformedDoc, "$count requires a field name")
		}
		return translate.Stage{Kind: translate.StageCount, CountField: val.Str}, nil

	case "$sample":
		if val.Kind != bsonkit.KindDocument {
			return translate.Stage{}, oxerr.New(oxerr.KindMalformedDoc, "$sample requires a document")
		}
		sizeVal := val.Doc.Get("size")
		if sizeVal == nil {
			return translate.Stage{}, oxerr.New(oxerr.KindMalformedDoc, "$sample requires a size")
		}
		n, ok := bsonkit.ToFloat64(*sizeVal)
		if !ok {
			return translate.Stage{}, oxerr.New(oxerr.KindMalformedDoc, "$sample.size must be a number")
		}
		return translate.Stage{Kind: translate.StageSample, SampleSize: int64(n)}, nil

	case "$sortByCount":
		if val.Kind != bsonkit.KindString {
			return translate.Stage{}, oxerr.New(oxerr.KindMalformedDoc, "$sortByCount requires a field path")
		}
		return translate.Stage{Kind: translate.StageSortByCount, Group: translate.GroupSpec{ID: stripDollar(val.Str)}}, nil

	case "$bucket":
		if val.Kind != bsonkit.KindDocument {
			return translate.Stage{}, oxerr.New(oxerr.KindMalformedDoc, "$bucket requires a document")
		}
		spec, err := parseBucketSpec(val.Doc)
		if err != nil {
			return translate.Stage{}, err
		}
		return translate.Stage{Kind: translate.StageBucket, Bucket: spec}, nil

	case "$bucketAuto":
		if val.Kind != bsonkit.KindDocument {
			return translate.Stage{}, oxerr.New(oxerr.KindMalformedDoc, "$bucketAuto requires a document")
		}
		groupByVal := val.Doc.Get("groupBy")
		if groupByVal == nil || groupByVal.Kind != bsonkit.KindString {
			return translate.Stage{}, oxerr.New(oxerr.KindMalformedDoc, "$bucketAuto.groupBy must be a field path")
		}
		bucketsVal := val.Doc.Get("buckets")
		n := 0
		if bucketsVal != nil {
			f, ok := bsonkit.ToFloat64(*bucketsVal)
			if !ok {
				return translate.Stage{}, oxerr.New(oxerr.KindMalformedDoc, "$bucketAuto.buckets must be a number")
			}
			n = int(f)
		}
		return translate.Stage{
			Kind:    translate.StageBucketAuto,
			Bucket:  translate.BucketSpec{GroupBy: stripDollar(groupByVal.Str)},
			Buckets: n,
		}, nil

	case "$lookup":
		if val.Kind != bsonkit.KindDocument {
			return translate.Stage{}, oxerr.New(oxerr.KindMalformedDoc, "$lookup requires a document")
		}
		spec := translate.LookupSpec{}
		if v := val.Doc.Get("from"); v != nil && v.Kind == bsonkit.KindString {
			spec.From = v.Str
		}
		if v := val.Doc.Get("localField"); v != nil && v.Kind == bsonkit.KindString {
			spec.LocalField = v.Str
		}
		if v := val.Doc.Get("foreignField"); v != nil && v.Kind == bsonkit.KindString {
			spec.ForeignField = v.Str
		}
		if v := val.Doc.Get("as"); v != nil && v.Kind == bsonkit.KindString {
			spec.As = v.Str
		}
		if spec.From == "" || spec.As == "" {
			return translate.Stage{}, oxerr.New(oxerr.KindMalformedDoc, "$lookup requires from and as")
		}
		return translate.Stage{Kind: translate.StageLookup, Lookup: spec}, nil

	case "$facet":
		if val.Kind != bsonkit.KindDocument {
			return translate.Stage{}, oxerr.New(oxerr.KindMalformedDoc, "$facet requires a document")
		}
		branches := make(map[string][]translate.Stage, len(val.Doc.Pairs))
		for _, p := range val.Doc.Pairs {
			if p.Val.Kind != bsonkit.KindArray {
				return translate.Stage{}, oxerr.New(oxerr.KindMalformedDoc, "$facet branches must be pipelines")
			}
			sub, err := ParsePipeline(p.Val.Arr)
			if err != nil {
				return translate.Stage{}, err
			}
			branches[p.Key] = sub
		}
		return translate.Stage{Kind: translate.StageFacet, Facet: branches}, nil

	case "$unionWith":
		switch val.Kind {
		case bsonkit.KindString:
			return translate.Stage{Kind: translate.StageUnionWith, UnionWith: val.Str}, nil
		case bsonkit.KindDocument:
			collVal := val.Doc.Get("coll")
			if collVal == nil || collVal.Kind != bsonkit.KindString {
				return translate.Stage{}, oxerr.New(oxerr.KindMalformedDoc, "$unionWith.coll must be a string")
			}
			return translate.Stage{Kind: translate.StageUnionWith, UnionWith: collVal.Str}, nil
		default:
			return translate.Stage{}, oxerr.New(oxerr.KindMalformedDoc, "$unionWith requires a collection name or document")
		}

	case "$out":
		switch val.Kind {
		case bsonkit.KindString:
			return translate.Stage{Kind: translate.StageOut, OutTarget: val.Str}, nil
		case bsonkit.KindDocument:
			collVal := val.Doc.Get("coll")
			if collVal == nil || collVal.Kind != bsonkit.KindString {
				return translate.Stage{}, oxerr.New(oxerr.KindMalformedDoc, "$out.coll must be a string")
			}
			return translate.Stage{Kind: translate.StageOut, OutTarget: collVal.Str}, nil
		default:
			return translate.Stage{}, oxerr.New(oxerr.KindMalformedDoc, "$out requires a collection name or document")
		}

	case "$merge":
		switch val.Kind {
		case bsonkit.KindString:
			return translate.Stage{Kind: translate.StageMerge, OutTarget: val.Str}, nil
		case bsonkit.KindDocument:
			collVal := val.Doc.Get("into")
			if collVal == nil || collVal.Kind != bsonkit.KindString {
				return translate.Stage{}, oxerr.New(oxerr.KindMalformedDoc, "$merge.into must be a string")
			}
			return translate.Stage{Kind: translate.StageMerge, OutTarget: collVal.Str}, nil
		default:
			return translate.Stage{}, oxerr.New(oxerr.KindMalformedDoc, "$merge requires a collection name or document")
		}

	default:
		return translate.Stage{}, oxerr.New(oxerr.KindMalformedDoc, "unsupported pipeline stage: "+key)
	}
}

func parseGroupSpec(doc *bsonkit.Document) (translate.GroupSpec, error) {
	spec := translate.GroupSpec{}
	idVal := doc.Get("_id")
	if idVal != nil && idVal.Kind == bsonkit.KindString {
		spec.ID = stripDollar(idVal.Str)
	}
	for _, p := range doc.Pairs {
		if p.Key == "_id" {
			continue
		}
		if p.Val.Kind != bsonkit.KindDocument {
			return spec, oxerr.New(oxerr.KindMalformedDoc, "$group accumulator "+p.Key+" must be a document")
		}
		opKey, ok := p.Val.Doc.FirstKey()
		if !ok || !strings.HasPrefix(opKey, "$") {
			return spec, oxerr.New(oxerr.KindMalformedDoc, "$group accumulator "+p.Key+" requires an operator")
		}
		argVal := *p.Val.Doc.Get(opKey)
		expr := ""
		if argVal.Kind == bsonkit.KindString {
			expr = stripDollar(argVal.Str)
		}
		spec.Accumulators = append(spec.Accumulators, translate.GroupAccumulator{
			Field: p.Key,
			Op:    stripDollar(opKey),
			Expr:  expr,
		})
	}
	return spec, nil
}

func parseBucketSpec(doc *bsonkit.Document) (translate.BucketSpec, error) {
	spec := translate.BucketSpec{}
	groupByVal := doc.Get("groupBy")
	if groupByVal == nil || groupByVal.Kind != bsonkit.KindString {
		return spec, oxerr.New(oxerr.KindMalformedDoc, "$bucket.groupBy must be a field path")
	}
	spec.GroupBy = stripDollar(groupByVal.Str)
	if bv := doc.Get("boundaries"); bv != nil {
		if bv.Kind != bsonkit.KindArray {
			return spec, oxerr.New(oxerr.KindMalformedDoc, "$bucket.boundaries must be an array")
		}
		for _, e := range bv.Arr {
			f, ok := bsonkit.ToFloat64(e)
			if !ok {
				return spec, oxerr.New(oxerr.KindMalformedDoc, "$bucket.boundaries elements must be numeric")
			}
			spec.Boundaries = append(spec.Boundaries, f)
		}
	}
	if dv := doc.Get("default"); dv != nil {
		spec.Default = dv.Str
	}
	return spec, nil
}
