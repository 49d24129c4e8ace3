package dispatch

import (
	"strings"

	"github.com/fcoury/oxidedb/internal/bsonkit"
	"github.com/fcoury/oxidedb/internal/oxerr"
	"github.com/fcoury/oxidedb/internal/translate"
)

// ParseFilter lowers a command's query/filter document into a
// translate.Node, over the operator set translate/filter.go's Operator
// enum fixes. An empty document matches everything.
func ParseFilter(doc *bsonkit.Document) (translate.Node, error) {
	if doc == nil || len(doc.Pairs) == 0 {
		return &translate.LogicalNode{Operator: translate.OpAnd}, nil
	}

	var children []translate.Node
	for _, p := range doc.Pairs {
		switch p.Key {
		case "$and", "$or", "$nor":
			if p.Val.Kind != bsonkit.KindArray {
				return nil, oxerr.New(oxerr.KindMalformedDoc, p.Key+" requires an array of filter documents")
			}
			var subs []translate.Node
			for _, elem := range p.Val.Arr {
				if elem.Kind != bsonkit.KindDocument {
					return nil, oxerr.New(oxerr.KindMalformedDoc, p.Key+" elements must be documents")
				}
				sub, err := ParseFilter(elem.Doc)
				if err != nil {
					return nil, err
				}
				subs = append(subs, sub)
			}
			op := map[string]translate.Operator{"$and": translate.OpAnd, "$or": translate.OpOr, "$nor": translate.OpNor}[p.Key]
			children = append(children, &translate.LogicalNode{Operator: op, Children: subs})
		default:
			node, err := parseFieldFilter(p.Key, p.Val)
			if err != nil {
				return nil, err
			}
			children = append(children, node)
		}
	}
	if len(children) == 1 {
		return children[0], nil
	}
	return &translate.LogicalNode{Operator: translate.OpAnd, Children: children}, nil
}

func parseFieldFilter(field string, val bsonkit.Value) (translate.Node, error) {
	if val.Kind != bsonkit.KindDocument {
		if val.Kind == bsonkit.KindRegex {
			return &translate.FieldNode{Field: field, Operator: translate.OpRegex, Value: bsonkit.Value{Kind: bsonkit.KindString, Str: val.Rgx.Pattern}, RegexFlags: val.Rgx.Flags}, nil
		}
		return &translate.FieldNode{Field: field, Operator: translate.OpEq, Value: val}, nil
	}
	if !isOperatorDoc(val.Doc) {
		return &translate.FieldNode{Field: field, Operator: translate.OpEq, Value: val}, nil
	}
	return parseOperatorDoc(field, val.Doc)
}

func isOperatorDoc(d *bsonkit.Document) bool {
	for _, p := range d.Pairs {
		if !strings.HasPrefix(p.Key, "$") {
			return false
		}
	}
	return len(d.Pairs) > 0
}

func parseOperatorDoc(field string, d *bsonkit.Document) (translate.Node, error) {
	var nodes []translate.Node
	var regexFlags string
	var regexPattern *bsonkit.Value

	for _, p := range d.Pairs {
		switch p.Key {
		case "$eq":
			nodes = append(nodes, &translate.FieldNode{Field: field, Operator: translate.OpEq, Value: p.Val})
		case "$ne":
			nodes = append(nodes, &translate.FieldNode{Field: field, Operator: translate.OpNe, Value: p.Val})
		case "$gt":
			nodes = append(nodes, &translate.FieldNode{Field: field, Operator: translate.OpGt, Value: p.Val})
		case "$gte":
			nodes = append(nodes, &translate.FieldNode{Field: field, Operator: translate.OpGte, Value: p.Val})
		case "$lt":
			nodes = append(nodes, &translate.FieldNode{Field: field, Operator: translate.OpLt, Value: p.Val})
		case "$lte":
			nodes = append(nodes, &translate.FieldNode{Field: field, Operator: translate.OpLte, Value: p.Val})
		case "$in":
			if p.Val.Kind != bsonkit.KindArray {
				return nil, oxerr.New(oxerr.KindMalformedDoc, "$in requires an array")
			}
			nodes = append(nodes, &translate.FieldNode{Field: field, Operator: translate.OpIn, Values: p.Val.Arr})
		case "$nin":
			if p.Val.Kind != bsonkit.KindArray {
				return nil, oxerr.New(oxerr.KindMalformedDoc, "$nin requires an array")
			}
			nodes = append(nodes, &translate.FieldNode{Field: field, Operator: translate.OpNin, Values: p.Val.Arr})
		case "$exists":
			nodes = append(nodes, &translate.FieldNode{Field: field, Operator: translate.OpExists, Value: p.Val})
		case "$size":
			n, ok := bsonkit.ToFloat64(p.Val)
			if !ok {
				return nil, oxerr.New(oxerr.KindMalformedDoc, "$size requires a number")
			}
			nodes = append(nodes, &translate.FieldNode{Field: field, Operator: translate.OpSize, Value: bsonkit.Value{Kind: bsonkit.KindInt64, Int64: int64(n)}})
		case "$elemMatch":
			if p.Val.Kind != bsonkit.KindDocument {
				return nil, oxerr.New(oxerr.KindMalformedDoc, "$elemMatch requires a document")
			}
			sub, err := ParseFilter(p.Val.Doc)
			if err != nil {
				return nil, err
			}
			nodes = append(nodes, &translate.FieldNode{Field: field, Operator: translate.OpElemMatch, Sub: sub})
		case "$mod":
			if p.Val.Kind != bsonkit.KindArray || len(p.Val.Arr) != 2 {
				return nil, oxerr.New(oxerr.KindMalformedDoc, "$mod requires a 2-element array")
			}
			divisor, ok1 := bsonkit.ToFloat64(p.Val.Arr[0])
			remainder, ok2 := bsonkit.ToFloat64(p.Val.Arr[1])
			if !ok1 || !ok2 {
				return nil, oxerr.New(oxerr.KindMalformedDoc, "$mod operands must be numeric")
			}
			nodes = append(nodes, &translate.FieldNode{Field: field, Operator: translate.OpMod, ModDivisor: int64(divisor), ModRemainder: int64(remainder)})
		case "$type":
			nodes = append(nodes, &translate.FieldNode{Field: field, Operator: translate.OpType, Value: p.Val})
		case "$regex":
			pattern := p.Val
			if pattern.Kind == bsonkit.KindRegex {
				regexFlags = pattern.Rgx.Flags
				pattern = bsonkit.Value{Kind: bsonkit.KindString, Str: pattern.Rgx.Pattern}
			}
			regexPattern = &pattern
		case "$options":
			regexFlags = p.Val.Str
		case "$not":
			if p.Val.Kind != bsonkit.KindDocument {
				return nil, oxerr.New(oxerr.KindMalformedDoc, "$not requires an operator document")
			}
			sub, err := parseOperatorDoc(field, p.Val.Doc)
			if err != nil {
				return nil, err
			}
			nodes = append(nodes, &translate.LogicalNode{Operator: translate.OpNot, Children: []translate.Node{sub}})
		default:
			return nil, oxerr.New(oxerr.KindMalformedDoc, "unsupported filter operator: "+p.Key)
		}
	}

	if regexPattern != nil {
		nodes = append(nodes, &translate.FieldNode{Field: field, Operator: translate.OpRegex, Value: *regexPattern, RegexFlags: regexFlags})
	}

	if len(nodes) == 1 {
		return nodes[0], nil
	}
	return &translate.LogicalNode{Operator: translate.OpAnd, Children: nodes}, nil
}

// ParsedUpdate is the result of lowering a command's update document: a
// list of operator-based UpdateOps, or — when the document carries no
// $-prefixed top-level keys — a whole-document Replace.
type ParsedUpdate struct {
	Replace *bsonkit.Document
	Ops     []translate.UpdateOp
}

// ParseUpdate lowers an update command's modifier document (spec.md
// §4.C.2's operator set) or detects a replacement document.
func ParseUpdate(doc *bsonkit.Document) (*ParsedUpdate, error) {
	if doc == nil || len(doc.Pairs) == 0 {
		return &ParsedUpdate{Replace: bsonkit.NewDocument()}, nil
	}
	if key, ok := doc.FirstKey(); !ok || !strings.HasPrefix(key, "$") {
		return &ParsedUpdate{Replace: doc}, nil
	}

	var ops []translate.UpdateOp
	for _, p := range doc.Pairs {
		if p.Key == "$rename" {
			if p.Val.Kind != bsonkit.KindDocument {
				return nil, oxerr.New(oxerr.KindMalformedDoc, "$rename requires a document")
			}
			for _, r := range p.Val.Doc.Pairs {
				if r.Val.Kind != bsonkit.KindString {
					return nil, oxerr.New(oxerr.KindMalformedDoc, "$rename target must be a string path")
				}
				ops = append(ops, translate.UpdateOp{Kind: translate.UpdateRename, Path: r.Key, To: r.Val.Str})
			}
			continue
		}

		kind, ok := updateKindOf(p.Key)
		if !ok {
			return nil, oxerr.New(oxerr.KindMalformedDoc, "unsupported update operator: "+p.Key)
		}
		if p.Val.Kind != bsonkit.KindDocument {
			return nil, oxerr.New(oxerr.KindMalformedDoc, p.Key+" requires a document of path: value pairs")
		}
		for _, f := range p.Val.Doc.Pairs {
			ops = append(ops, translate.UpdateOp{Kind: kind, Path: f.Key, Value: f.Val})
		}
	}
	return &ParsedUpdate{Ops: ops}, nil
}

func updateKindOf(op string) (translate.UpdateKind, bool) {
	switch op {
	case "$set":
		return translate.UpdateSet, true
	case "$unset":
		return translate.UpdateUnset, true
	case "$inc":
		return translate.UpdateInc, true
	case "$push":
		return translate.UpdatePush, true
	case "$pull":
		return translate.UpdatePull, true
	default:
		return "", false
	}
}

// ParseProjection lowers a find command's projection document.
func ParseProjection(doc *bsonkit.Document) ([]translate.ProjectionField, error) {
	if doc == nil {
		return nil, nil
	}
	fields := make([]translate.ProjectionField, 0, len(doc.Pairs))
	for _, p := range doc.Pairs {
		if p.Val.Kind == bsonkit.KindDocument {
			// Computed projection expressions (aggregation-operator syntax)
			// are opaque here; the engine evaluator interprets them once
			// streamed, per spec.md §4.C.3.
			fields = append(fields, translate.ProjectionField{Path: p.Key, Computed: p.Key})
			continue
		}
		include := truthy(p.Val)
		fields = append(fields, translate.ProjectionField{Path: p.Key, Include: include})
	}
	return fields, nil
}

func truthy(v bsonkit.Value) bool {
	switch v.Kind {
	case bsonkit.KindBool:
		return v.Bool
	case bsonkit.KindInt32:
		return v.Int32 != 0
	case bsonkit.KindInt64:
		return v.Int64 != 0
	case bsonkit.KindDouble:
		return v.Double != 0
	default:
		return true
	}
}

// ParseSort lowers a find/aggregate sort document.
func ParseSort(doc *bsonkit.Document) []translate.SortKey {
	if doc == nil {
		return nil
	}
	keys := make([]translate.SortKey, 0, len(doc.Pairs))
	for _, p := range doc.Pairs {
		desc := false
		if f, ok := bsonkit.ToFloat64(p.Val); ok && f < 0 {
			desc = true
		}
		keys = append(keys, translate.SortKey{Path: p.Key, Descending: desc})
	}
	return keys
}
