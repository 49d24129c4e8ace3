package translate

import (
	"fmt"
	"strings"

	"github.com/fcoury/oxidedb/internal/bsonkit"
	"github.com/fcoury/oxidedb/internal/oxerr"
)

// Operator names one filter operator kind (spec.md §4.C.1). Values are
// internal tokens, not wire syntax.
type Operator string

const (
	OpEq        Operator = "eq"
	OpNe        Operator = "ne"
	OpGt        Operator = "gt"
	OpGte       Operator = "gte"
	OpLt        Operator = "lt"
	OpLte       Operator = "lte"
	OpIn        Operator = "in"
	OpNin       Operator = "nin"
	OpAnd       Operator = "and"
	OpOr        Operator = "or"
	OpNot       Operator = "not"
	OpNor       Operator = "nor"
	OpExists    Operator = "exists"
	OpSize      Operator = "size"
	OpElemMatch Operator = "elemMatch"
	OpRegex     Operator = "regex"
	OpMod       Operator = "mod"
	OpType      Operator = "type"
)

// Node is a filter-expression tree node, grounded on bundoc's FieldNode/
// LogicalNode pair, generalized to the full operator set above.
type Node interface {
	// evalDoc is the in-process reference semantics for this node, used
	// for EngineFallback re-checking (SqlFragment.FallbackEval) and by
	// EvalFilter.
	evalDoc(doc *bsonkit.Document) bool
}

// FieldNode applies a single-field operator.
type FieldNode struct {
	Field    string
	Operator Operator
	Value    bsonkit.Value // eq/ne/gt/gte/lt/lte/regex(as string pattern)/size/mod(n)/type(name as Str)
	Values   []bsonkit.Value // in/nin
	Sub      Node            // elemMatch
	RegexFlags string
	ModDivisor  int64
	ModRemainder int64
}

// LogicalNode combines child nodes.
type LogicalNode struct {
	Operator Operator // and/or/not/nor
	Children []Node
}

func (n *LogicalNode) evalDoc(doc *bsonkit.Document) bool {
	switch n.Operator {
	case OpAnd:
		for _, c := range n.Children {
			if !c.evalDoc(doc) {
				return false
			}
		}
		return true
	case OpOr:
		for _, c := range n.Children {
			if c.evalDoc(doc) {
				return true
			}
		}
		return false
	case OpNot:
		return len(n.Children) == 1 && !n.Children[0].evalDoc(doc)
	case OpNor:
		for _, c := range n.Children {
			if c.evalDoc(doc) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

func (n *FieldNode) evalDoc(doc *bsonkit.Document) bool {
	v := bsonkit.Get(doc, n.Field)
	switch n.Operator {
	case OpEq:
		return v != nil && fieldMatchesScalar(v, n.Value)
	case OpNe:
		return !(v != nil && fieldMatchesScalar(v, n.Value))
	case OpGt, OpGte, OpLt, OpLte:
		return v != nil && orderCompare(*v, n.Value, n.Operator)
	case OpIn:
		if v == nil {
			return false
		}
		for _, want := range n.Values {
			if fieldMatchesScalar(v, want) {
				return true
			}
		}
		return false
	case OpNin:
		if v == nil {
			return true
		}
		for _, want := range n.Values {
			if fieldMatchesScalar(v, want) {
				return false
			}
		}
		return true
	case OpExists:
		want := n.Value.Kind == bsonkit.KindBool && n.Value.Bool
		return (v != nil) == want
	case OpSize:
		return v != nil && v.Kind == bsonkit.KindArray && int64(len(v.Arr)) == n.Value.Int64
	case OpElemMatch:
		if v == nil || v.Kind != bsonkit.KindArray {
			return false
		}
		for _, elem := range v.Arr {
			if elem.Kind != bsonkit.KindDocument {
				continue
			}
			if n.Sub.evalDoc(elem.Doc) {
				return true
			}
		}
		return false
	case OpRegex:
		return v != nil && v.Kind == bsonkit.KindString && regexMatches(v.Str, n.Value.Str, n.RegexFlags)
	case OpMod:
		if v == nil {
			return false
		}
		f, ok := bsonkit.ToFloat64(*v)
		if !ok {
			return false
		}
		return int64(f)%n.ModDivisor == n.ModRemainder
	case OpType:
		return v != nil && typeNameOf(*v) == n.Value.Str
	default:
		return false
	}
}

func fieldMatchesScalar(v *bsonkit.Value, want bsonkit.Value) bool {
	if v.Equal(want) {
		return true
	}
	// array-or-scalar semantics (spec.md §4.C.6): a scalar match matches a
	// field whose value is an array containing that scalar.
	if v.Kind == bsonkit.KindArray {
		for _, elem := range v.Arr {
			if elem.Equal(want) {
				return true
			}
		}
	}
	return false
}

func orderCompare(a, b bsonkit.Value, op Operator) bool {
	fa, ok1 := bsonkit.ToFloat64(a)
	fb, ok2 := bsonkit.ToFloat64(b)
	if ok1 && ok2 {
		switch op {
		case OpGt:
			return fa > fb
		case OpGte:
			return fa >= fb
		case OpLt:
			return fa < fb
		case OpLte:
			return fa <= fb
		}
	}
	if a.Kind == bsonkit.KindString && b.Kind == bsonkit.KindString {
		switch op {
		case OpGt:
			return a.Str > b.Str
		case OpGte:
			return a.Str >= b.Str
		case OpLt:
			return a.Str < b.Str
		case OpLte:
			return a.Str <= b.Str
		}
	}
	return false
}

func typeNameOf(v bsonkit.Value) string {
	switch v.Kind {
	case bsonkit.KindDouble:
		return "double"
	case bsonkit.KindString:
		return "string"
	case bsonkit.KindDocument:
		return "object"
	case bsonkit.KindArray:
		return "array"
	case bsonkit.KindBinary:
		return "binData"
	case bsonkit.KindObjectID:
		return "objectId"
	case bsonkit.KindBool:
		return "bool"
	case bsonkit.KindDateTime:
		return "date"
	case bsonkit.KindNull:
		return "null"
	case bsonkit.KindRegex:
		return "regex"
	case bsonkit.KindInt32:
		return "int"
	case bsonkit.KindTimestamp:
		return "timestamp"
	case bsonkit.KindInt64:
		return "long"
	case bsonkit.KindDecimal128:
		return "decimal"
	default:
		return "unknown"
	}
}

func regexMatches(s, pattern, flags string) bool {
	re, err := compileRegex(pattern, flags)
	if err != nil {
		return false
	}
	return re.MatchString(s)
}

// EvalFilter runs root's in-process reference semantics directly, for
// callers that need a pure Go match (no SQL involved at all) — namely a
// $facet branch's $match stage, which must run against documents already
// materialized from an earlier segment rather than the base table.
func EvalFilter(root Node, doc *bsonkit.Document) bool {
	return root.evalDoc(doc)
}

// CompileFilter lowers a filter Node into a SqlFragment, pushing down every
// operator spec.md §4.C.1 names except $elemMatch (which emits no SQL and is
// checked in process only) and marking the fragment EngineFallback
// whenever strict-typed equality cannot be guaranteed by a pushed-down
// jsonb predicate alone (spec.md §4.C.6's strict-numeric-typing rule).
func CompileFilter(root Node) (*SqlFragment, error) {
	b := &filterBuilder{}
	text, fallback, err := b.compile(root)
	if err != nil {
		return nil, err
	}
	if text == "" {
		text = "true"
	}
	frag := &SqlFragment{Text: text, Params: b.params, Shape: ShapeBoolean, EngineFallback: fallback}
	if fallback {
		frag.FallbackEval = root.evalDoc
	}
	return frag, nil
}

type filterBuilder struct {
	params []interface{}
}

func (b *filterBuilder) bind(v interface{}) string {
	b.params = append(b.params, v)
	return paramPlaceholder(len(b.params))
}

func (b *filterBuilder) compile(n Node) (string, bool, error) {
	switch node := n.(type) {
	case *LogicalNode:
		return b.compileLogical(node)
	case *FieldNode:
		return b.compileField(node)
	default:
		return "", false, oxerr.New(oxerr.KindMalformedDoc, "unknown filter node type")
	}
}

func (b *filterBuilder) compileLogical(n *LogicalNode) (string, bool, error) {
	switch n.Operator {
	case OpAnd, OpOr:
		joiner := " AND "
		if n.Operator == OpOr {
			joiner = " OR "
		}
		var parts []string
		fallback := false
		for _, c := range n.Children {
			text, fb, err := b.compile(c)
			if err != nil {
				return "", false, err
			}
			parts = append(parts, "("+text+")")
			fallback = fallback || fb
		}
		if len(parts) == 0 {
			return "true", false, nil
		}
		return strings.Join(parts, joiner), fallback, nil
	case OpNot:
		if len(n.Children) != 1 {
			return "", false, oxerr.New(oxerr.KindMalformedDoc, "$not requires exactly one child")
		}
		text, fb, err := b.compile(n.Children[0])
		if err != nil {
			return "", false, err
		}
		return "NOT (" + text + ")", fb, nil
	case OpNor:
		var parts []string
		fallback := false
		for _, c := range n.Children {
			text, fb, err := b.compile(c)
			if err != nil {
				return "", false, err
			}
			parts = append(parts, "("+text+")")
			fallback = fallback || fb
		}
		if len(parts) == 0 {
			return "true", false, nil
		}
		return "NOT (" + strings.Join(parts, " OR ") + ")", fallback, nil
	default:
		return "", false, oxerr.New(oxerr.KindMalformedDoc, "unknown logical operator")
	}
}

func (b *filterBuilder) compileField(n *FieldNode) (string, bool, error) {
	path := jsonPath(n.Field)
	switch n.Operator {
	case OpEq:
		return b.compileScalarMatch(path, n.Value)
	case OpNe:
		text, fb, err := b.compileScalarMatch(path, n.Value)
		if err != nil {
			return "", false, err
		}
		return "NOT (" + text + ")", fb, nil
	case OpGt, OpGte, OpLt, OpLte:
		return b.compileOrder(n.Field, n.Operator, n.Value)
	case OpIn:
		var parts []string
		fallback := false
		for _, v := range n.Values {
			text, fb, err := b.compileScalarMatch(path, v)
			if err != nil {
				return "", false, err
			}
			parts = append(parts, "("+text+")")
			fallback = fallback || fb
		}
		if len(parts) == 0 {
			return "false", false, nil
		}
		return strings.Join(parts, " OR "), fallback, nil
	case OpNin:
		text, fb, err := b.compileField(&FieldNode{Field: n.Field, Operator: OpIn, Values: n.Values})
		if err != nil {
			return "", false, err
		}
		return "NOT (" + text + ")", fb, nil
	case OpExists:
		existsSQL := fmt.Sprintf("jsonb_path_exists(doc, %s)", b.bind(path))
		if n.Value.Kind == bsonkit.KindBool && n.Value.Bool {
			return existsSQL, false, nil
		}
		return "NOT " + existsSQL, false, nil
	case OpSize:
		sel := jsonbArrow(n.Field)
		return fmt.Sprintf("jsonb_typeof(%s) = 'array' AND jsonb_array_length(%s) = %s", sel, sel, b.bind(n.Value.Int64)), false, nil
	case OpElemMatch:
		return "", true, nil // element-match recheck always runs in process; see spec.md §4.C.1
	case OpRegex:
		return b.compileRegex(n)
	case OpMod:
		sel := jsonbArrowText(n.Field)
		return fmt.Sprintf("(%s)::numeric %% %s = %s", sel, b.bind(n.ModDivisor), b.bind(n.ModRemainder)), false, nil
	case OpType:
		sel := jsonbArrow(n.Field)
		return fmt.Sprintf("jsonb_typeof(%s) = %s", sel, b.bind(pgTypeOf(n.Value.Str))), n.Value.Str == "int" || n.Value.Str == "long" || n.Value.Str == "double" || n.Value.Str == "decimal", nil
	default:
		return "", false, oxerr.New(oxerr.KindMalformedDoc, "unknown field operator")
	}
}

// compileScalarMatch renders the twin "equals OR array-contains" predicate
// from spec.md §4.C.1, returning whether a numeric literal forces an
// engine-fallback recheck (jsonb collapses int/float into one numeric
// subtype, so it cannot enforce the strict BSON type match alone).
func (b *filterBuilder) compileScalarMatch(path string, v bsonkit.Value) (string, bool, error) {
	lit, fallback, err := literalJSON(v)
	if err != nil {
		return "", false, err
	}
	scalarPath := b.bind(path + " ? (@ == " + lit + ")")
	arrayPath := b.bind(path + "[*] ? (@ == " + lit + ")")
	return fmt.Sprintf("jsonb_path_exists(doc, %s) OR jsonb_path_exists(doc, %s)", scalarPath, arrayPath), fallback, nil
}

func (b *filterBuilder) compileOrder(field string, op Operator, v bsonkit.Value) (string, bool, error) {
	sel := jsonbArrowText(field)
	cmp := map[Operator]string{OpGt: ">", OpGte: ">=", OpLt: "<", OpLte: "<="}[op]
	f, ok := bsonkit.ToFloat64(v)
	if ok {
		return fmt.Sprintf("(%s)::numeric %s %s", sel, cmp, b.bind(f)), false, nil
	}
	if v.Kind == bsonkit.KindString {
		return fmt.Sprintf("%s %s %s", sel, cmp, b.bind(v.Str)), false, nil
	}
	return "", false, oxerr.New(oxerr.KindMalformedDoc, "order comparison requires numeric or string operand")
}

func (b *filterBuilder) compileRegex(n *FieldNode) (string, bool, error) {
	op := "~"
	prefix := ""
	for _, f := range n.RegexFlags {
		switch f {
		case 'i':
			op = "~*"
		case 'm', 's', 'x':
			prefix += "(?" + string(f) + ")"
		default:
			return "", false, oxerr.New(oxerr.KindBadRegex, "unsupported regex flag: "+string(f))
		}
	}
	sel := jsonbArrowText(n.Field)
	return fmt.Sprintf("%s %s %s", sel, op, b.bind(prefix+n.Value.Str)), false, nil
}

func literalJSON(v bsonkit.Value) (string, bool, error) {
	switch v.Kind {
	case bsonkit.KindString:
		return `"` + strings.ReplaceAll(v.Str, `"`, `\"`) + `"`, false, nil
	case bsonkit.KindBool:
		if v.Bool {
			return "true", false, nil
		}
		return "false", false, nil
	case bsonkit.KindInt32:
		return fmt.Sprintf("%d", v.Int32), true, nil
	case bsonkit.KindInt64:
		return fmt.Sprintf("%d", v.Int64), true, nil
	case bsonkit.KindDouble:
		return fmt.Sprintf("%g", v.Double), true, nil
	case bsonkit.KindNull:
		return "null", false, nil
	default:
		return "", false, oxerr.New(oxerr.KindMalformedDoc, "unsupported literal type in filter")
	}
}

func jsonPath(field string) string {
	var b strings.Builder
	b.WriteString("$")
	for _, seg := range strings.Split(field, ".") {
		b.WriteString(`."`)
		b.WriteString(seg)
		b.WriteString(`"`)
	}
	return b.String()
}

func jsonbArrow(field string) string {
	segs := strings.Split(field, ".")
	var b strings.Builder
	b.WriteString("doc")
	for _, s := range segs {
		b.WriteString("->'")
		b.WriteString(s)
		b.WriteString("'")
	}
	return b.String()
}

// JSONBArrowText renders field's `doc->...->>'leaf'` text-extraction path,
// for callers outside this package that need to build SQL expressions over
// a field path (e.g. index key expressions).
func JSONBArrowText(field string) string { return jsonbArrowText(field) }

func jsonbArrowText(field string) string {
	segs := strings.Split(field, ".")
	var b strings.Builder
	b.WriteString("doc")
	for i, s := range segs {
		if i == len(segs)-1 {
			b.WriteString("->>'")
		} else {
			b.WriteString("->'")
		}
		b.WriteString(s)
		b.WriteString("'")
	}
	return b.String()
}

func pgTypeOf(name string) string {
	switch name {
	case "int", "long", "double", "decimal":
		return "number"
	case "string":
		return "string"
	case "object":
		return "object"
	case "array":
		return "array"
	case "bool":
		return "boolean"
	case "null":
		return "null"
	default:
		return "string"
	}
}
