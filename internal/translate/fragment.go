// Package translate compiles schemaless query/update/projection/sort/
// aggregation expressions into SqlFragments that run against a `doc jsonb`
// column, falling back to in-process evaluation wherever a faithful SQL
// rendering is not possible (spec.md §4.C).
//
// The AST shape (FieldNode/LogicalNode over an Operator enum) is grounded
// on the teacher's bundoc/internal/query.Parse, generalized from Bundoc's
// six comparison operators to the full operator set spec.md §4.C.1 names.
package translate

import "github.com/fcoury/oxidedb/internal/bsonkit"

// ResultShape tells the caller what a fragment's rows look like, so the
// dispatcher knows how to consume them.
type ResultShape int

const (
	ShapeBoolean    ResultShape = iota // filter: WHERE clause
	ShapeRows                         // select/aggregate: full row set
	ShapeScalar                       // count, single aggregate value
	ShapeRowsAffected
)

// SqlFragment is the translator's public output: SQL text with positional
// parameters, annotated with whether upper layers must still run an
// in-process pass over the rows it returns (spec.md §4.C.1's tie-break
// policy and §4.C.5's pushdown/engine split).
type SqlFragment struct {
	Text           string
	Params         []interface{}
	Shape          ResultShape
	EngineFallback bool
	// FallbackEval, when EngineFallback is true, is applied to each row
	// streamed back by Text (or to the whole collection when Text is
	// empty) to finish the operation in process.
	FallbackEval func(doc *bsonkit.Document) bool
}

func paramPlaceholder(n int) string {
	return "$" + itoa(n)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
