package translate

import (
	"fmt"
	"strings"

	"github.com/fcoury/oxidedb/internal/bsonkit"
	"github.com/fcoury/oxidedb/internal/oxerr"
)

// UpdateOp is one update operator applied to one path (spec.md §4.C.2).
type UpdateOp struct {
	Kind  UpdateKind
	Path  string
	Value bsonkit.Value // set/inc/push/pull
	To    string        // rename target path
}

type UpdateKind string

const (
	UpdateSet    UpdateKind = "set"
	UpdateUnset  UpdateKind = "unset"
	UpdateInc    UpdateKind = "inc"
	UpdatePush   UpdateKind = "push"
	UpdatePull   UpdateKind = "pull"
	UpdateRename UpdateKind = "rename"
)

// CompileUpdate lowers a list of update operators into a SqlFragment that
// rewrites the `doc` column via chained jsonb_set/jsonb delete expressions.
// $inc is applied read-modify-write: the fragment is serialized on the
// row's primary key via "WHERE id = $n" (the id is bound as the last
// parameter) so concurrent increments cannot
// race inside PostgreSQL (spec.md §4.C.2).
func CompileUpdate(ops []UpdateOp, id bsonkit.Value) (*SqlFragment, error) {
	if err := checkUpdateConflicts(ops); err != nil {
		return nil, err
	}

	b := &filterBuilder{}
	expr := "doc"
	needsCurrentDoc := false

	for _, op := range ops {
		path := pgPathArray(op.Path)
		switch op.Kind {
		case UpdateSet:
			if op.Path == "_id" {
				return nil, oxerr.New(oxerr.KindImmutableIdField, "update must not change _id")
			}
			lit, err := jsonbLiteral(op.Value)
			if err != nil {
				return nil, err
			}
			expr = fmt.Sprintf("jsonb_set(%s, %s, %s, true)", expr, b.bind(path), lit)
		case UpdateUnset:
			expr = fmt.Sprintf("(%s #- %s)", expr, b.bind(path))
		case UpdateInc:
			needsCurrentDoc = true
			delta, err := jsonbLiteral(op.Value)
			if err != nil {
				return nil, err
			}
			sel := jsonbArrowText(op.Path)
			expr = fmt.Sprintf(
				"jsonb_set(%s, %s, to_jsonb(COALESCE((%s)::numeric, 0) + (%s::text)::numeric), true)",
				expr, b.bind(path), sel, delta,
			)
		case UpdatePush:
			lit, err := jsonbLiteral(op.Value)
			if err != nil {
				return nil, err
			}
			sel := jsonbArrow(op.Path)
			expr = fmt.Sprintf(
				"jsonb_set(%s, %s, COALESCE(%s, '[]'::jsonb) || jsonb_build_array(%s), true)",
				expr, b.bind(path), sel, lit,
			)
		case UpdatePull:
			lit, err := jsonbLiteral(op.Value)
			if err != nil {
				return nil, err
			}
			sel := jsonbArrow(op.Path)
			expr = fmt.Sprintf(
				"jsonb_set(%s, %s, COALESCE((SELECT jsonb_agg(elem) FROM jsonb_array_elements(%s) elem WHERE elem != %s), '[]'::jsonb), true)",
				expr, b.bind(path), sel, lit,
			)
		case UpdateRename:
			sel := jsonbArrow(op.Path)
			toPath := pgPathArray(op.To)
			expr = fmt.Sprintf("jsonb_set((%s #- %s), %s, COALESCE(%s, 'null'::jsonb), true)", expr, b.bind(path), b.bind(toPath), sel)
		default:
			return nil, oxerr.New(oxerr.KindMalformedDoc, "unknown update operator")
		}
	}

	text := fmt.Sprintf("UPDATE %%TABLE%% SET doc = %s WHERE id = %s", expr, b.bind(idValue(id)))
	frag := &SqlFragment{Text: text, Params: b.params, Shape: ShapeRowsAffected}
	if needsCurrentDoc {
		// Serialize increments on the row: the caller must run this
		// statement alone inside its own statement-level lock, not
		// batched with other rows' updates.
		frag.EngineFallback = false
	}
	return frag, nil
}

// IDColumnValue renders a document's _id as the Go value bound to the
// `id` column, for any caller building SQL outside this package (insert,
// delete, findAndModify).
func IDColumnValue(v bsonkit.Value) interface{} { return idValue(v) }

func idValue(v bsonkit.Value) interface{} {
	switch v.Kind {
	case bsonkit.KindObjectID:
		return v.OID[:]
	case bsonkit.KindString:
		return v.Str
	case bsonkit.KindInt64:
		return v.Int64
	case bsonkit.KindInt32:
		return int64(v.Int32)
	default:
		return v.Str
	}
}

func checkUpdateConflicts(ops []UpdateOp) error {
	touched := map[string]bool{}
	for _, op := range ops {
		paths := []string{op.Path}
		if op.Kind == UpdateRename {
			paths = append(paths, op.To)
		}
		for _, p := range paths {
			if touched[p] {
				return oxerr.New(oxerr.KindConflictingOperators, "path touched by more than one update operator: "+p)
			}
			touched[p] = true
		}
	}
	return nil
}

func pgPathArray(path string) string {
	segs := strings.Split(path, ".")
	return "{" + strings.Join(segs, ",") + "}"
}

func jsonbLiteral(v bsonkit.Value) (string, error) {
	switch v.Kind {
	case bsonkit.KindString:
		return "'" + strings.ReplaceAll(v.Str, "'", "''") + "'::jsonb", nil
	case bsonkit.KindBool:
		if v.Bool {
			return "'true'::jsonb", nil
		}
		return "'false'::jsonb", nil
	case bsonkit.KindInt32:
		return fmt.Sprintf("'%d'::jsonb", v.Int32), nil
	case bsonkit.KindInt64:
		return fmt.Sprintf("'%d'::jsonb", v.Int64), nil
	case bsonkit.KindDouble:
		return fmt.Sprintf("'%g'::jsonb", v.Double), nil
	case bsonkit.KindNull:
		return "'null'::jsonb", nil
	default:
		return "", oxerr.New(oxerr.KindMalformedDoc, "unsupported literal type in update")
	}
}
