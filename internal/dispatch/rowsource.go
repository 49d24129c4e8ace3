package dispatch

import (
	"github.com/jackc/pgx/v5"

	"github.com/fcoury/oxidedb/internal/bsonkit"
	"github.com/fcoury/oxidedb/internal/oxerr"
)

// bsonRowSource adapts a "SELECT id, doc_bson FROM ..." result set into a
// cursor.RowSource, for query shapes that return stored documents verbatim.
type bsonRowSource struct {
	rows pgx.Rows
}

func newBSONRowSource(rows pgx.Rows) *bsonRowSource { return &bsonRowSource{rows: rows} }

func (s *bsonRowSource) Next() ([]byte, bool, error) {
	if !s.rows.Next() {
		if err := s.rows.Err(); err != nil {
			return nil, false, oxerr.Wrap(oxerr.KindBackend, "row iteration failed", err)
		}
		return nil, false, nil
	}
	var id, docBSON []byte
	if err := s.rows.Scan(&id, &docBSON); err != nil {
		return nil, false, oxerr.Wrap(oxerr.KindBackend, "row scan failed", err)
	}
	return docBSON, true, nil
}

func (s *bsonRowSource) Close() { s.rows.Close() }

// jsonbRowSource adapts a "SELECT id, <expr> AS doc FROM ..." result set
// (the aggregation pipeline's pushdown shape) into a cursor.RowSource,
// re-encoding each jsonb row into OxideDB's own wire BSON.
type jsonbRowSource struct {
	rows pgx.Rows
}

func newJSONBRowSource(rows pgx.Rows) *jsonbRowSource { return &jsonbRowSource{rows: rows} }

func (s *jsonbRowSource) Next() ([]byte, bool, error) {
	if !s.rows.Next() {
		if err := s.rows.Err(); err != nil {
			return nil, false, oxerr.Wrap(oxerr.KindBackend, "row iteration failed", err)
		}
		return nil, false, nil
	}
	var id []byte
	var native map[string]interface{}
	if err := s.rows.Scan(&id, &native); err != nil {
		return nil, false, oxerr.Wrap(oxerr.KindBackend, "row scan failed", err)
	}
	return bsonkit.Encode(bsonkit.FromNative(native)), true, nil
}

func (s *jsonbRowSource) Close() { s.rows.Close() }
