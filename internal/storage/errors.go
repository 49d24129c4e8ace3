package storage

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/fcoury/oxidedb/internal/oxerr"
)

// PostgreSQL error codes this layer distinguishes (spec.md §4.D's three
// failure buckets: DuplicateKey, TransientConflict, Backend).
const (
	sqlstateUniqueViolation       = "23505"
	sqlstateSerializationFailure  = "40001"
	sqlstateDeadlockDetected      = "40P01"
)

// MapError exposes mapError to callers outside this package that must
// classify an error surfaced lazily from pgx.Rows.Err() after draining a
// statement issued through Execute (Adapter.Execute/Txn.Execute only map
// the error returned by the initial Query call, not one that surfaces once
// rows are iterated).
func MapError(err error) error { return mapError(err) }

// mapError classifies a backend error per spec.md §4.D. The bun-auth
// teacher file this is grounded on leaves the unique-violation check as a
// TODO ("simplification: just return generic error for now"); this
// implementation does the classification it stubbed out.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case sqlstateUniqueViolation:
			return oxerr.Wrap(oxerr.KindDuplicateKey, "duplicate key violates unique constraint", err)
		case sqlstateSerializationFailure, sqlstateDeadlockDetected:
			return oxerr.Wrap(oxerr.KindTransientConflict, "serializable transaction aborted by a concurrent conflict", err)
		}
	}
	return oxerr.Wrap(oxerr.KindBackend, "backend error", err)
}
