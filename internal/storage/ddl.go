package storage

import "fmt"

// schemaName and tableName implement spec.md §3's collection-identity
// mapping: database-name → backend schema "mdb_<db>", collection-name →
// table "<coll>" inside that schema.
func schemaName(db string) string { return `mdb_` + pgIdent(db) }

func qualifiedTable(db, coll string) string {
	return fmt.Sprintf(`%s.%s`, pgQuoteIdent(schemaName(db)), pgQuoteIdent(pgIdent(coll)))
}

func createSchemaSQL(db string) string {
	return fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %s`, pgQuoteIdent(schemaName(db)))
}

func createTableSQL(db, coll string) string {
	return fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	id       BYTEA PRIMARY KEY,
	doc      JSONB NOT NULL,
	doc_bson BYTEA NOT NULL
)`, qualifiedTable(db, coll))
}

func registerDatabaseSQL() string {
	return `INSERT INTO mdb_meta.databases (db) VALUES ($1) ON CONFLICT (db) DO NOTHING`
}

func registerCollectionSQL() string {
	return `INSERT INTO mdb_meta.collections (db, coll) VALUES ($1, $2) ON CONFLICT (db, coll) DO NOTHING`
}

func registerIndexSQL() string {
	return `INSERT INTO mdb_meta.indexes (db, coll, name, spec, sql) VALUES ($1, $2, $3, $4, $5)
	ON CONFLICT (db, coll, name) DO UPDATE SET spec = EXCLUDED.spec, sql = EXCLUDED.sql`
}

func createIndexSQL(db, coll, name, expr string) string {
	return fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (%s)`, pgQuoteIdent(name), qualifiedTable(db, coll), expr)
}

// pgIdent lower-cases and restricts an OxideDB-facing name to
// identifier-safe characters before it is quoted and interpolated into
// DDL — collection/database names arrive from client commands, not from
// trusted SQL text.
func pgIdent(name string) string {
	out := make([]byte, 0, len(name))
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			out = append(out, byte(r))
		case r >= 'A' && r <= 'Z':
			out = append(out, byte(r-'A'+'a'))
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}

func pgQuoteIdent(ident string) string {
	return `"` + ident + `"`
}
