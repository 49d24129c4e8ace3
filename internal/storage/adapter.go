package storage

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Adapter is the connection pool and DDL-caching layer of spec.md §4.D,
// grounded on the teacher's platform/internal/database.DB
// (pgxpool.ParseConfig → pgxpool.NewWithConfig → Ping).
type Adapter struct {
	pool  *pgxpool.Pool
	cache *schemaCache
}

// Config configures the pool and the (db, coll) existence cache size.
type Config struct {
	DSN             string
	MaxConns        int32
	SchemaCacheSize int
}

// Open parses dsn, creates the pool, pings it, and runs the mdb_meta
// bootstrap migrations.
func Open(ctx context.Context, cfg Config) (*Adapter, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	if err := RunMigrations(cfg.DSN); err != nil {
		pool.Close()
		return nil, err
	}

	size := cfg.SchemaCacheSize
	if size <= 0 {
		size = 4096
	}
	cache, err := newSchemaCache(size)
	if err != nil {
		pool.Close()
		return nil, err
	}

	return &Adapter{pool: pool, cache: cache}, nil
}

// Close releases the pool.
func (a *Adapter) Close() { a.pool.Close() }

// EnsureDB creates the backend schema for db if the cache has not already
// seen it, and records the database in mdb_meta.
func (a *Adapter) EnsureDB(ctx context.Context, db string) error {
	if a.cache.hasDB(db) {
		return nil
	}
	if _, err := a.pool.Exec(ctx, createSchemaSQL(db)); err != nil {
		return mapError(err)
	}
	if _, err := a.pool.Exec(ctx, registerDatabaseSQL(), db); err != nil {
		return mapError(err)
	}
	a.cache.markDB(db)
	return nil
}

// EnsureCollection creates the backend table for (db, coll) if the cache
// has not already seen it, and records the collection in mdb_meta. A
// hot-path insert after warm-up emits zero DDL because has() short-circuits
// (spec.md §4.D).
func (a *Adapter) EnsureCollection(ctx context.Context, db, coll string) error {
	if err := a.EnsureDB(ctx, db); err != nil {
		return err
	}
	if a.cache.has(db, coll) {
		return nil
	}
	if _, err := a.pool.Exec(ctx, createTableSQL(db, coll)); err != nil {
		return mapError(err)
	}
	if _, err := a.pool.Exec(ctx, registerCollectionSQL(), db, coll); err != nil {
		return mapError(err)
	}
	a.cache.mark(db, coll)
	return nil
}

// ListDatabases returns every database name OxideDB has created a schema
// for, per spec.md §4.G's listDatabases admin command.
func (a *Adapter) ListDatabases(ctx context.Context) ([]string, error) {
	rows, err := a.pool.Query(ctx, `SELECT db FROM mdb_meta.databases ORDER BY db`)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var db string
		if err := rows.Scan(&db); err != nil {
			return nil, mapError(err)
		}
		out = append(out, db)
	}
	return out, mapError(rows.Err())
}

// ListCollections returns every collection name registered under db, per
// spec.md §4.G's listCollections admin command.
func (a *Adapter) ListCollections(ctx context.Context, db string) ([]string, error) {
	rows, err := a.pool.Query(ctx, `SELECT coll FROM mdb_meta.collections WHERE db = $1 ORDER BY coll`, db)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var coll string
		if err := rows.Scan(&coll); err != nil {
			return nil, mapError(err)
		}
		out = append(out, coll)
	}
	return out, mapError(rows.Err())
}

// DropCollection removes coll's backend table and its mdb_meta bookkeeping
// rows (collection + indexes), and evicts it from the schema cache.
func (a *Adapter) DropCollection(ctx context.Context, db, coll string) error {
	if _, err := a.pool.Exec(ctx, "DROP TABLE IF EXISTS "+qualifiedTable(db, coll)); err != nil {
		return mapError(err)
	}
	if _, err := a.pool.Exec(ctx, `DELETE FROM mdb_meta.collections WHERE db = $1 AND coll = $2`, db, coll); err != nil {
		return mapError(err)
	}
	if _, err := a.pool.Exec(ctx, `DELETE FROM mdb_meta.indexes WHERE db = $1 AND coll = $2`, db, coll); err != nil {
		return mapError(err)
	}
	a.cache.evict(db, coll)
	return nil
}

// DropIndex removes a single backend index and its mdb_meta row. Index
// names live in their table's schema namespace, so the DROP must qualify
// the index name with the database's backend schema.
func (a *Adapter) DropIndex(ctx context.Context, db, coll, name string) error {
	qualified := pgQuoteIdent(schemaName(db)) + "." + pgQuoteIdent(name)
	if _, err := a.pool.Exec(ctx, "DROP INDEX IF EXISTS "+qualified); err != nil {
		return mapError(err)
	}
	if _, err := a.pool.Exec(ctx, `DELETE FROM mdb_meta.indexes WHERE db = $1 AND coll = $2 AND name = $3`, db, coll, name); err != nil {
		return mapError(err)
	}
	return nil
}

// EnsureIndex creates a backend expression index backing an OxideDB index
// definition and records it in mdb_meta.indexes.
func (a *Adapter) EnsureIndex(ctx context.Context, db, coll, name, expr string, specJSON []byte) error {
	sql := createIndexSQL(db, coll, name, expr)
	if _, err := a.pool.Exec(ctx, sql); err != nil {
		return mapError(err)
	}
	if _, err := a.pool.Exec(ctx, registerIndexSQL(), db, coll, name, specJSON, sql); err != nil {
		return mapError(err)
	}
	return nil
}

// Execute runs sql against the pool (outside any transaction), substituting
// %%TABLE%% with the quoted, schema-qualified table name for (db, coll).
func (a *Adapter) Execute(ctx context.Context, db, coll, sql string, params []interface{}) (pgx.Rows, error) {
	resolved := strings.ReplaceAll(sql, "%%TABLE%%", qualifiedTable(db, coll))
	rows, err := a.pool.Query(ctx, resolved, params...)
	if err != nil {
		return nil, mapError(err)
	}
	return rows, nil
}

// IsolationLevel names the backend isolation level a pinned transaction
// runs at (spec.md §4.F: "read committed by default... snapshot isolation
// maps to repeatable read").
type IsolationLevel int

const (
	ReadCommitted IsolationLevel = iota
	RepeatableRead
)

func (l IsolationLevel) pgLevel() pgx.TxIsoLevel {
	if l == RepeatableRead {
		return pgx.RepeatableRead
	}
	return pgx.ReadCommitted
}

// Txn is a handle to an in-flight PostgreSQL transaction (spec.md §4.D/§4.F's
// begin/commit/abort).
type Txn struct {
	tx pgx.Tx
}

// Begin starts a transaction at level on a pinned connection.
func (a *Adapter) Begin(ctx context.Context, level IsolationLevel) (*Txn, error) {
	tx, err := a.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: level.pgLevel()})
	if err != nil {
		return nil, mapError(err)
	}
	return &Txn{tx: tx}, nil
}

// Execute runs sql inside the transaction.
func (t *Txn) Execute(ctx context.Context, db, coll, sql string, params []interface{}) (pgx.Rows, error) {
	resolved := strings.ReplaceAll(sql, "%%TABLE%%", qualifiedTable(db, coll))
	rows, err := t.tx.Query(ctx, resolved, params...)
	if err != nil {
		return nil, mapError(err)
	}
	return rows, nil
}

// Commit commits the transaction, mapping a serialization failure to
// TransientConflict so the session coordinator can retry once outside a
// multi-statement transaction (spec.md §7).
func (t *Txn) Commit(ctx context.Context) error {
	return mapError(t.tx.Commit(ctx))
}

// Abort rolls back the transaction.
func (t *Txn) Abort(ctx context.Context) error {
	return mapError(t.tx.Rollback(ctx))
}
