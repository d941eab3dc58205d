// Package store persists the call graph in SQLite.
//
// A Store serves reads from a pool of WAL-mode connections. Writes go
// through a single Writer that owns its own connection, so reads may run
// while an ingestion is in progress.
package store

import (
	"context"
	"errors"
	"fmt"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// ErrUnavailable reports that the database could not be opened or a
// connection could not be obtained.
var ErrUnavailable = errors.New("graph store unavailable")

const schemaVersion = 1

const schema = `
CREATE TABLE IF NOT EXISTS functions (
    id         INTEGER PRIMARY KEY,
    name       TEXT NOT NULL,
    file       TEXT NOT NULL,
    kind       TEXT NOT NULL,
    start_line INTEGER NOT NULL DEFAULT 0,
    end_line   INTEGER NOT NULL DEFAULT 0,
    signature  TEXT NOT NULL DEFAULT '',
    storage    TEXT NOT NULL DEFAULT '',
    subsystem  TEXT NOT NULL DEFAULT '',
    tu         TEXT NOT NULL DEFAULT '',
    last_run   TEXT NOT NULL DEFAULT '',
    UNIQUE (name, file)
);
CREATE INDEX IF NOT EXISTS idx_functions_name ON functions(name, kind);
CREATE INDEX IF NOT EXISTS idx_functions_tu ON functions(tu);
CREATE INDEX IF NOT EXISTS idx_functions_subsystem ON functions(subsystem);

CREATE TABLE IF NOT EXISTS variables (
    id           INTEGER PRIMARY KEY,
    function_id  INTEGER NOT NULL REFERENCES functions(id) ON DELETE CASCADE,
    name         TEXT NOT NULL,
    type         TEXT NOT NULL DEFAULT '',
    is_parameter INTEGER NOT NULL DEFAULT 0,
    is_pointer   INTEGER NOT NULL DEFAULT 0,
    position     INTEGER NOT NULL DEFAULT 0,
    line         INTEGER NOT NULL DEFAULT 0,
    UNIQUE (function_id, name)
);

CREATE TABLE IF NOT EXISTS calls (
    caller_id  INTEGER NOT NULL REFERENCES functions(id) ON DELETE CASCADE,
    callee_id  INTEGER NOT NULL REFERENCES functions(id) ON DELETE CASCADE,
    site_count INTEGER NOT NULL DEFAULT 1,
    confidence TEXT NOT NULL,
    first_line INTEGER NOT NULL DEFAULT 0,
    via_alias  INTEGER NOT NULL DEFAULT 0,
    same_tu    INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (caller_id, callee_id)
) WITHOUT ROWID;
CREATE INDEX IF NOT EXISTS idx_calls_callee ON calls(callee_id);

CREATE TABLE IF NOT EXISTS flows (
    from_id    INTEGER NOT NULL REFERENCES variables(id) ON DELETE CASCADE,
    to_id      INTEGER NOT NULL REFERENCES variables(id) ON DELETE CASCADE,
    kind       TEXT NOT NULL,
    line       INTEGER NOT NULL DEFAULT 0,
    site_count INTEGER NOT NULL DEFAULT 1,
    PRIMARY KEY (from_id, to_id)
) WITHOUT ROWID;
CREATE INDEX IF NOT EXISTS idx_flows_to ON flows(to_id);

CREATE TABLE IF NOT EXISTS files (
    path      TEXT PRIMARY KEY,
    subsystem TEXT NOT NULL,
    last_run  TEXT NOT NULL,
    status    TEXT NOT NULL,
    functions INTEGER NOT NULL DEFAULT 0,
    warnings  INTEGER NOT NULL DEFAULT 0,
    error     TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS runs (
    id           TEXT PRIMARY KEY,
    subsystem    TEXT NOT NULL,
    started_at   TEXT NOT NULL,
    finished_at  TEXT NOT NULL DEFAULT '',
    files_ok     INTEGER NOT NULL DEFAULT 0,
    files_failed INTEGER NOT NULL DEFAULT 0
);
`

// Store is an open graph database.
type Store struct {
	path string
	pool *sqlitex.Pool
}

// Open opens (creating if needed) the database at path and applies the
// schema. All failures wrap ErrUnavailable.
func Open(ctx context.Context, path string) (*Store, error) {
	conn, err := openConn(path)
	if err != nil {
		return nil, err
	}
	err = migrate(ctx, conn)
	if cerr := conn.Close(); err == nil && cerr != nil {
		err = cerr
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrUnavailable, path, err)
	}

	pool, err := sqlitex.NewPool(path, sqlitex.PoolOptions{
		Flags:       sqlite.OpenReadWrite | sqlite.OpenWAL,
		PoolSize:    4,
		PrepareConn: prepareConn,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrUnavailable, path, err)
	}
	return &Store{path: path, pool: pool}, nil
}

// Close releases all pooled connections. Writers must be closed separately.
func (s *Store) Close() error {
	return s.pool.Close()
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

func openConn(path string) (*sqlite.Conn, error) {
	conn, err := sqlite.OpenConn(path, sqlite.OpenCreate, sqlite.OpenReadWrite, sqlite.OpenWAL)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrUnavailable, path, err)
	}
	if err := prepareConn(conn); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("%w: %s: %w", ErrUnavailable, path, err)
	}
	return conn, nil
}

func prepareConn(conn *sqlite.Conn) error {
	for _, pragma := range []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA temp_store = MEMORY",
	} {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("%s: %w", pragma, err)
		}
	}
	return nil
}

func migrate(ctx context.Context, conn *sqlite.Conn) error {
	defer conn.SetInterrupt(conn.SetInterrupt(ctx.Done()))

	var version int
	err := sqlitex.ExecuteTransient(conn, "PRAGMA user_version", &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			version = stmt.ColumnInt(0)
			return nil
		},
	})
	if err != nil {
		return fmt.Errorf("reading schema version: %w", err)
	}
	if version > schemaVersion {
		return fmt.Errorf("schema version %d is newer than supported version %d", version, schemaVersion)
	}
	if err := sqlitex.ExecuteScript(conn, schema, nil); err != nil {
		return fmt.Errorf("creating schema: %w", err)
	}
	return sqlitex.ExecuteTransient(conn, fmt.Sprintf("PRAGMA user_version = %d", schemaVersion), nil)
}

// exec runs query with args, calling fn for each result row.
func exec(conn *sqlite.Conn, query string, fn func(*sqlite.Stmt) error, args ...any) error {
	return sqlitex.Execute(conn, query, &sqlitex.ExecOptions{Args: args, ResultFunc: fn})
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
