// Package sqlite provides the sqlite-backed store.
package sqlite

import (
	"database/sql"
	"errors"
	"fmt"

	sqlite3 "github.com/mattn/go-sqlite3"

	"github.com/convohubhq/convohub/pkg/store/sqlstore"
)

const schema string = `
CREATE TABLE IF NOT EXISTS threads (
	id         TEXT PRIMARY KEY,
	owner_id   TEXT NOT NULL,
	title      TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS branches (
	id                      TEXT PRIMARY KEY,
	thread_id               TEXT NOT NULL,
	name                    TEXT NOT NULL,
	base_message_id         TEXT,
	created_from_branch_id  TEXT,
	created_from_message_id TEXT,
	created_at              TIMESTAMP NOT NULL,
	UNIQUE (thread_id, name)
);
CREATE INDEX IF NOT EXISTS idx_branches_thread ON branches(thread_id);

CREATE TABLE IF NOT EXISTS messages (
	id                TEXT PRIMARY KEY,
	branch_id         TEXT NOT NULL,
	parent_message_id TEXT,
	role              TEXT NOT NULL,
	content           TEXT,
	state_snapshot    TEXT,
	origin            TEXT NOT NULL,
	created_at        TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_branch ON messages(branch_id, created_at);
CREATE INDEX IF NOT EXISTS idx_messages_parent ON messages(parent_message_id);

CREATE TABLE IF NOT EXISTS edges (
	from_message_id TEXT NOT NULL,
	to_message_id   TEXT NOT NULL,
	edge_type       TEXT NOT NULL,
	weight          TEXT,
	created_at      TIMESTAMP NOT NULL,
	PRIMARY KEY (from_message_id, to_message_id)
);
CREATE INDEX IF NOT EXISTS idx_edges_to ON edges(to_message_id);

CREATE TABLE IF NOT EXISTS summaries (
	id           TEXT PRIMARY KEY,
	thread_id    TEXT NOT NULL,
	summary_type TEXT NOT NULL,
	content      TEXT NOT NULL,
	metadata     TEXT,
	is_current   BOOLEAN NOT NULL,
	version      INTEGER NOT NULL,
	created_at   TIMESTAMP NOT NULL,
	updated_at   TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_summaries_current ON summaries(thread_id, is_current);

CREATE TABLE IF NOT EXISTS memories (
	id          TEXT PRIMARY KEY,
	thread_id   TEXT NOT NULL,
	memory_type TEXT NOT NULL,
	key         TEXT NOT NULL,
	value       TEXT NOT NULL,
	metadata    TEXT,
	confidence  TEXT NOT NULL,
	source      TEXT NOT NULL,
	expires_at  TIMESTAMP,
	created_at  TIMESTAMP NOT NULL,
	updated_at  TIMESTAMP NOT NULL,
	UNIQUE (thread_id, key)
);

CREATE TABLE IF NOT EXISTS merges (
	id                     TEXT PRIMARY KEY,
	thread_id              TEXT NOT NULL,
	source_branch_id       TEXT NOT NULL,
	target_branch_id       TEXT NOT NULL,
	strategy               TEXT NOT NULL,
	lca_message_id         TEXT,
	merged_into_message_id TEXT NOT NULL,
	summary                TEXT,
	conflict_resolution    TEXT,
	created_at             TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_merges_thread ON merges(thread_id);

CREATE TABLE IF NOT EXISTS idempotency_records (
	id         TEXT NOT NULL,
	key        TEXT NOT NULL,
	operation  TEXT NOT NULL,
	result     BLOB,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL,
	PRIMARY KEY (key, operation)
);
`

type dialect struct{}

func (dialect) Name() string { return "sqlite" }

// Rebind is a no-op, sqlite takes ?-placeholders natively.
func (dialect) Rebind(query string) string { return query }

func (dialect) IsUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
		sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
}

// SupportsForUpdate is false: sqlite serializes writers at the database
// level, so tip locking degrades to the plain read.
func (dialect) SupportsForUpdate() bool { return false }

func (dialect) InsertionOrder() string { return "rowid" }

// NewDriver opens (creating if needed) the sqlite database at path and
// migrates the schema.
func NewDriver(path string) (*sqlstore.Driver, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	// A single connection avoids SQLITE_BUSY between the pool's writers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate sqlite schema: %w", err)
	}
	return sqlstore.New(db, dialect{}), nil
}
