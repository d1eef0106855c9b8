// Package postgres provides the postgres-backed store via pgx.
package postgres

import (
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/convohubhq/convohub/pkg/store/sqlstore"
)

const uniqueViolationCode = "23505"

const schema string = `
CREATE TABLE IF NOT EXISTS threads (
	id         TEXT PRIMARY KEY,
	owner_id   TEXT NOT NULL,
	title      TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS branches (
	id                      TEXT PRIMARY KEY,
	seq                     BIGSERIAL,
	thread_id               TEXT NOT NULL,
	name                    TEXT NOT NULL,
	base_message_id         TEXT,
	created_from_branch_id  TEXT,
	created_from_message_id TEXT,
	created_at              TIMESTAMPTZ NOT NULL,
	UNIQUE (thread_id, name)
);
CREATE INDEX IF NOT EXISTS idx_branches_thread ON branches(thread_id);

CREATE TABLE IF NOT EXISTS messages (
	id                TEXT PRIMARY KEY,
	seq               BIGSERIAL,
	branch_id         TEXT NOT NULL,
	parent_message_id TEXT,
	role              TEXT NOT NULL,
	content           JSONB,
	state_snapshot    JSONB,
	origin            TEXT NOT NULL,
	created_at        TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_branch ON messages(branch_id, created_at);
CREATE INDEX IF NOT EXISTS idx_messages_parent ON messages(parent_message_id);

CREATE TABLE IF NOT EXISTS edges (
	from_message_id TEXT NOT NULL,
	to_message_id   TEXT NOT NULL,
	edge_type       TEXT NOT NULL,
	weight          TEXT,
	created_at      TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (from_message_id, to_message_id)
);
CREATE INDEX IF NOT EXISTS idx_edges_to ON edges(to_message_id);

CREATE TABLE IF NOT EXISTS summaries (
	id           TEXT PRIMARY KEY,
	seq          BIGSERIAL,
	thread_id    TEXT NOT NULL,
	summary_type TEXT NOT NULL,
	content      TEXT NOT NULL,
	metadata     JSONB,
	is_current   BOOLEAN NOT NULL,
	version      INTEGER NOT NULL,
	created_at   TIMESTAMPTZ NOT NULL,
	updated_at   TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_summaries_current ON summaries(thread_id, is_current);

CREATE TABLE IF NOT EXISTS memories (
	id          TEXT PRIMARY KEY,
	seq         BIGSERIAL,
	thread_id   TEXT NOT NULL,
	memory_type TEXT NOT NULL,
	key         TEXT NOT NULL,
	value       TEXT NOT NULL,
	metadata    JSONB,
	confidence  TEXT NOT NULL,
	source      TEXT NOT NULL,
	expires_at  TIMESTAMPTZ,
	created_at  TIMESTAMPTZ NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL,
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
	summary                JSONB,
	conflict_resolution    JSONB,
	created_at             TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_merges_thread ON merges(thread_id);

CREATE TABLE IF NOT EXISTS idempotency_records (
	id         TEXT NOT NULL,
	key        TEXT NOT NULL,
	operation  TEXT NOT NULL,
	result     BYTEA,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (key, operation)
);
`

type dialect struct{}

func (dialect) Name() string { return "postgres" }

// Rebind rewrites ?-placeholders into postgres's $1, $2, ... form.
func (dialect) Rebind(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (dialect) IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolationCode
}

func (dialect) SupportsForUpdate() bool { return true }

func (dialect) InsertionOrder() string { return "seq" }

// NewDriver connects to postgres with the given DSN and migrates the schema.
func NewDriver(dsn string) (*sqlstore.Driver, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres connection: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate postgres schema: %w", err)
	}
	return sqlstore.New(db, dialect{}), nil
}
