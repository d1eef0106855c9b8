// Package sqlstore implements store.Store on database/sql. The sqlite and
// postgres packages supply the connection, schema and Dialect; everything
// else - queries, scanning, transaction nesting via savepoints - is shared.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/convohubhq/convohub/pkg/store"
)

// Dialect captures the differences between supported SQL backends.
type Dialect interface {
	// Name identifies the backend (sqlite, postgres).
	Name() string

	// Rebind rewrites ?-placeholders into the backend's syntax.
	Rebind(query string) string

	// IsUniqueViolation reports whether err is a uniqueness-constraint error.
	IsUniqueViolation(err error) bool

	// SupportsForUpdate reports whether SELECT ... FOR UPDATE is available.
	SupportsForUpdate() bool

	// InsertionOrder is the column expression that breaks created_at ties in
	// insertion order (rowid on sqlite, the seq column on postgres).
	InsertionOrder() string
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type txKey struct{}

// txState tracks the open transaction and the savepoint nesting depth.
type txState struct {
	tx    *sql.Tx
	level int
}

// Driver implements store.Store over a database/sql connection.
type Driver struct {
	db      *sql.DB
	dialect Dialect
}

// New wraps an open connection. The caller is responsible for migration.
func New(db *sql.DB, dialect Dialect) *Driver {
	return &Driver{db: db, dialect: dialect}
}

// Close closes the underlying connection.
func (d *Driver) Close() error {
	return d.db.Close()
}

// q returns the transaction bound to ctx, or the bare connection.
func (d *Driver) q(ctx context.Context) querier {
	if state, ok := ctx.Value(txKey{}).(*txState); ok {
		return state.tx
	}
	return d.db
}

// WithTx runs fn atomically. The outermost call opens a real transaction;
// nested calls create savepoints, so an inner failure rolls back only the
// inner writes while the outer transaction decides its own fate.
func (d *Driver) WithTx(ctx context.Context, fn func(ctx context.Context, tx store.Store) error) error {
	if state, ok := ctx.Value(txKey{}).(*txState); ok {
		state.level++
		name := "sp_" + strconv.Itoa(state.level)
		if _, err := state.tx.ExecContext(ctx, "SAVEPOINT "+name); err != nil {
			state.level--
			return fmt.Errorf("creating savepoint: %w", err)
		}
		if err := fn(ctx, d); err != nil {
			if _, rbErr := state.tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+name); rbErr != nil {
				return fmt.Errorf("rolling back savepoint after %v: %w", err, rbErr)
			}
			state.level--
			return err
		}
		if _, err := state.tx.ExecContext(ctx, "RELEASE SAVEPOINT "+name); err != nil {
			return fmt.Errorf("releasing savepoint: %w", err)
		}
		state.level--
		return nil
	}

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	ctx = context.WithValue(ctx, txKey{}, &txState{tx: tx})
	if err := fn(ctx, d); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("rolling back after %v: %w", err, rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

func (d *Driver) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return d.q(ctx).ExecContext(ctx, d.dialect.Rebind(query), args...)
}

func (d *Driver) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return d.q(ctx).QueryContext(ctx, d.dialect.Rebind(query), args...)
}

func (d *Driver) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return d.q(ctx).QueryRowContext(ctx, d.dialect.Rebind(query), args...)
}

// marshalMap serializes an optional JSON map column.
func marshalMap(m map[string]any) (any, error) {
	if m == nil {
		return nil, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal json column: %w", err)
	}
	return string(data), nil
}

func unmarshalMap(raw sql.NullString) (map[string]any, error) {
	if !raw.Valid || raw.String == "" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(raw.String), &m); err != nil {
		return nil, fmt.Errorf("unmarshal json column: %w", err)
	}
	return m, nil
}

func nullable(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func strPtr(raw sql.NullString) *string {
	if !raw.Valid {
		return nil
	}
	value := raw.String
	return &value
}

func timePtr(raw sql.NullTime) *time.Time {
	if !raw.Valid {
		return nil
	}
	value := raw.Time
	return &value
}

var _ store.Store = (*Driver)(nil)
