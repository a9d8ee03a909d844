// Package dialect abstracts the two relational backends the engine supports:
// an embedded file database (sqlite) and a centralized server database
// (mysql). Each adapter supplies the DDL for the sync tables, the capture
// trigger bodies, UPSERT/DELETE statement shapes, per-connection suppression,
// and schema introspection. Everything above this package speaks
// database/sql and canonical JSON only.
package dialect

import (
	"context"
	"database/sql"
)

// TableSchema describes a user table as introspected from the store.
type TableSchema struct {
	Name      string
	PKColumns []string // primary-key columns, lexicographic order
	Columns   []string // all columns, lexicographic order
}

// ForeignKey is one column-level edge in the foreign-key graph.
type ForeignKey struct {
	Table        string
	Column       string
	ParentTable  string
	ParentColumn string
}

// Trigger is a generated capture trigger: a deterministic name plus the DDL
// that creates it.
type Trigger struct {
	Name string
	SQL  string
}

// Dialect is the adapter surface for one backend. Implementations are
// stateless; all state lives in the database handle passed in.
type Dialect interface {
	// Name identifies the dialect ("sqlite" or "mysql").
	Name() string

	// CreateSchema installs the sync_log, sync_state and sync_peer tables.
	// Idempotent.
	CreateSchema(ctx context.Context, db *sql.DB) error

	// DescribeTable introspects a user table. Returns ErrUnsupportedSchema
	// wrapped when the table has no primary key.
	DescribeTable(ctx context.Context, db *sql.DB, table string) (TableSchema, error)

	// CaptureTriggers generates the insert/update/delete capture triggers
	// for a table. Generation is deterministic: the same schema and exclude
	// list always yields byte-identical bodies.
	CaptureTriggers(ts TableSchema, excluded []string) []Trigger

	// ExistingTriggers returns the bodies of triggers currently installed on
	// a table, keyed by trigger name.
	ExistingTriggers(ctx context.Context, db *sql.DB, table string) (map[string]string, error)

	// DropTrigger removes a trigger by name. Missing triggers are not an error.
	DropTrigger(ctx context.Context, db *sql.DB, name string) error

	// BeginSuppressed opens a write session whose capture triggers are
	// short-circuited. The suppression is scoped to the session's connection
	// and is cleared on Commit, Rollback and Close.
	BeginSuppressed(ctx context.Context, db *sql.DB) (*Session, error)

	// Upsert writes a row keyed by pk inside the given session.
	Upsert(ctx context.Context, tx *sql.Tx, table string, pk, cols map[string]any) error

	// Delete removes a row by pk. Deleting a missing row is a no-op.
	Delete(ctx context.Context, tx *sql.Tx, table string, pk map[string]any) error

	// SelectRow reads a row by pk into a column map, or ErrNotFound.
	SelectRow(ctx context.Context, q Querier, table string, pk map[string]any, cols []string) (map[string]any, error)

	// ForeignKeys returns every foreign-key edge leaving the given tables,
	// including edges whose parent table is not in the list.
	ForeignKeys(ctx context.Context, db *sql.DB, tables []string) ([]ForeignKey, error)

	// MaxBatchLimit is the ceiling FetchChanges clamps to.
	MaxBatchLimit() int

	// QuoteIdent quotes a table or column identifier.
	QuoteIdent(name string) string

	// IsForeignKeyViolation classifies a write error as a missing-parent
	// constraint failure (the apply engine defers those).
	IsForeignKeyViolation(err error) bool

	// IsRetryable classifies an error as a transient connection problem
	// worth retrying.
	IsRetryable(err error) bool
}

// Querier is the subset of database/sql shared by *sql.DB, *sql.Conn and
// *sql.Tx that read paths need.
type Querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// TriggerName builds the deterministic capture trigger name for a table and
// operation suffix ("insert", "update", "delete"). Both dialects share the
// naming scheme so reinstallation is recognizable across backends.
func TriggerName(table, op string) string {
	return "sync_capture_" + table + "_" + op
}

// CaptureMarker must appear in every generated trigger body. A trigger that
// carries one of our names but not the marker belongs to the application and
// triggers ErrTriggerConflict at install time.
const CaptureMarker = "sync_log"
