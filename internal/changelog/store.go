// Package changelog owns the append-only change log: schema install, capture
// trigger installation, origin identity, reading change ranges, per-peer
// watermarks and tombstone-safe trimming.
package changelog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/tandemsync/tandem/internal/dialect"
	"github.com/tandemsync/tandem/internal/types"
)

// ErrNotFound indicates the requested log entry, state key or peer row does
// not exist.
var ErrNotFound = dialect.ErrNotFound

// TableConfig names a user table to capture and its excluded columns
// (passwords, hashes, ephemeral stamps).
type TableConfig struct {
	Name            string
	ExcludedColumns []string
}

// Store is the log repository for one node.
type Store struct {
	db     *sql.DB
	d      dialect.Dialect
	origin string // cached after first read
}

// New wraps an open database handle with a dialect adapter.
func New(db *sql.DB, d dialect.Dialect) *Store {
	return &Store{db: db, d: d}
}

// DB exposes the underlying handle for the apply engine and tests. Callers
// must not close it.
func (s *Store) DB() *sql.DB { return s.db }

// Dialect returns the adapter the store was opened with.
func (s *Store) Dialect() dialect.Dialect { return s.d }

// Install creates the sync tables, assigns the node origin on first install,
// and installs capture triggers for every configured table.
func (s *Store) Install(ctx context.Context, tables []TableConfig) error {
	if err := s.d.CreateSchema(ctx, s.db); err != nil {
		return err
	}
	if _, err := s.ensureOrigin(ctx); err != nil {
		return err
	}
	for _, tc := range tables {
		if err := s.InstallTable(ctx, tc); err != nil {
			return err
		}
	}
	return nil
}

// Origin returns the node's stable origin id, creating it on first call.
func (s *Store) Origin(ctx context.Context) (string, error) {
	if s.origin != "" {
		return s.origin, nil
	}
	return s.ensureOrigin(ctx)
}

func (s *Store) ensureOrigin(ctx context.Context) (string, error) {
	qk := s.d.QuoteIdent("key")
	var origin string
	err := s.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT value FROM sync_state WHERE %s = 'origin_id'", qk)).Scan(&origin)
	if err == nil {
		s.origin = origin
		return origin, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("read origin id: %w", err)
	}

	origin = uuid.NewString()
	_, err = s.db.ExecContext(ctx,
		fmt.Sprintf("INSERT INTO sync_state (%s, value) VALUES ('origin_id', ?)", qk), origin)
	if err != nil {
		// Lost a race with a concurrent installer; take whatever won.
		var existing string
		if rerr := s.db.QueryRowContext(ctx,
			fmt.Sprintf("SELECT value FROM sync_state WHERE %s = 'origin_id'", qk)).Scan(&existing); rerr == nil {
			s.origin = existing
			return existing, nil
		}
		return "", fmt.Errorf("assign origin id: %w", err)
	}
	s.origin = origin
	return origin, nil
}

const fetchColumns = "version, table_name, pk_value, operation, payload, before_payload, origin, ts"

// FetchChanges returns up to limit entries with version strictly greater
// than fromVersion, ascending. limit is clamped to the dialect ceiling.
// Entries whose origin equals echoFilter are never returned. hasMore is set
// when more entries remain past the returned page.
func (s *Store) FetchChanges(ctx context.Context, fromVersion int64, limit int, echoFilter string) ([]types.ChangeEntry, bool, error) {
	ceiling := s.d.MaxBatchLimit()
	if limit <= 0 || limit > ceiling {
		limit = ceiling
	}

	query := "SELECT " + fetchColumns + " FROM sync_log WHERE version > ?"
	args := []any{fromVersion}
	if echoFilter != "" {
		query += " AND origin <> ?"
		args = append(args, echoFilter)
	}
	query += " ORDER BY version ASC LIMIT ?"
	args = append(args, limit+1)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, false, fmt.Errorf("fetch changes from %d: %w", fromVersion, err)
	}
	defer func() { _ = rows.Close() }()

	var entries []types.ChangeEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, false, err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, false, fmt.Errorf("iterate changes: %w", err)
	}

	hasMore := false
	if len(entries) > limit {
		entries = entries[:limit]
		hasMore = true
	}
	return entries, hasMore, nil
}

// LatestSince returns the most recent entry for (table, pk) with version
// strictly greater than sinceVersion, or nil. pkJSON is compared canonically
// so entries captured by either dialect match.
func (s *Store) LatestSince(ctx context.Context, table, pkJSON string, sinceVersion int64) (*types.ChangeEntry, error) {
	wantPK, err := types.CanonicalizeObject(pkJSON)
	if err != nil {
		return nil, fmt.Errorf("canonicalize pk: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT "+fetchColumns+" FROM sync_log WHERE table_name = ? AND version > ? ORDER BY version DESC",
		table, sinceVersion)
	if err != nil {
		return nil, fmt.Errorf("latest entry for %s: %w", table, err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		if entry.PkValue == wantPK {
			return &entry, nil
		}
	}
	return nil, rows.Err()
}

// MaxVersion returns the highest version in the log, 0 when empty.
func (s *Store) MaxVersion(ctx context.Context) (int64, error) {
	var v sql.NullInt64
	err := s.db.QueryRowContext(ctx, "SELECT MAX(version) FROM sync_log").Scan(&v)
	if err != nil {
		return 0, fmt.Errorf("max log version: %w", err)
	}
	return v.Int64, nil
}

// scanEntry reads one sync_log row and canonicalizes its JSON fields. The
// row hash is computed here rather than stored: the log is append-only and
// the hash is a pure function of the entry.
func scanEntry(rows *sql.Rows) (types.ChangeEntry, error) {
	var (
		entry   types.ChangeEntry
		op      int
		payload sql.NullString
		before  sql.NullString
	)
	if err := rows.Scan(&entry.Version, &entry.TableName, &entry.PkValue, &op,
		&payload, &before, &entry.Origin, &entry.Timestamp); err != nil {
		return entry, fmt.Errorf("scan log entry: %w", err)
	}
	entry.Operation = types.Operation(op)

	pk, err := types.CanonicalizeObject(entry.PkValue)
	if err != nil {
		return entry, fmt.Errorf("canonicalize pk of entry %d: %w", entry.Version, err)
	}
	entry.PkValue = pk

	if payload.Valid {
		canon, err := types.CanonicalizeObject(payload.String)
		if err != nil {
			return entry, fmt.Errorf("canonicalize payload of entry %d: %w", entry.Version, err)
		}
		entry.Payload = &canon
	}
	if before.Valid {
		canon, err := types.CanonicalizeObject(before.String)
		if err != nil {
			return entry, fmt.Errorf("canonicalize before-payload of entry %d: %w", entry.Version, err)
		}
		entry.BeforePayload = &canon
	}

	if entry.Operation != types.OpDelete {
		hash, err := types.RowHash(entry.TableName, entry.PkValue, entry.Payload)
		if err != nil {
			return entry, fmt.Errorf("hash entry %d: %w", entry.Version, err)
		}
		entry.RowHash = &hash
	}
	return entry, nil
}
