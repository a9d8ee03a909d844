package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"

	"github.com/tandemsync/tandem/internal/dialect"
)

// suppressKey is the sync_state row the capture triggers consult. The apply
// engine inserts it inside its write transaction and deletes it before
// commit; SQLite's single-writer lock means no other connection can run a
// trigger while the flag row exists, which scopes the flag to the applying
// session.
const suppressKey = "apply_suppress"

// Dialect is the embedded-file adapter.
type Dialect struct{}

// New returns the sqlite dialect adapter.
func New() *Dialect {
	return &Dialect{}
}

// Name implements dialect.Dialect.
func (d *Dialect) Name() string { return "sqlite" }

// MaxBatchLimit implements dialect.Dialect.
func (d *Dialect) MaxBatchLimit() int { return 1000 }

// QuoteIdent implements dialect.Dialect.
func (d *Dialect) QuoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// CreateSchema implements dialect.Dialect.
func (d *Dialect) CreateSchema(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize sync schema: %w", err)
	}
	return nil
}

// DescribeTable implements dialect.Dialect.
func (d *Dialect) DescribeTable(ctx context.Context, db *sql.DB, table string) (dialect.TableSchema, error) {
	ts := dialect.TableSchema{Name: table}

	rows, err := db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", d.QuoteIdent(table)))
	if err != nil {
		return ts, dialect.WrapDBError("describe table "+table, err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var (
			cid     int
			name    string
			colType string
			notNull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &dflt, &pk); err != nil {
			return ts, fmt.Errorf("scan table_info for %s: %w", table, err)
		}
		ts.Columns = append(ts.Columns, name)
		if pk > 0 {
			ts.PKColumns = append(ts.PKColumns, name)
		}
	}
	if err := rows.Err(); err != nil {
		return ts, fmt.Errorf("iterate table_info for %s: %w", table, err)
	}

	if len(ts.Columns) == 0 {
		return ts, fmt.Errorf("table %s does not exist: %w", table, dialect.ErrNotFound)
	}
	if len(ts.PKColumns) == 0 {
		return ts, fmt.Errorf("table %s has no primary key: %w", table, dialect.ErrUnsupportedSchema)
	}

	sort.Strings(ts.Columns)
	sort.Strings(ts.PKColumns)
	return ts, nil
}

// CaptureTriggers implements dialect.Dialect. The generated bodies are
// deterministic for a given schema: columns appear in lexicographic order,
// the suppression check and origin lookup are identical across tables.
func (d *Dialect) CaptureTriggers(ts dialect.TableSchema, excluded []string) []dialect.Trigger {
	dataCols := captureColumns(ts, excluded)

	suppressGuard := fmt.Sprintf(
		"WHEN COALESCE((SELECT value FROM sync_state WHERE key='%s'),'0') <> '1'", suppressKey)
	// Allocation takes the persisted high water into account so versions stay
	// strictly increasing after the log has been trimmed.
	nextVersion := "(SELECT IFNULL(MAX(v),0)+1 FROM (" +
		"SELECT version AS v FROM sync_log " +
		"UNION ALL SELECT CAST(value AS INTEGER) FROM sync_state WHERE key='log_high_water'))"
	origin := "(SELECT value FROM sync_state WHERE key='origin_id')"
	now := "strftime('%Y-%m-%dT%H:%M:%fZ','now')"

	insertName := dialect.TriggerName(ts.Name, "insert")
	updateName := dialect.TriggerName(ts.Name, "update")
	deleteName := dialect.TriggerName(ts.Name, "delete")

	return []dialect.Trigger{
		{
			Name: insertName,
			SQL: fmt.Sprintf(`CREATE TRIGGER %s AFTER INSERT ON %s
%s
BEGIN
  INSERT INTO sync_log (version, table_name, pk_value, operation, payload, before_payload, origin, ts)
  VALUES (%s, %s, %s, 0, %s, NULL, %s, %s);
END`,
				d.QuoteIdent(insertName), d.QuoteIdent(ts.Name), suppressGuard,
				nextVersion, quoteLiteral(ts.Name), d.jsonObject("NEW", ts.PKColumns),
				d.jsonObject("NEW", dataCols), origin, now),
		},
		{
			Name: updateName,
			SQL: fmt.Sprintf(`CREATE TRIGGER %s AFTER UPDATE ON %s
%s
BEGIN
  INSERT INTO sync_log (version, table_name, pk_value, operation, payload, before_payload, origin, ts)
  VALUES (%s, %s, %s, 1, %s, %s, %s, %s);
END`,
				d.QuoteIdent(updateName), d.QuoteIdent(ts.Name), suppressGuard,
				nextVersion, quoteLiteral(ts.Name), d.jsonObject("NEW", ts.PKColumns),
				d.jsonObject("NEW", dataCols), d.jsonObject("OLD", dataCols), origin, now),
		},
		{
			Name: deleteName,
			SQL: fmt.Sprintf(`CREATE TRIGGER %s AFTER DELETE ON %s
%s
BEGIN
  INSERT INTO sync_log (version, table_name, pk_value, operation, payload, before_payload, origin, ts)
  VALUES (%s, %s, %s, 2, NULL, NULL, %s, %s);
END`,
				d.QuoteIdent(deleteName), d.QuoteIdent(ts.Name), suppressGuard,
				nextVersion, quoteLiteral(ts.Name), d.jsonObject("OLD", ts.PKColumns), origin, now),
		},
	}
}

// jsonObject builds a json_object(...) call over the given row reference.
// sqlite emits keys in argument order, so the lexicographic column order
// here yields canonical PK JSON directly at capture.
func (d *Dialect) jsonObject(rowRef string, cols []string) string {
	parts := make([]string, 0, len(cols))
	for _, c := range cols {
		parts = append(parts, fmt.Sprintf("%s, %s.%s", quoteLiteral(c), rowRef, d.QuoteIdent(c)))
	}
	return "json_object(" + strings.Join(parts, ", ") + ")"
}

// quoteLiteral quotes a string for use inside generated trigger SQL.
func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// ExistingTriggers implements dialect.Dialect.
func (d *Dialect) ExistingTriggers(ctx context.Context, db *sql.DB, table string) (map[string]string, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT name, sql FROM sqlite_master WHERE type='trigger' AND tbl_name=?`, table)
	if err != nil {
		return nil, dialect.WrapDBError("list triggers for "+table, err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string]string)
	for rows.Next() {
		var name string
		var body sql.NullString
		if err := rows.Scan(&name, &body); err != nil {
			return nil, fmt.Errorf("scan trigger row: %w", err)
		}
		out[name] = body.String
	}
	return out, rows.Err()
}

// DropTrigger implements dialect.Dialect.
func (d *Dialect) DropTrigger(ctx context.Context, db *sql.DB, name string) error {
	_, err := db.ExecContext(ctx, "DROP TRIGGER IF EXISTS "+d.QuoteIdent(name))
	return dialect.WrapDBError("drop trigger "+name, err)
}

// BeginSuppressed implements dialect.Dialect. The flag row is written inside
// the transaction and deleted just before commit, so it is never visible
// outside the applying session.
func (d *Dialect) BeginSuppressed(ctx context.Context, db *sql.DB) (*dialect.Session, error) {
	conn, err := db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire apply connection: %w", err)
	}
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("begin apply transaction: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO sync_state (key, value) VALUES (?, '1')
		 ON CONFLICT (key) DO UPDATE SET value = '1'`, suppressKey); err != nil {
		_ = tx.Rollback()
		_ = conn.Close()
		return nil, fmt.Errorf("set suppression flag: %w", err)
	}

	preCommit := func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `DELETE FROM sync_state WHERE key = ?`, suppressKey)
		return err
	}
	return dialect.NewSession(tx, conn, preCommit, nil), nil
}

// Upsert implements dialect.Dialect.
func (d *Dialect) Upsert(ctx context.Context, tx *sql.Tx, table string, pk, cols map[string]any) error {
	all := make(map[string]any, len(pk)+len(cols))
	for k, v := range cols {
		all[k] = v
	}
	for k, v := range pk {
		all[k] = v
	}

	names := sortedKeys(all)
	pkNames := sortedKeys(pk)

	quoted := make([]string, len(names))
	marks := make([]string, len(names))
	args := make([]any, len(names))
	for i, n := range names {
		quoted[i] = d.QuoteIdent(n)
		marks[i] = "?"
		args[i] = all[n]
	}

	var sets []string
	for _, n := range names {
		if _, isPK := pk[n]; isPK {
			continue
		}
		sets = append(sets, fmt.Sprintf("%s = excluded.%s", d.QuoteIdent(n), d.QuoteIdent(n)))
	}

	conflict := make([]string, len(pkNames))
	for i, n := range pkNames {
		conflict[i] = d.QuoteIdent(n)
	}

	action := "DO NOTHING"
	if len(sets) > 0 {
		action = "DO UPDATE SET " + strings.Join(sets, ", ")
	}

	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) %s",
		d.QuoteIdent(table), strings.Join(quoted, ", "), strings.Join(marks, ", "),
		strings.Join(conflict, ", "), action)

	_, err := tx.ExecContext(ctx, query, args...)
	return dialect.WrapDBError("upsert into "+table, err)
}

// Delete implements dialect.Dialect. Deleting a missing row succeeds.
func (d *Dialect) Delete(ctx context.Context, tx *sql.Tx, table string, pk map[string]any) error {
	where, args := d.whereClause(pk)
	_, err := tx.ExecContext(ctx,
		fmt.Sprintf("DELETE FROM %s WHERE %s", d.QuoteIdent(table), where), args...)
	return dialect.WrapDBError("delete from "+table, err)
}

// SelectRow implements dialect.Dialect.
func (d *Dialect) SelectRow(ctx context.Context, q dialect.Querier, table string, pk map[string]any, cols []string) (map[string]any, error) {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = d.QuoteIdent(c)
	}
	where, args := d.whereClause(pk)
	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s",
		strings.Join(quoted, ", "), d.QuoteIdent(table), where)

	row := q.QueryRowContext(ctx, query, args...)
	vals := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	if err := row.Scan(ptrs...); err != nil {
		return nil, dialect.WrapDBError("select from "+table, err)
	}

	out := make(map[string]any, len(cols))
	for i, c := range cols {
		out[c] = normalizeValue(vals[i])
	}
	return out, nil
}

// ForeignKeys implements dialect.Dialect.
func (d *Dialect) ForeignKeys(ctx context.Context, db *sql.DB, tables []string) ([]dialect.ForeignKey, error) {
	var out []dialect.ForeignKey
	for _, table := range tables {
		rows, err := db.QueryContext(ctx, fmt.Sprintf("PRAGMA foreign_key_list(%s)", d.QuoteIdent(table)))
		if err != nil {
			return nil, dialect.WrapDBError("foreign keys for "+table, err)
		}
		for rows.Next() {
			var (
				id, seq            int
				parent, from       string
				to                 sql.NullString
				onUpd, onDel, mtch string
			)
			if err := rows.Scan(&id, &seq, &parent, &from, &to, &onUpd, &onDel, &mtch); err != nil {
				_ = rows.Close()
				return nil, fmt.Errorf("scan foreign_key_list for %s: %w", table, err)
			}
			out = append(out, dialect.ForeignKey{
				Table:        table,
				Column:       from,
				ParentTable:  parent,
				ParentColumn: to.String,
			})
		}
		if err := rows.Err(); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("iterate foreign_key_list for %s: %w", table, err)
		}
		_ = rows.Close()
	}
	return out, nil
}

// IsForeignKeyViolation implements dialect.Dialect.
func (d *Dialect) IsForeignKeyViolation(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "FOREIGN KEY constraint failed")
}

// IsRetryable implements dialect.Dialect. SQLITE_BUSY surfaces when another
// process holds the write lock past the busy timeout.
func (d *Dialect) IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "busy")
}

func (d *Dialect) whereClause(pk map[string]any) (string, []any) {
	names := sortedKeys(pk)
	conds := make([]string, len(names))
	args := make([]any, len(names))
	for i, n := range names {
		conds[i] = d.QuoteIdent(n) + " = ?"
		args[i] = pk[n]
	}
	return strings.Join(conds, " AND "), args
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func captureColumns(ts dialect.TableSchema, excluded []string) []string {
	skip := make(map[string]bool, len(excluded))
	for _, c := range excluded {
		skip[c] = true
	}
	out := make([]string, 0, len(ts.Columns))
	for _, c := range ts.Columns {
		if !skip[c] {
			out = append(out, c)
		}
	}
	return out
}

// normalizeValue maps driver-returned values to JSON-friendly Go types.
func normalizeValue(v any) any {
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return v
}
