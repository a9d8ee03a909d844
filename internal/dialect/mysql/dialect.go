package mysql

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"

	"github.com/tandemsync/tandem/internal/dialect"
)

// Dialect is the centralized-server adapter.
type Dialect struct{}

// New returns the mysql dialect adapter.
func New() *Dialect {
	return &Dialect{}
}

// Name implements dialect.Dialect.
func (d *Dialect) Name() string { return "mysql" }

// MaxBatchLimit implements dialect.Dialect.
func (d *Dialect) MaxBatchLimit() int { return 1000 }

// QuoteIdent implements dialect.Dialect.
func (d *Dialect) QuoteIdent(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}

// CreateSchema implements dialect.Dialect.
func (d *Dialect) CreateSchema(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schemaStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to initialize sync schema: %w", err)
		}
	}
	return nil
}

// DescribeTable implements dialect.Dialect.
func (d *Dialect) DescribeTable(ctx context.Context, db *sql.DB, table string) (dialect.TableSchema, error) {
	ts := dialect.TableSchema{Name: table}

	rows, err := db.QueryContext(ctx, `
		SELECT COLUMN_NAME, COLUMN_KEY
		FROM information_schema.COLUMNS
		WHERE TABLE_SCHEMA = DATABASE() AND TABLE_NAME = ?`, table)
	if err != nil {
		return ts, dialect.WrapDBError("describe table "+table, err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var name, key string
		if err := rows.Scan(&name, &key); err != nil {
			return ts, fmt.Errorf("scan columns for %s: %w", table, err)
		}
		ts.Columns = append(ts.Columns, name)
		if key == "PRI" {
			ts.PKColumns = append(ts.PKColumns, name)
		}
	}
	if err := rows.Err(); err != nil {
		return ts, fmt.Errorf("iterate columns for %s: %w", table, err)
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

// CaptureTriggers implements dialect.Dialect. version is omitted from the
// insert: the log table's AUTO_INCREMENT allocates it inside the enclosing
// transaction. The server normalizes JSON_OBJECT key order, so the log
// repository re-canonicalizes pk and payload on read.
func (d *Dialect) CaptureTriggers(ts dialect.TableSchema, excluded []string) []dialect.Trigger {
	dataCols := d.captureColumns(ts, excluded)

	origin := "(SELECT value FROM sync_state WHERE `key`='origin_id')"
	now := "DATE_FORMAT(UTC_TIMESTAMP(3), '%Y-%m-%dT%H:%i:%s.%fZ')"

	insertName := dialect.TriggerName(ts.Name, "insert")
	updateName := dialect.TriggerName(ts.Name, "update")
	deleteName := dialect.TriggerName(ts.Name, "delete")

	body := func(name, event, op, pkRef, payload, before string) dialect.Trigger {
		return dialect.Trigger{
			Name: name,
			SQL: "CREATE TRIGGER " + d.QuoteIdent(name) +
				" AFTER " + event + " ON " + d.QuoteIdent(ts.Name) + " FOR EACH ROW\n" +
				"BEGIN\n" +
				"  IF COALESCE(@sync_suppress, 0) <> 1 THEN\n" +
				"    INSERT INTO sync_log (table_name, pk_value, operation, payload, before_payload, origin, ts)\n" +
				"    VALUES (" + quoteLiteral(ts.Name) + ", " + pkRef + ", " + op + ", " + payload + ", " + before + ", " + origin + ", " + now + ");\n" +
				"  END IF;\n" +
				"END",
		}
	}

	return []dialect.Trigger{
		body(insertName, "INSERT", "0", d.jsonObject("NEW", ts.PKColumns), d.jsonObject("NEW", dataCols), "NULL"),
		body(updateName, "UPDATE", "1", d.jsonObject("NEW", ts.PKColumns), d.jsonObject("NEW", dataCols), d.jsonObject("OLD", dataCols)),
		body(deleteName, "DELETE", "2", d.jsonObject("OLD", ts.PKColumns), "NULL", "NULL"),
	}
}

func (d *Dialect) jsonObject(rowRef string, cols []string) string {
	parts := make([]string, 0, len(cols))
	for _, c := range cols {
		parts = append(parts, fmt.Sprintf("%s, %s.%s", quoteLiteral(c), rowRef, d.QuoteIdent(c)))
	}
	return "JSON_OBJECT(" + strings.Join(parts, ", ") + ")"
}

// quoteLiteral quotes a string for use inside generated trigger SQL.
func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// ExistingTriggers implements dialect.Dialect.
func (d *Dialect) ExistingTriggers(ctx context.Context, db *sql.DB, table string) (map[string]string, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT TRIGGER_NAME, ACTION_STATEMENT
		FROM information_schema.TRIGGERS
		WHERE TRIGGER_SCHEMA = DATABASE() AND EVENT_OBJECT_TABLE = ?`, table)
	if err != nil {
		return nil, dialect.WrapDBError("list triggers for "+table, err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string]string)
	for rows.Next() {
		var name, body string
		if err := rows.Scan(&name, &body); err != nil {
			return nil, fmt.Errorf("scan trigger row: %w", err)
		}
		out[name] = body
	}
	return out, rows.Err()
}

// DropTrigger implements dialect.Dialect.
func (d *Dialect) DropTrigger(ctx context.Context, db *sql.DB, name string) error {
	_, err := db.ExecContext(ctx, "DROP TRIGGER IF EXISTS "+d.QuoteIdent(name))
	return dialect.WrapDBError("drop trigger "+name, err)
}

// BeginSuppressed implements dialect.Dialect. The session variable is set on
// a pinned connection; database/sql would otherwise round-robin statements
// over the pool and the flag would not cover the batch.
func (d *Dialect) BeginSuppressed(ctx context.Context, db *sql.DB) (*dialect.Session, error) {
	conn, err := db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire apply connection: %w", err)
	}
	if _, err := conn.ExecContext(ctx, "SET @sync_suppress = 1"); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("set suppression variable: %w", err)
	}
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		_, _ = conn.ExecContext(ctx, "SET @sync_suppress = NULL")
		_ = conn.Close()
		return nil, fmt.Errorf("begin apply transaction: %w", err)
	}

	clear := func(ctx context.Context) error {
		_, err := conn.ExecContext(ctx, "SET @sync_suppress = NULL")
		return err
	}
	return dialect.NewSession(tx, conn, nil, clear), nil
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
		sets = append(sets, fmt.Sprintf("%s = VALUES(%s)", d.QuoteIdent(n), d.QuoteIdent(n)))
	}
	if len(sets) == 0 {
		// All columns are part of the key; refresh one to keep the statement valid.
		n := names[0]
		sets = append(sets, fmt.Sprintf("%s = VALUES(%s)", d.QuoteIdent(n), d.QuoteIdent(n)))
	}

	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON DUPLICATE KEY UPDATE %s",
		d.QuoteIdent(table), strings.Join(quoted, ", "), strings.Join(marks, ", "),
		strings.Join(sets, ", "))

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
		if b, ok := vals[i].([]byte); ok {
			out[c] = string(b)
		} else {
			out[c] = vals[i]
		}
	}
	return out, nil
}

// ForeignKeys implements dialect.Dialect.
func (d *Dialect) ForeignKeys(ctx context.Context, db *sql.DB, tables []string) ([]dialect.ForeignKey, error) {
	if len(tables) == 0 {
		return nil, nil
	}
	marks := strings.TrimSuffix(strings.Repeat("?,", len(tables)), ",")
	args := make([]any, len(tables))
	for i, t := range tables {
		args[i] = t
	}

	rows, err := db.QueryContext(ctx, `
		SELECT TABLE_NAME, COLUMN_NAME, REFERENCED_TABLE_NAME, REFERENCED_COLUMN_NAME
		FROM information_schema.KEY_COLUMN_USAGE
		WHERE TABLE_SCHEMA = DATABASE()
		  AND REFERENCED_TABLE_NAME IS NOT NULL
		  AND TABLE_NAME IN (`+marks+`)`, args...)
	if err != nil {
		return nil, dialect.WrapDBError("foreign keys", err)
	}
	defer func() { _ = rows.Close() }()

	var out []dialect.ForeignKey
	for rows.Next() {
		var fk dialect.ForeignKey
		if err := rows.Scan(&fk.Table, &fk.Column, &fk.ParentTable, &fk.ParentColumn); err != nil {
			return nil, fmt.Errorf("scan foreign key row: %w", err)
		}
		out = append(out, fk)
	}
	return out, rows.Err()
}

// IsForeignKeyViolation implements dialect.Dialect. Errors 1452 (insert) and
// 1451 (delete) both carry this phrasing.
func (d *Dialect) IsForeignKeyViolation(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(strings.ToLower(err.Error()), "foreign key constraint fails")
}

// IsRetryable implements dialect.Dialect.
func (d *Dialect) IsRetryable(err error) bool {
	return isRetryableError(err)
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

func (d *Dialect) captureColumns(ts dialect.TableSchema, excluded []string) []string {
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

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
