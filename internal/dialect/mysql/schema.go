package mysql

// schemaStatements are executed one at a time; go-sql-driver does not allow
// multiple statements per Exec without multiStatements, which we avoid.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS sync_log (
		version BIGINT NOT NULL AUTO_INCREMENT PRIMARY KEY,
		table_name VARCHAR(255) NOT NULL,
		pk_value TEXT NOT NULL,
		operation TINYINT NOT NULL,
		payload LONGTEXT,
		before_payload LONGTEXT,
		origin VARCHAR(64) NOT NULL,
		ts VARCHAR(32) NOT NULL,
		INDEX idx_sync_log_table_pk (table_name, pk_value(255)),
		INDEX idx_sync_log_origin (origin)
	)`,
	`CREATE TABLE IF NOT EXISTS sync_state (
		` + "`key`" + ` VARCHAR(255) NOT NULL PRIMARY KEY,
		value TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS sync_peer (
		peer_id VARCHAR(255) NOT NULL PRIMARY KEY,
		origin VARCHAR(64) NOT NULL DEFAULT '',
		endpoint VARCHAR(1024) NOT NULL,
		last_pulled BIGINT NOT NULL DEFAULT 0,
		last_pushed BIGINT NOT NULL DEFAULT 0,
		quarantined TINYINT NOT NULL DEFAULT 0,
		backoff_state TEXT
	)`,
}
