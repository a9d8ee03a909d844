package sqlite

const schema = `
-- Append-only change log. version doubles as the insertion order; capture
-- triggers assign it under SQLite's serialized write lock as one past the
-- larger of the log head and the persisted log_high_water state row.
CREATE TABLE IF NOT EXISTS sync_log (
    version INTEGER PRIMARY KEY,
    table_name TEXT NOT NULL,
    pk_value TEXT NOT NULL,
    operation INTEGER NOT NULL CHECK(operation IN (0, 1, 2)),
    payload TEXT,
    before_payload TEXT,
    origin TEXT NOT NULL,
    ts TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_sync_log_table_pk ON sync_log(table_name, pk_value);
CREATE INDEX IF NOT EXISTS idx_sync_log_origin ON sync_log(origin);

-- Engine state: origin_id, the per-connection apply suppression flag, and
-- free-form bookkeeping keys.
CREATE TABLE IF NOT EXISTS sync_state (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL
);

-- One row per configured remote peer, including watermark cursors and the
-- coordinator's persisted backoff/quarantine state.
CREATE TABLE IF NOT EXISTS sync_peer (
    peer_id TEXT PRIMARY KEY,
    origin TEXT NOT NULL DEFAULT '',
    endpoint TEXT NOT NULL,
    last_pulled INTEGER NOT NULL DEFAULT 0,
    last_pushed INTEGER NOT NULL DEFAULT 0,
    quarantined INTEGER NOT NULL DEFAULT 0,
    backoff_state TEXT
);
`
