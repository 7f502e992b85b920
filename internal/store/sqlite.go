// Package store provides SQLite-backed records for the synthesis engine:
// the protocol event log, phase-boundary archives, audit trail, token usage
// and routing decisions. The authoritative protocol state lives in the
// state file; these tables are the reporting side.
package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// schemaV1 defines the initial database schema.
const schemaV1 = `
CREATE TABLE IF NOT EXISTS protocol_events (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	pipeline_id  TEXT NOT NULL,
	seq_no       INTEGER NOT NULL,
	phase        TEXT NOT NULL,
	event_type   TEXT NOT NULL,
	payload_json TEXT NOT NULL DEFAULT '{}',
	created_at   INTEGER NOT NULL,
	UNIQUE(pipeline_id, seq_no)
);
CREATE INDEX IF NOT EXISTS idx_events_pipeline_seq ON protocol_events(pipeline_id, seq_no);

CREATE TABLE IF NOT EXISTS phase_snapshots (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	pipeline_id    TEXT NOT NULL,
	from_phase     TEXT NOT NULL,
	to_phase       TEXT NOT NULL DEFAULT '',
	artifacts_json TEXT NOT NULL DEFAULT '[]',
	checksum       TEXT NOT NULL DEFAULT '',
	created_at     INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_snapshots_pipeline_phase ON phase_snapshots(pipeline_id, from_phase);

CREATE TABLE IF NOT EXISTS audit_records (
	id            TEXT PRIMARY KEY,
	pipeline_id   TEXT NOT NULL,
	category      TEXT NOT NULL,
	actor         TEXT NOT NULL DEFAULT '',
	action        TEXT NOT NULL,
	request_json  TEXT NOT NULL DEFAULT '{}',
	decision_json TEXT NOT NULL DEFAULT '{}',
	severity      TEXT NOT NULL DEFAULT 'info',
	created_at    INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_pipeline ON audit_records(pipeline_id);

CREATE TABLE IF NOT EXISTS usage_deltas (
	id                INTEGER PRIMARY KEY AUTOINCREMENT,
	pipeline_id       TEXT NOT NULL,
	phase             TEXT NOT NULL DEFAULT '',
	model_alias       TEXT NOT NULL DEFAULT '',
	model             TEXT NOT NULL DEFAULT '',
	prompt_tokens     INTEGER NOT NULL DEFAULT 0,
	completion_tokens INTEGER NOT NULL DEFAULT 0,
	latency_ms        INTEGER NOT NULL DEFAULT 0,
	created_at        INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_usage_pipeline ON usage_deltas(pipeline_id);

CREATE TABLE IF NOT EXISTS routing_decisions (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	pipeline_id    TEXT NOT NULL,
	phase          TEXT NOT NULL DEFAULT '',
	task_type      TEXT NOT NULL DEFAULT '',
	base_alias     TEXT NOT NULL,
	result_alias   TEXT NOT NULL,
	upgrade_rule   TEXT NOT NULL DEFAULT '',
	input_tokens   INTEGER NOT NULL DEFAULT 0,
	complexity     REAL NOT NULL DEFAULT 0.0,
	final_alias    TEXT NOT NULL DEFAULT '',
	strategy_trail TEXT NOT NULL DEFAULT '[]',
	created_at     INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_routing_pipeline ON routing_decisions(pipeline_id);
`

// NewDB opens a SQLite database at the given path with recommended pragmas
// and runs the V1 schema migration.
func NewDB(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Limit connections to 1 for SQLite (WAL allows concurrent reads but single writer).
	db.SetMaxOpenConns(1)

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate schema: %w", err)
	}

	return db, nil
}

func migrate(db *sql.DB) error {
	_, err := db.ExecContext(context.Background(), schemaV1)
	return err
}
