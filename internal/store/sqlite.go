package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// OpenSQLite opens (and creates if needed) the SQLite database at path and
// ensures required tables exist.
func OpenSQLite(ctx context.Context, path string) (*sql.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create sqlite directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := db.ExecContext(pctx, "PRAGMA foreign_keys = ON;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign_keys: %w", err)
	}
	if _, err := db.ExecContext(pctx, "PRAGMA busy_timeout = 5000;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy_timeout: %w", err)
	}
	if err := BootstrapSQLite(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// BootstrapSQLite creates tables/indexes if missing.
//
// status_history and request_review are append-only audit logs: nothing in
// this package issues UPDATE or DELETE against them.
func BootstrapSQLite(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS airlock_request (
  id                     TEXT PRIMARY KEY,
  workspace_id           TEXT NOT NULL,
  type                   TEXT NOT NULL,
  stage                  TEXT NOT NULL,
  title                  TEXT NOT NULL,
  business_justification TEXT NOT NULL,
  properties             JSON,
  created_by             TEXT NOT NULL,
  created_when           TEXT NOT NULL,
  version                INTEGER NOT NULL DEFAULT 1
);`,
		`CREATE TABLE IF NOT EXISTS request_file (
  request_id TEXT NOT NULL REFERENCES airlock_request(id),
  position   INTEGER NOT NULL,
  name       TEXT NOT NULL,
  size       INTEGER NOT NULL,
  checksum   TEXT NOT NULL,
  PRIMARY KEY (request_id, position)
);`,
		`CREATE TABLE IF NOT EXISTS request_review (
  id            TEXT PRIMARY KEY,
  request_id    TEXT NOT NULL REFERENCES airlock_request(id),
  reviewer      TEXT NOT NULL,
  decision      TEXT NOT NULL,
  explanation   TEXT NOT NULL,
  metadata      JSON,
  authoritative INTEGER NOT NULL DEFAULT 0,
  created_at    TEXT NOT NULL
);`,
		`CREATE TABLE IF NOT EXISTS status_history (
  request_id   TEXT NOT NULL REFERENCES airlock_request(id),
  seq          INTEGER NOT NULL,
  stage        TEXT NOT NULL,
  at           TEXT NOT NULL,
  triggered_by TEXT NOT NULL,
  PRIMARY KEY (request_id, seq)
);`,
		`CREATE INDEX IF NOT EXISTS airlock_request_stage_idx ON airlock_request(stage);`,
		`CREATE INDEX IF NOT EXISTS request_review_request_idx ON request_review(request_id);`,
	}

	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap sqlite: %w", err)
		}
	}
	return nil
}
