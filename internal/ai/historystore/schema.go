package historystore

import (
	"database/sql"
	"errors"
	"fmt"
)

func initSchema(db *sql.DB) error {
	if db == nil {
		return errors.New("nil db")
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		return fmt.Errorf("pragma journal_mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=3000;`); err != nil {
		return fmt.Errorf("pragma busy_timeout: %w", err)
	}
	return migrateSchema(db)
}

func migrateSchema(db *sql.DB) error {
	const targetVersion = 2

	var v int
	if err := db.QueryRow(`PRAGMA user_version;`).Scan(&v); err != nil {
		return fmt.Errorf("pragma user_version: %w", err)
	}
	if v >= targetVersion {
		return nil
	}

	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if v < 1 {
		if _, err := tx.Exec(`
CREATE TABLE IF NOT EXISTS sessions (
  session_id TEXT PRIMARY KEY,
  title TEXT NOT NULL DEFAULT '',
  agent_status TEXT NOT NULL DEFAULT 'pending',
  instance_status TEXT NOT NULL DEFAULT 'starting',
  default_model TEXT NOT NULL DEFAULT '',
  created_at_unix_ms INTEGER NOT NULL,
  updated_at_unix_ms INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(agent_status, updated_at_unix_ms DESC);
CREATE TABLE IF NOT EXISTS items (
  session_id TEXT NOT NULL,
  seq_key TEXT NOT NULL,
  role TEXT NOT NULL,
  kind TEXT NOT NULL,
  content_json TEXT NOT NULL,
  token_count INTEGER NOT NULL DEFAULT 0,
  model_override TEXT NOT NULL DEFAULT '',
  created_at_unix_ms INTEGER NOT NULL,
  PRIMARY KEY(session_id, seq_key)
);
`); err != nil {
			return fmt.Errorf("create schema v1: %w", err)
		}
	}
	if v < 2 {
		// v2: per-session agent profile.
		if _, err := tx.Exec(`ALTER TABLE sessions ADD COLUMN agent_profile TEXT NOT NULL DEFAULT '';`); err != nil {
			return fmt.Errorf("migrate v2: %w", err)
		}
	}

	if _, err := tx.Exec(fmt.Sprintf(`PRAGMA user_version = %d;`, targetVersion)); err != nil {
		return err
	}
	return tx.Commit()
}
