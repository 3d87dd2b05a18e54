// Package store owns the durable schema and the WhatsappSession table.
package store

import (
	"database/sql"
	"fmt"

	"github.com/wagate/wagate/internal/persistence/sqlite"
)

const schemaVersion = 1

// Store wraps the shared database handle and the session table.
type Store struct {
	DB *sql.DB
}

// Open initializes the database and runs migrations.
func Open(databaseURL string) (*Store, error) {
	db, err := sqlite.Open(databaseURL, sqlite.DefaultConfig())
	if err != nil {
		return nil, err
	}

	s := &Store{DB: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: migration failed: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.DB.Close()
}

func (s *Store) migrate() error {
	var currentVersion int
	if err := s.DB.QueryRow("PRAGMA user_version").Scan(&currentVersion); err != nil {
		return err
	}
	if currentVersion >= schemaVersion {
		return nil
	}

	tx, err := s.DB.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	schema := `
	CREATE TABLE IF NOT EXISTS ApiKey (
		key TEXT PRIMARY KEY,
		label TEXT,
		is_active INTEGER NOT NULL DEFAULT 1,
		created_at_ms INTEGER NOT NULL,
		updated_at_ms INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS WhatsappSession (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		api_key TEXT NOT NULL UNIQUE
			REFERENCES ApiKey(key) ON DELETE RESTRICT ON UPDATE CASCADE,
		display_name TEXT,
		status TEXT NOT NULL,
		creds_json TEXT,
		created_at_ms INTEGER NOT NULL,
		updated_at_ms INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS WhatsappCredential (
		session_id INTEGER NOT NULL
			REFERENCES WhatsappSession(id) ON DELETE CASCADE,
		type TEXT NOT NULL,
		key_id TEXT NOT NULL,
		value_json TEXT NOT NULL,
		UNIQUE(session_id, type, key_id)
	);

	CREATE TABLE IF NOT EXISTS WhatsappSessionLock (
		api_key TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		acquired_at_ms INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_session_lock_owner ON WhatsappSessionLock(owner_id);
	CREATE INDEX IF NOT EXISTS idx_credential_session ON WhatsappCredential(session_id);
	`

	if _, err := tx.Exec(schema); err != nil {
		return err
	}

	if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", schemaVersion)); err != nil {
		return err
	}

	return tx.Commit()
}
