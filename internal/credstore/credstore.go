// Package credstore persists per-session credential material: the root
// credential blob on the session row and the Signal key records in the
// WhatsappCredential table.
package credstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/wagate/wagate/internal/upstream"
)

// Store reads and writes credential material for sessions.
type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// LoadCreds returns the root credential blob for the session, or nil when
// the session has never paired.
func (s *Store) LoadCreds(ctx context.Context, sessionID int64) (*upstream.Creds, error) {
	var raw sql.NullString
	err := s.db.QueryRowContext(ctx,
		"SELECT creds_json FROM WhatsappSession WHERE id = ?", sessionID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !raw.Valid {
		return nil, nil
	}

	var creds upstream.Creds
	if err := json.Unmarshal([]byte(raw.String), &creds); err != nil {
		return nil, fmt.Errorf("credstore: corrupt creds for session %d: %w", sessionID, err)
	}
	return &creds, nil
}

// SaveCreds atomically replaces the root credential blob.
func (s *Store) SaveCreds(ctx context.Context, sessionID int64, creds *upstream.Creds) error {
	raw, err := json.Marshal(creds)
	if err != nil {
		return fmt.Errorf("credstore: marshal creds: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		"UPDATE WhatsappSession SET creds_json = ?, updated_at_ms = ? WHERE id = ?",
		string(raw), time.Now().UnixMilli(), sessionID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("credstore: session %d not found", sessionID)
	}
	return nil
}

// ClearSessionData removes all credential material for the session in one
// transaction: every key record and the root blob.
func (s *Store) ClearSessionData(ctx context.Context, sessionID int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		"DELETE FROM WhatsappCredential WHERE session_id = ?", sessionID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		"UPDATE WhatsappSession SET creds_json = NULL, updated_at_ms = ? WHERE id = ?",
		time.Now().UnixMilli(), sessionID); err != nil {
		return err
	}
	return tx.Commit()
}

// CredentialDump is a read-only export of everything stored for a session.
type CredentialDump struct {
	Creds *upstream.Creds                       `json:"creds"`
	Keys  map[string]map[string]json.RawMessage `json:"keys"`
}

// Dump exports the root blob and every key record for diagnostics. The
// result is a snapshot; concurrent writers are not blocked.
func (s *Store) Dump(ctx context.Context, sessionID int64) (*CredentialDump, error) {
	creds, err := s.LoadCreds(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT type, key_id, value_json FROM WhatsappCredential WHERE session_id = ?", sessionID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	dump := &CredentialDump{Creds: creds, Keys: make(map[string]map[string]json.RawMessage)}
	for rows.Next() {
		var keyType, id, value string
		if err := rows.Scan(&keyType, &id, &value); err != nil {
			return nil, err
		}
		if dump.Keys[keyType] == nil {
			dump.Keys[keyType] = make(map[string]json.RawMessage)
		}
		dump.Keys[keyType][id] = json.RawMessage(value)
	}
	return dump, rows.Err()
}

// Keys returns the key-record store scoped to one session, in the callback
// shape the upstream library expects.
func (s *Store) Keys(sessionID int64) upstream.KeyStore {
	return &keyStore{db: s.db, sessionID: sessionID}
}

type keyStore struct {
	db        *sql.DB
	sessionID int64
}

// Get returns an entry for every requested id; ids with no stored record map
// to nil so the caller can distinguish "unknown" from "absent from result".
func (k *keyStore) Get(ctx context.Context, keyType string, ids []string) (map[string]json.RawMessage, error) {
	out := make(map[string]json.RawMessage, len(ids))
	for _, id := range ids {
		out[id] = nil
	}
	if len(ids) == 0 {
		return out, nil
	}

	query := "SELECT key_id, value_json FROM WhatsappCredential WHERE session_id = ? AND type = ? AND key_id IN ("
	args := make([]any, 0, len(ids)+2)
	args = append(args, k.sessionID, keyType)
	for i, id := range ids {
		if i > 0 {
			query += ","
		}
		query += "?"
		args = append(args, id)
	}
	query += ")"

	rows, err := k.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var id, value string
		if err := rows.Scan(&id, &value); err != nil {
			return nil, err
		}
		out[id] = json.RawMessage(value)
	}
	return out, rows.Err()
}

// Set applies all mutations in one transaction: nil values delete the
// record, everything else is upserted.
func (k *keyStore) Set(ctx context.Context, values map[string]map[string]json.RawMessage) error {
	tx, err := k.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for keyType, records := range values {
		for id, value := range records {
			if value == nil {
				_, err = tx.ExecContext(ctx,
					"DELETE FROM WhatsappCredential WHERE session_id = ? AND type = ? AND key_id = ?",
					k.sessionID, keyType, id)
			} else {
				_, err = tx.ExecContext(ctx, `
					INSERT INTO WhatsappCredential (session_id, type, key_id, value_json)
					VALUES (?, ?, ?, ?)
					ON CONFLICT(session_id, type, key_id) DO UPDATE SET value_json = excluded.value_json`,
					k.sessionID, keyType, id, string(value))
			}
			if err != nil {
				return err
			}
		}
	}
	return tx.Commit()
}
