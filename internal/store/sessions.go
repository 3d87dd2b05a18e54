package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// Status is the persisted lifecycle state of a session.
type Status string

const (
	StatusConnected    Status = "CONNECTED"
	StatusDisconnected Status = "DISCONNECTED"
	StatusQR           Status = "QR"
	StatusLoggedOut    Status = "LOGGED_OUT"
	StatusError        Status = "ERROR"

	// StatusConnecting exists only in the in-memory projection between
	// socket construction and the first upstream event. It is never
	// written to the session row.
	StatusConnecting Status = "CONNECTING"
)

// Session is the durable row backing one tenant key.
// Rows are never deleted; logout only clears credential material.
type Session struct {
	ID          int64
	APIKey      string
	DisplayName string
	Status      Status
	HasCreds    bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// UpsertSession creates the session row for apiKey if missing (status
// DISCONNECTED) and updates the display name when one is provided.
func (s *Store) UpsertSession(ctx context.Context, apiKey, displayName string) (*Session, error) {
	now := time.Now().UnixMilli()

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO WhatsappSession (api_key, display_name, status, created_at_ms, updated_at_ms)
		VALUES (?, NULLIF(?, ''), ?, ?, ?)
		ON CONFLICT(api_key) DO UPDATE SET
			display_name = COALESCE(NULLIF(excluded.display_name, ''), WhatsappSession.display_name),
			updated_at_ms = excluded.updated_at_ms`,
		apiKey, displayName, StatusDisconnected, now, now)
	if err != nil {
		return nil, err
	}

	sess, err := scanSessionRow(tx.QueryRowContext(ctx, sessionSelect+" WHERE api_key = ?", apiKey))
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return sess, nil
}

// GetSession returns the row for apiKey, or nil when none exists.
func (s *Store) GetSession(ctx context.Context, apiKey string) (*Session, error) {
	sess, err := scanSessionRow(s.DB.QueryRowContext(ctx, sessionSelect+" WHERE api_key = ?", apiKey))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return sess, err
}

// ListSessions returns all session rows, newest first.
func (s *Store) ListSessions(ctx context.Context) ([]*Session, error) {
	rows, err := s.DB.QueryContext(ctx, sessionSelect+" ORDER BY created_at_ms DESC")
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Session
	for rows.Next() {
		sess, err := scanSessionRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// ListSessionsByStatus returns sessions whose status is in the given set.
func (s *Store) ListSessionsByStatus(ctx context.Context, statuses ...Status) ([]*Session, error) {
	if len(statuses) == 0 {
		return s.ListSessions(ctx)
	}
	query := sessionSelect + " WHERE status IN ("
	args := make([]any, 0, len(statuses))
	for i, st := range statuses {
		if i > 0 {
			query += ","
		}
		query += "?"
		args = append(args, st)
	}
	query += ") ORDER BY created_at_ms DESC"

	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Session
	for rows.Next() {
		sess, err := scanSessionRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// SetStatus persists the lifecycle state for a session.
func (s *Store) SetStatus(ctx context.Context, sessionID int64, status Status) error {
	_, err := s.DB.ExecContext(ctx,
		"UPDATE WhatsappSession SET status = ?, updated_at_ms = ? WHERE id = ?",
		status, time.Now().UnixMilli(), sessionID)
	return err
}

const sessionSelect = `
	SELECT id, api_key, COALESCE(display_name, ''), status,
	       creds_json IS NOT NULL, created_at_ms, updated_at_ms
	FROM WhatsappSession`

func scanSessionRow(scanner interface{ Scan(dest ...any) error }) (*Session, error) {
	var sess Session
	var createdMs, updatedMs int64
	err := scanner.Scan(&sess.ID, &sess.APIKey, &sess.DisplayName, &sess.Status,
		&sess.HasCreds, &createdMs, &updatedMs)
	if err != nil {
		return nil, err
	}
	sess.CreatedAt = time.UnixMilli(createdMs)
	sess.UpdatedAt = time.UnixMilli(updatedMs)
	return &sess, nil
}
