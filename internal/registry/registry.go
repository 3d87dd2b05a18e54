// Package registry manages tenant API keys.
package registry

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/wagate/wagate/internal/log"
)

const (
	keyPrefix = "wg_"
	// keyBytes yields 192 bits of entropy, rendered lower-hex.
	keyBytes = 24
	// maxGenerateAttempts bounds unique-collision retries.
	maxGenerateAttempts = 5
)

var (
	// ErrNotRegistered is returned uniformly for missing and deactivated
	// keys so callers cannot probe key existence.
	ErrNotRegistered = errors.New("API key not registered")
	// ErrKeyExhausted signals repeated unique-key collisions.
	ErrKeyExhausted = errors.New("unable to generate API key")
)

// APIKey is one tenant credential. Keys are never hard-deleted.
type APIKey struct {
	Key       string    `json:"key"`
	Label     string    `json:"label,omitempty"`
	IsActive  bool      `json:"isActive"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Registry is backed by the ApiKey table.
type Registry struct {
	DB *sql.DB
}

func New(db *sql.DB) *Registry {
	return &Registry{DB: db}
}

// List returns all keys, newest first.
func (r *Registry) List(ctx context.Context) ([]*APIKey, error) {
	rows, err := r.DB.QueryContext(ctx,
		"SELECT key, COALESCE(label, ''), is_active, created_at_ms, updated_at_ms FROM ApiKey ORDER BY created_at_ms DESC")
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*APIKey
	for rows.Next() {
		k, err := scanKey(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

// Generate creates a new random key. It retries a bounded number of times
// on unique-key collision and surfaces ErrKeyExhausted afterwards.
func (r *Registry) Generate(ctx context.Context, label string) (*APIKey, error) {
	for attempt := 1; attempt <= maxGenerateAttempts; attempt++ {
		key, err := randomKey()
		if err != nil {
			return nil, fmt.Errorf("registry: entropy source failed: %w", err)
		}

		now := time.Now().UnixMilli()
		_, err = r.DB.ExecContext(ctx,
			"INSERT INTO ApiKey (key, label, is_active, created_at_ms, updated_at_ms) VALUES (?, NULLIF(?, ''), 1, ?, ?)",
			key, label, now, now)
		if err != nil {
			if isUniqueViolation(err) {
				logger := log.WithComponent("registry")
				logger.Warn().
					Int(log.FieldAttempt, attempt).
					Msg("api key collision, retrying")
				continue
			}
			return nil, err
		}

		return &APIKey{
			Key:       key,
			Label:     label,
			IsActive:  true,
			CreatedAt: time.UnixMilli(now),
			UpdatedAt: time.UnixMilli(now),
		}, nil
	}
	return nil, ErrKeyExhausted
}

// AssertActive trims surrounding whitespace and returns the record iff the
// key exists and is active. Missing and deactivated keys are
// indistinguishable to the caller.
func (r *Registry) AssertActive(ctx context.Context, key string) (*APIKey, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, ErrNotRegistered
	}

	k, err := scanKey(r.DB.QueryRowContext(ctx,
		"SELECT key, COALESCE(label, ''), is_active, created_at_ms, updated_at_ms FROM ApiKey WHERE key = ?", key))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotRegistered
	}
	if err != nil {
		return nil, err
	}
	if !k.IsActive {
		return nil, ErrNotRegistered
	}
	return k, nil
}

// Deactivate flips is_active off. Returns nil (no error) when the key does
// not exist.
func (r *Registry) Deactivate(ctx context.Context, key string) (*APIKey, error) {
	key = strings.TrimSpace(key)

	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		"UPDATE ApiKey SET is_active = 0, updated_at_ms = ? WHERE key = ?",
		time.Now().UnixMilli(), key)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, nil
	}

	k, err := scanKey(tx.QueryRowContext(ctx,
		"SELECT key, COALESCE(label, ''), is_active, created_at_ms, updated_at_ms FROM ApiKey WHERE key = ?", key))
	if err != nil {
		return nil, err
	}
	return k, tx.Commit()
}

func randomKey() (string, error) {
	buf := make([]byte, keyBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return keyPrefix + hex.EncodeToString(buf), nil
}

func isUniqueViolation(err error) bool {
	// modernc.org/sqlite surfaces constraint failures in the error text;
	// there is no exported sentinel for SQLITE_CONSTRAINT_UNIQUE.
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func scanKey(scanner interface{ Scan(dest ...any) error }) (*APIKey, error) {
	var k APIKey
	var createdMs, updatedMs int64
	if err := scanner.Scan(&k.Key, &k.Label, &k.IsActive, &createdMs, &updatedMs); err != nil {
		return nil, err
	}
	k.CreatedAt = time.UnixMilli(createdMs)
	k.UpdatedAt = time.UnixMilli(updatedMs)
	return &k, nil
}
