// Package lock implements the durable single-owner lease over the
// WhatsappSessionLock table. At most one process instance drives a session's
// socket; every other instance sees the lease and stands down.
package lock

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/wagate/wagate/internal/log"
)

// ErrNotHeld is returned by Touch when the caller no longer owns the lease.
var ErrNotHeld = errors.New("lock: lease not held")

// OwnerID returns this process instance's lease identity.
func OwnerID() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}

// Manager acquires and maintains leases for one owner identity.
type Manager struct {
	db    *sql.DB
	owner string
	ttl   time.Duration
}

func New(db *sql.DB, owner string, ttl time.Duration) *Manager {
	return &Manager{db: db, owner: owner, ttl: ttl}
}

// Owner returns the manager's lease identity.
func (m *Manager) Owner() string { return m.owner }

// Acquire takes the lease for apiKey. It succeeds when the row is free,
// already ours (refreshing the timestamp) or stale beyond the TTL. A write
// conflict with a concurrent acquirer counts as failure, never as an error.
func (m *Manager) Acquire(ctx context.Context, apiKey string) (bool, error) {
	now := time.Now().UnixMilli()
	stale := now - m.ttl.Milliseconds()

	res, err := m.db.ExecContext(ctx, `
		INSERT INTO WhatsappSessionLock (api_key, owner_id, acquired_at_ms)
		VALUES (?, ?, ?)
		ON CONFLICT(api_key) DO UPDATE SET
			owner_id = excluded.owner_id,
			acquired_at_ms = excluded.acquired_at_ms
		WHERE WhatsappSessionLock.owner_id = excluded.owner_id
		   OR WhatsappSessionLock.acquired_at_ms < ?`,
		apiKey, m.owner, now, stale)
	if err != nil {
		if isBusy(err) {
			logger := log.WithComponent("lock")
			logger.Debug().
				Str(log.FieldAPIKey, apiKey).
				Msg("lease write conflict, treating as lost race")
			return false, nil
		}
		return false, err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Touch renews the lease timestamp. ErrNotHeld is returned when the lease
// was stolen or released in the meantime.
func (m *Manager) Touch(ctx context.Context, apiKey string) error {
	res, err := m.db.ExecContext(ctx,
		"UPDATE WhatsappSessionLock SET acquired_at_ms = ? WHERE api_key = ? AND owner_id = ?",
		time.Now().UnixMilli(), apiKey, m.owner)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotHeld
	}
	return nil
}

// Release drops the lease if we still hold it. Releasing a lease someone
// else holds is a no-op.
func (m *Manager) Release(ctx context.Context, apiKey string) error {
	_, err := m.db.ExecContext(ctx,
		"DELETE FROM WhatsappSessionLock WHERE api_key = ? AND owner_id = ?",
		apiKey, m.owner)
	return err
}

// ReleaseAll drops every lease this owner holds and returns the count.
// Called on shutdown so a restart does not have to wait out the TTL.
func (m *Manager) ReleaseAll(ctx context.Context) (int64, error) {
	res, err := m.db.ExecContext(ctx,
		"DELETE FROM WhatsappSessionLock WHERE owner_id = ?", m.owner)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Holder reports who currently holds the lease for apiKey and whether the
// lease is fresh. A stale lease reports held=false.
func (m *Manager) Holder(ctx context.Context, apiKey string) (owner string, held bool, err error) {
	var acquiredMs int64
	err = m.db.QueryRowContext(ctx,
		"SELECT owner_id, acquired_at_ms FROM WhatsappSessionLock WHERE api_key = ?",
		apiKey).Scan(&owner, &acquiredMs)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	fresh := time.Since(time.UnixMilli(acquiredMs)) < m.ttl
	return owner, fresh, nil
}

func isBusy(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}
