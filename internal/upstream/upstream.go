// Package upstream defines the narrow facade over the WhatsApp Web client
// library. The supervisor only ever talks to these interfaces; the concrete
// transport is injected at daemon wiring time.
package upstream

import (
	"context"
	"encoding/json"
)

// ConnState is the connection phase reported by a connection update.
type ConnState string

const (
	Connecting ConnState = "connecting"
	Open       ConnState = "open"
	Close      ConnState = "close"
)

// CodeLoggedOut is the disconnect status code meaning the account was
// unpaired server-side. Any other code is a transient close.
const CodeLoggedOut = 401

// Disconnect carries the upstream status code of a connection close.
type Disconnect struct {
	Code int
}

// LoggedOut reports whether the disconnect means the session was unpaired.
func (d *Disconnect) LoggedOut() bool {
	return d != nil && d.Code == CodeLoggedOut
}

// ConnectionUpdate is the polymorphic event emitted by a socket. Consumers
// switch on field presence: QR != "" announces a pairing payload,
// Connection != "" announces a phase change.
type ConnectionUpdate struct {
	Connection     ConnState
	QR             string
	LastDisconnect *Disconnect
}

// KeyStore is the callback pair handed to the upstream library for Signal
// key material. Get must return an entry for every requested id (nil for
// unknown); Set deletes ids mapped to nil and upserts the rest in one
// logical transaction.
type KeyStore interface {
	Get(ctx context.Context, keyType string, ids []string) (map[string]json.RawMessage, error)
	Set(ctx context.Context, values map[string]map[string]json.RawMessage) error
}

// AuthState is the credential material a socket is constructed with.
type AuthState struct {
	Creds *Creds
	Keys  KeyStore
}

// Version is the upstream protocol version triple.
type Version [3]int

// Options tunes socket construction.
type Options struct {
	// DisplayName is the device name shown in the paired phone's UI.
	DisplayName string
}

// Socket is one live upstream connection. Event delivery is serialised: the
// consumer reads updates one at a time in arrival order. Concurrent writes
// to the same socket are not allowed.
type Socket interface {
	// ConnectionUpdates streams connection phase, QR and disconnect events.
	// The channel is closed when the socket is torn down.
	ConnectionUpdates() <-chan ConnectionUpdate
	// CredsUpdates fires whenever the credential blob mutated and should be
	// re-persisted.
	CredsUpdates() <-chan struct{}
	// SendText delivers a text message to the given JID and returns the
	// upstream message id (empty string allowed).
	SendText(ctx context.Context, jid, text string) (string, error)
	// User returns the bound account identity, or nil before pairing
	// completes.
	User() *Contact
	// Logout unpairs the session server-side.
	Logout(ctx context.Context) error
	// Close tears the socket down without unpairing.
	Close() error
}

// Factory constructs sockets and fresh credentials.
type Factory interface {
	NewSocket(ctx context.Context, auth AuthState, version Version, opts Options) (Socket, error)
	// InitAuthCreds synthesises brand-new root credentials for a session
	// that has never paired.
	InitAuthCreds() *Creds
	// ResolveVersion returns the current upstream protocol version.
	ResolveVersion(ctx context.Context) (Version, error)
}
