package supervisor

import (
	"errors"
	"fmt"
)

// Sentinel failures surfaced to API clients. The messages are part of the
// public contract, so they are written in client-facing form.
var (
	ErrSessionNotFound  = errors.New("Whatsapp session not found")
	ErrSessionLoggedOut = errors.New("Session is logged out")
	ErrNotConnected     = errors.New("Session not connected")
	ErrQRTimeout        = errors.New("QR code generation timeout")
	ErrConnectionClosed = errors.New("WhatsApp connection closed")
)

// LockedError reports that another process instance owns the session lease.
// The owner id is included so callers can implement sticky routing.
type LockedError struct {
	APIKey string
	Owner  string
}

func (e *LockedError) Error() string {
	return fmt.Sprintf("Session %s is handled by another instance (%s)", e.APIKey, e.Owner)
}

// ValidationError rejects malformed request input.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

var (
	errInvalidTo   = &ValidationError{Msg: "Invalid 'to' (use digits, 8-15, with country code)"}
	errInvalidText = &ValidationError{Msg: "Invalid 'text' (1-1000 chars)"}
)
