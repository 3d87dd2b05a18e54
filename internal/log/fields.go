package log

// Canonical field name constants for structured logging.
const (
	// Identity fields
	FieldAPIKey    = "api_key"
	FieldSessionID = "session_id"
	FieldRequestID = "request_id"
	FieldOwnerID   = "owner_id"

	// Process fields
	FieldEvent     = "event"
	FieldComponent = "component"

	// State fields
	FieldOldStatus = "old_status"
	FieldNewStatus = "new_status"
	FieldAttempt   = "attempt"
)
