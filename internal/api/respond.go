package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/wagate/wagate/internal/log"
	"github.com/wagate/wagate/internal/registry"
	"github.com/wagate/wagate/internal/supervisor"
)

type successEnvelope struct {
	Status  string `json:"status"`
	Data    any    `json:"data,omitempty"`
	Message string `json:"message,omitempty"`
}

type errorEnvelope struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

func respondData(w http.ResponseWriter, code int, data any) {
	writeJSON(w, code, successEnvelope{Status: "success", Data: data})
}

func respondMessage(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, successEnvelope{Status: "success", Message: msg})
}

func respondError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, errorEnvelope{Status: "error", Message: msg})
}

// respondFailure maps supervisor and registry failures to their HTTP
// surface. Anything unmapped is an internal error; its cause is logged and
// a generic message returned.
func respondFailure(w http.ResponseWriter, r *http.Request, err error) {
	var (
		lockedErr     *supervisor.LockedError
		validationErr *supervisor.ValidationError
	)
	switch {
	case errors.Is(err, registry.ErrNotRegistered):
		respondError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, supervisor.ErrSessionNotFound):
		respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, supervisor.ErrSessionLoggedOut):
		respondError(w, http.StatusConflict, err.Error())
	case errors.Is(err, supervisor.ErrNotConnected):
		respondError(w, http.StatusServiceUnavailable, err.Error())
	case errors.As(err, &lockedErr):
		respondError(w, http.StatusLocked, lockedErr.Error())
	case errors.As(err, &validationErr):
		respondError(w, http.StatusBadRequest, validationErr.Error())
	case errors.Is(err, registry.ErrKeyExhausted):
		respondError(w, http.StatusInternalServerError, "Unable to generate API key, please retry")
	case errors.Is(err, supervisor.ErrQRTimeout),
		errors.Is(err, supervisor.ErrConnectionClosed):
		// Typed lifecycle failures keep their specific message.
		respondError(w, http.StatusInternalServerError, err.Error())
	default:
		log.FromContext(r.Context()).Error().Err(err).
			Str("path", r.URL.Path).
			Msg("request failed")
		respondError(w, http.StatusInternalServerError, "Internal server error")
	}
}
