package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/wagate/wagate/internal/bus"
)

type handlers struct {
	deps Deps
}

func (h *handlers) healthz(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := h.deps.Store.DB.PingContext(ctx); err != nil {
		respondError(w, http.StatusServiceUnavailable, "database unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handlers) listKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := h.deps.Registry.List(r.Context())
	if err != nil {
		respondFailure(w, r, err)
		return
	}
	respondData(w, http.StatusOK, keys)
}

func (h *handlers) createKey(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Label string `json:"label"`
	}
	if r.Body != nil {
		// An empty body means no label; malformed JSON is still a client error.
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
			respondError(w, http.StatusBadRequest, "Invalid request body")
			return
		}
	}

	key, err := h.deps.Registry.Generate(r.Context(), body.Label)
	if err != nil {
		respondFailure(w, r, err)
		return
	}
	respondData(w, http.StatusCreated, key)
}

func (h *handlers) deactivateKey(w http.ResponseWriter, r *http.Request) {
	key, err := h.deps.Registry.Deactivate(r.Context(), chi.URLParam(r, "key"))
	if err != nil {
		respondFailure(w, r, err)
		return
	}
	if key == nil {
		respondError(w, http.StatusNotFound, "API key not found")
		return
	}
	respondData(w, http.StatusOK, key)
}

// sessionView is the list representation of a session row.
type sessionView struct {
	ID          int64     `json:"id"`
	APIKey      string    `json:"apiKey"`
	DisplayName string    `json:"displayName,omitempty"`
	Status      string    `json:"status"`
	HasCreds    bool      `json:"hasCreds"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

func (h *handlers) listSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.deps.Store.ListSessions(r.Context())
	if err != nil {
		respondFailure(w, r, err)
		return
	}
	views := make([]sessionView, 0, len(sessions))
	for _, s := range sessions {
		views = append(views, sessionView{
			ID:          s.ID,
			APIKey:      s.APIKey,
			DisplayName: s.DisplayName,
			Status:      string(s.Status),
			HasCreds:    s.HasCreds,
			CreatedAt:   s.CreatedAt,
			UpdatedAt:   s.UpdatedAt,
		})
	}
	respondData(w, http.StatusOK, views)
}

func (h *handlers) getQR(w http.ResponseWriter, r *http.Request) {
	var body struct {
		DisplayName string `json:"displayName"`
	}
	if r.Body != nil {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
			respondError(w, http.StatusBadRequest, "Invalid request body")
			return
		}
	}

	res, err := h.deps.Supervisor.GetQR(r.Context(), chi.URLParam(r, "apiKey"), body.DisplayName)
	if err != nil {
		respondFailure(w, r, err)
		return
	}
	respondData(w, http.StatusOK, res)
}

func (h *handlers) logout(w http.ResponseWriter, r *http.Request) {
	if err := h.deps.Supervisor.Logout(r.Context(), chi.URLParam(r, "apiKey")); err != nil {
		respondFailure(w, r, err)
		return
	}
	respondMessage(w, http.StatusOK, "Logged out")
}

func (h *handlers) status(w http.ResponseWriter, r *http.Request) {
	info, err := h.deps.Supervisor.ConnectionStatus(r.Context(), chi.URLParam(r, "apiKey"))
	if err != nil {
		respondFailure(w, r, err)
		return
	}
	respondData(w, http.StatusOK, info)
}

func (h *handlers) stream(w http.ResponseWriter, r *http.Request) {
	apiKey := chi.URLParam(r, "apiKey")

	info, err := h.deps.Supervisor.ConnectionStatus(r.Context(), apiKey)
	if err != nil {
		respondFailure(w, r, err)
		return
	}

	initial := &bus.StatusEvent{
		APIKey:    info.APIKey,
		Status:    info.Status,
		Connected: info.Connected,
	}
	h.deps.Hub.Serve(w, r, apiKey, initial, h.deps.Supervisor.CurrentQR(apiKey))
}

func (h *handlers) send(w http.ResponseWriter, r *http.Request) {
	var body struct {
		To   string `json:"to"`
		Text string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	msgID, err := h.deps.Supervisor.SendText(r.Context(), chi.URLParam(r, "apiKey"), body.To, body.Text)
	if err != nil {
		respondFailure(w, r, err)
		return
	}
	respondData(w, http.StatusOK, map[string]string{"messageId": msgID})
}
