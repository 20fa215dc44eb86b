package handlers

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/wolfman30/patient-portal/internal/session"
	"github.com/wolfman30/patient-portal/pkg/logging"
)

// SessionHandler signs the portal user in and out.
type SessionHandler struct {
	sessions *session.Manager
	engine   Engine
	logger   *logging.Logger
}

type sessionRequest struct {
	Token string `json:"token"`
}

type sessionResponse struct {
	session.Identity
	Paused bool `json:"sync_paused"`
}

func NewSessionHandler(sessions *session.Manager, engine Engine, logger *logging.Logger) *SessionHandler {
	if logger == nil {
		logger = logging.Default()
	}
	return &SessionHandler{sessions: sessions, engine: engine, logger: logger}
}

// Login verifies the auth provider's access token and starts (or refreshes)
// the session. The token may be sent in the body or as a bearer header.
// POST /session
func (h *SessionHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req sessionRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, io.EOF) {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	token := strings.TrimSpace(req.Token)
	if token == "" {
		token = strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
	}
	if token == "" {
		jsonError(w, "token is required", http.StatusBadRequest)
		return
	}

	id, err := h.sessions.Login(r.Context(), token)
	switch {
	case errors.Is(err, session.ErrAuthDisabled):
		jsonError(w, "sign-in is not configured", http.StatusServiceUnavailable)
		return
	case err != nil:
		h.logger.Warn("sign-in rejected", "error", err)
		jsonError(w, "invalid token", http.StatusUnauthorized)
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse{Identity: id, Paused: h.engine.Paused()})
}

// Logout ends the session. Local records and queued changes are discarded.
// DELETE /session
func (h *SessionHandler) Logout(w http.ResponseWriter, r *http.Request) {
	if !h.sessions.Logout(r.Context()) {
		jsonError(w, "not signed in", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Current returns the signed-in identity.
// GET /session
func (h *SessionHandler) Current(w http.ResponseWriter, r *http.Request) {
	id, ok := h.sessions.Current()
	if !ok {
		jsonError(w, "not signed in", http.StatusUnauthorized)
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse{Identity: id, Paused: h.engine.Paused()})
}
