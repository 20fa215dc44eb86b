package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/wolfman30/patient-portal/internal/changequeue"
	"github.com/wolfman30/patient-portal/internal/record"
	"github.com/wolfman30/patient-portal/internal/session"
	"github.com/wolfman30/patient-portal/internal/syncengine"
)

type errorResponse struct {
	Error  string            `json:"error"`
	Fields map[string]string `json:"fields,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func jsonError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, errorResponse{Error: message})
}

// writeEngineError maps engine, queue and record errors onto HTTP statuses.
func writeEngineError(w http.ResponseWriter, err error) {
	var verr *record.ValidationError
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: "validation failed", Fields: verr.Fields})
	case errors.Is(err, syncengine.ErrNoSession), errors.Is(err, session.ErrNoSession):
		jsonError(w, "not signed in", http.StatusUnauthorized)
	case errors.Is(err, syncengine.ErrUnknownRecord),
		errors.Is(err, record.ErrUnknownEntityType),
		errors.Is(err, changequeue.ErrUnknownChange):
		jsonError(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, changequeue.ErrInvalidTransition):
		jsonError(w, err.Error(), http.StatusConflict)
	case errors.Is(err, record.ErrMalformedOp):
		jsonError(w, err.Error(), http.StatusBadRequest)
	default:
		jsonError(w, "internal error", http.StatusInternalServerError)
	}
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	return dec.Decode(dst)
}
