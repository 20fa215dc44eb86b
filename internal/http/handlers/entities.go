package handlers

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/wolfman30/patient-portal/internal/changequeue"
	"github.com/wolfman30/patient-portal/internal/notify"
	"github.com/wolfman30/patient-portal/internal/portal"
	"github.com/wolfman30/patient-portal/internal/record"
	"github.com/wolfman30/patient-portal/pkg/logging"
)

// EntityHandler serves snapshot reads and queues local mutations for every
// synced entity type.
type EntityHandler struct {
	engine Engine
	logger *logging.Logger
}

// RecordResponse is one record with its sync state.
type RecordResponse struct {
	Record record.Record `json:"record"`
	notify.Entry
}

func NewEntityHandler(engine Engine, logger *logging.Logger) *EntityHandler {
	if logger == nil {
		logger = logging.Default()
	}
	return &EntityHandler{engine: engine, logger: logger}
}

// List returns the snapshot of an entity type.
// GET /v1/{entity}
// Query params:
//   - view: "optimistic" (default) or "confirmed"
//   - category: file_uploads only, "all" for no filter
func (h *EntityHandler) List(w http.ResponseWriter, r *http.Request) {
	t, ok := entityParam(w, r)
	if !ok {
		return
	}

	var snap *notify.Snapshot
	switch view := strings.TrimSpace(r.URL.Query().Get("view")); view {
	case "", "optimistic":
		snap = h.engine.View(t)
	case "confirmed":
		snap = h.engine.ConfirmedView(t)
	default:
		jsonError(w, fmt.Sprintf("unknown view %q", view), http.StatusBadRequest)
		return
	}

	switch t {
	case record.Appointments:
		snap = portal.OrderByAppointmentDate(snap)
	case record.FileUploads:
		snap = portal.FilterCategory(snap, r.URL.Query().Get("category"))
	}
	writeJSON(w, http.StatusOK, snap)
}

// Get returns one record from the optimistic view.
// GET /v1/{entity}/{id}
func (h *EntityHandler) Get(w http.ResponseWriter, r *http.Request) {
	t, ok := entityParam(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")
	snap := h.engine.View(t)
	rec, found := snap.Get(id)
	if !found {
		jsonError(w, "record not found", http.StatusNotFound)
		return
	}
	entry, pending := snap.Entries[id]
	if !pending {
		entry = notify.Entry{Status: changequeue.StatusConfirmed}
	}
	writeJSON(w, http.StatusOK, RecordResponse{Record: rec, Entry: entry})
}

// Create queues a new record. The response carries the placeholder id the
// record is known by until the store of record confirms it.
// POST /v1/{entity}
func (h *EntityHandler) Create(w http.ResponseWriter, r *http.Request) {
	h.mutate(w, r, record.OpCreate, "")
}

// Update queues a partial update.
// PATCH /v1/{entity}/{id}
func (h *EntityHandler) Update(w http.ResponseWriter, r *http.Request) {
	h.mutate(w, r, record.OpUpdate, chi.URLParam(r, "id"))
}

// Delete queues a delete.
// DELETE /v1/{entity}/{id}
func (h *EntityHandler) Delete(w http.ResponseWriter, r *http.Request) {
	h.mutate(w, r, record.OpDelete, chi.URLParam(r, "id"))
}

func (h *EntityHandler) mutate(w http.ResponseWriter, r *http.Request, op record.Op, targetID string) {
	t, ok := entityParam(w, r)
	if !ok {
		return
	}

	var patch record.Fields
	if op != record.OpDelete {
		if err := decodeJSON(r, &patch); err != nil && !errors.Is(err, io.EOF) {
			jsonError(w, "invalid request body", http.StatusBadRequest)
			return
		}
	}

	change, err := h.engine.Enqueue(t, op, patch, targetID)
	if err != nil {
		h.logger.Debug("change rejected", "entity_type", t, "op", op, "target_id", targetID, "error", err)
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, change)
}

func entityParam(w http.ResponseWriter, r *http.Request) (record.EntityType, bool) {
	t, err := record.ParseEntityType(chi.URLParam(r, "entity"))
	if err != nil {
		jsonError(w, err.Error(), http.StatusNotFound)
		return "", false
	}
	return t, true
}
